package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultAcceptBacklog  = 64
	defaultReadBufferSize = 32 * 1024
)

// SessionConfig - options of a Session, the zero value is usable
type SessionConfig struct {
	Logger  *zap.Logger
	Metrics *Metrics
	// AcceptBacklog - connections opened by the remote and not yet accepted
	AcceptBacklog int
	// ReadBufferSize - size of a single read from the physical connection
	ReadBufferSize int
	// OnAccept - when set, new remote connections are handed to it instead
	// of the Accept queue. It runs on the read loop and must not block.
	OnAccept func(*VirtualConnection)
}

// outboundFrames - one logical send waiting for the write loop
type outboundFrames struct {
	frames []Frame
	done   func(error)
}

// Session - handle one physical connection: the frame pump in both
// directions and the registry of its virtual connections
type Session struct {
	conn    io.ReadWriteCloser
	cfg     SessionConfig
	log     *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	conns    map[string]*VirtualConnection
	shutdown bool
	err      error
	closeErr error

	accepted  chan *VirtualConnection
	outbound  chan *outboundFrames
	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession - Create a Session to serve conn, call Serve to start the pump
func NewSession(conn io.ReadWriteCloser, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = defaultAcceptBacklog
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	return &Session{
		conn:     conn,
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		conns:    make(map[string]*VirtualConnection),
		accepted: make(chan *VirtualConnection, cfg.AcceptBacklog),
		outbound: make(chan *outboundFrames),
		closed:   make(chan struct{}),
	}
}

// Serve - run the read and write loops until the physical connection ends.
// Returns nil for a clean end (remote EOF, Close, ctx cancel), otherwise the
// cause, e.g. an error matching ErrProtocolViolation.
func (s *Session) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(s.readLoop)
	g.Go(s.writeLoop)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			s.terminate(nil)
		case <-s.closed:
		}
		return nil
	})
	return g.Wait()
}

// Accept - wait for a virtual connection opened by the remote side
func (s *Session) Accept(ctx context.Context) (*VirtualConnection, error) {
	select {
	case vc := <-s.accepted:
		return vc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		select {
		case vc := <-s.accepted:
			return vc, nil
		default:
		}
		return nil, s.closedError()
	}
}

// Open - create a virtual connection with a fresh id. Nothing is sent until
// the first Write or CloseWrite.
func (s *Session) Open(ctx context.Context) (*VirtualConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		vc, created, err := s.register(NewConnectionID())
		if err != nil {
			return nil, err
		}
		if created {
			s.log.Debug("virtual connection opened", zap.Stringer("vid", vc.id))
			return vc, nil
		}
	}
}

// NumConnections - number of virtual connections in the registry
func (s *Session) NumConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close - close the physical connection, every virtual connection observes
// end-of-stream
func (s *Session) Close() error {
	s.terminate(nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Done - closed once the session has terminated
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Err - the cause of termination, nil while running or after a clean end
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SendFrame - split data into frames for connection id and queue them on the
// physical connection. callback fires exactly once: after the last frame was
// written, or with the first error. Empty data sends the close signal.
// data must not be modified before callback fires.
func (s *Session) SendFrame(id ConnectionID, data []byte, callback func(error)) {
	var once sync.Once
	done := func(err error) {
		once.Do(func() {
			if callback != nil {
				callback(err)
			}
		})
	}
	out := &outboundFrames{frames: SplitFrames(id, data), done: done}
	select {
	case s.outbound <- out:
	case <-s.closed:
		done(s.closedError())
	}
}

// send - SendFrame and wait for the callback
func (s *Session) send(id ConnectionID, data []byte) error {
	result := make(chan error, 1)
	s.SendFrame(id, data, func(err error) {
		result <- err
	})
	return <-result
}

func (s *Session) readLoop() error {
	buffer := make([]byte, s.cfg.ReadBufferSize)
	var reader frameReader
	for {
		n, err := s.conn.Read(buffer)
		if n > 0 {
			frames, perr := handleBytes(&reader, buffer[:n])
			for _, frame := range frames {
				s.metrics.frameIn(len(frame.Body))
				s.dispatch(frame)
			}
			if perr != nil {
				s.metrics.protocolViolation()
				s.log.Error("drop physical connection", zap.Error(perr))
				s.terminate(perr)
				return perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || s.isShutdown() {
				s.terminate(nil)
				return nil
			}
			err = fmt.Errorf("read physical connection: %w", err)
			s.terminate(err)
			return err
		}
	}
}

func (s *Session) dispatch(frame Frame) {
	vc, created, err := s.register(frame.Header.ID)
	if err != nil {
		return
	}
	if created {
		s.log.Debug("virtual connection accepted", zap.Stringer("vid", vc.id))
		s.notifyAccept(vc)
	}
	if frame.IsClose() {
		vc.remoteEnd()
		return
	}
	if !vc.push(frame.Body) {
		s.log.Debug("drop frame for finished virtual connection",
			zap.Stringer("vid", vc.id), zap.Int("length", len(frame.Body)))
	}
}

func (s *Session) notifyAccept(vc *VirtualConnection) {
	if s.cfg.OnAccept != nil {
		s.cfg.OnAccept(vc)
		return
	}
	select {
	case s.accepted <- vc:
	case <-s.closed:
	}
}

// register - lookup-or-create the connection for id
func (s *Session) register(id ConnectionID) (*VirtualConnection, bool, error) {
	key := id.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, false, ErrSessionClosed
	}
	if vc, ok := s.conns[key]; ok {
		return vc, false, nil
	}
	vc := newVirtualConnection(id, s.log.With(zap.String("vid", key)))
	vc.send = func(data []byte) error {
		return s.send(id, data)
	}
	vc.onEnd = func() {
		s.remove(vc)
	}
	vc.onFinish = func(notifyRemote bool) error {
		s.remove(vc)
		if !notifyRemote {
			return nil
		}
		return s.send(id, nil)
	}
	vc.onAbort = func() {
		s.remove(vc)
	}
	s.conns[key] = vc
	s.metrics.connectionOpened()
	return vc, true, nil
}

func (s *Session) remove(vc *VirtualConnection) {
	key := vc.id.String()
	s.mu.Lock()
	current, ok := s.conns[key]
	if ok && current == vc {
		delete(s.conns, key)
		s.metrics.connectionClosed()
	}
	s.mu.Unlock()
	vc.markRemoved()
}

func (s *Session) writeLoop() error {
	for {
		select {
		case out := <-s.outbound:
			if err := s.writeFrames(out.frames); err != nil {
				err = fmt.Errorf("write physical connection: %w", err)
				out.done(err)
				if s.isShutdown() {
					return nil
				}
				s.log.Error("drop physical connection", zap.Error(err))
				s.terminate(err)
				return err
			}
			out.done(nil)
		case <-s.closed:
			return nil
		}
	}
}

func (s *Session) writeFrames(frames []Frame) error {
	for i := range frames {
		frame := &frames[i]
		if _, err := s.conn.Write(frame.Serialize()); err != nil {
			return err
		}
		s.metrics.frameOut(len(frame.Body))
		if ce := s.log.Check(zap.DebugLevel, "frame sent"); ce != nil {
			ce.Write(zap.Stringer("vid", frame.Header.ID), zap.Uint32("length", frame.Header.BodyLength))
		}
	}
	return nil
}

func (s *Session) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Session) closedError() error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	return ErrSessionClosed
}

// terminate - close the physical connection once and fan the end out to
// every registered virtual connection
func (s *Session) terminate(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		s.err = cause
		conns := s.conns
		s.conns = make(map[string]*VirtualConnection)
		s.mu.Unlock()

		close(s.closed)
		closeErr := s.conn.Close()

		s.mu.Lock()
		s.closeErr = closeErr
		s.mu.Unlock()

		for _, vc := range conns {
			s.metrics.connectionClosed()
			vc.sessionClosed(cause)
		}
		s.log.Debug("session terminated", zap.Int("connections", len(conns)), zap.Error(cause))
	})
}
