package protocol

import (
	"fmt"
	"io"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

var errEndedByRemote = fmt.Errorf("%w: ended by remote", ErrConnectionClosed)

// VirtualConnection - one logical byte stream multiplexed over a Session.
//
// The connection holds callbacks into its registry, not the registry itself.
type VirtualConnection struct {
	id  ConnectionID
	log *zap.Logger

	send     func(data []byte) error
	onEnd    func()
	onFinish func(notifyRemote bool) error
	onAbort  func()

	// writeMu keeps the frames of one connection in issue order
	writeMu sync.Mutex

	mu          sync.Mutex
	readable    *sync.Cond
	inbound     *queue.Queue
	pending     []byte
	readErr     error
	writeErr    error
	writeClosed bool
	closed      bool

	removeOnce sync.Once
	removed    chan struct{}
}

func newVirtualConnection(id ConnectionID, log *zap.Logger) *VirtualConnection {
	vc := &VirtualConnection{
		id:      id,
		log:     log,
		inbound: queue.New(),
		removed: make(chan struct{}),
	}
	vc.readable = sync.NewCond(&vc.mu)
	return vc
}

// ID - the connection id
func (vc *VirtualConnection) ID() ConnectionID {
	return vc.id
}

func (vc *VirtualConnection) String() string {
	return "vconn(" + vc.id.String() + ")"
}

// Done - closed once the connection is no longer in its session registry
func (vc *VirtualConnection) Done() <-chan struct{} {
	return vc.removed
}

// Read - read data sent by the remote side. After the remote end, buffered
// data is drained and then io.EOF is returned.
func (vc *VirtualConnection) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	vc.mu.Lock()
	defer vc.mu.Unlock()
	for {
		if vc.closed {
			return 0, ErrConnectionClosed
		}
		if len(vc.pending) == 0 && vc.inbound.Length() > 0 {
			vc.pending = vc.inbound.Remove().([]byte)
		}
		if len(vc.pending) > 0 {
			n := copy(p, vc.pending)
			vc.pending = vc.pending[n:]
			return n, nil
		}
		if vc.readErr != nil {
			return 0, vc.readErr
		}
		vc.readable.Wait()
	}
}

// Write - send p to the remote side, returns once every frame of p has been
// written to the physical connection. An empty p sends nothing.
func (vc *VirtualConnection) Write(p []byte) (int, error) {
	vc.writeMu.Lock()
	defer vc.writeMu.Unlock()
	vc.mu.Lock()
	err := vc.writeErr
	vc.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := vc.send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite - finish the local side: send the zero-length close frame and
// leave the registry. The frame is skipped when the remote already ended the
// connection, since the remote no longer knows this id. Read returns the data
// already received and then io.EOF.
func (vc *VirtualConnection) CloseWrite() error {
	vc.writeMu.Lock()
	defer vc.writeMu.Unlock()
	vc.mu.Lock()
	if vc.writeClosed {
		vc.mu.Unlock()
		return nil
	}
	vc.writeClosed = true
	notifyRemote := vc.writeErr == nil
	if vc.writeErr == nil {
		vc.writeErr = ErrConnectionClosed
	}
	// out of the registry nothing more can arrive, buffered data is still readable
	if vc.readErr == nil {
		vc.readErr = io.EOF
	}
	vc.readable.Broadcast()
	vc.mu.Unlock()
	vc.log.Debug("virtual connection finished", zap.Bool("notifyRemote", notifyRemote))
	return vc.onFinish(notifyRemote)
}

// Close - CloseWrite and release the read side
func (vc *VirtualConnection) Close() error {
	err := vc.CloseWrite()
	vc.releaseRead()
	return err
}

// Abort - drop the connection locally without telling the remote side
func (vc *VirtualConnection) Abort() {
	vc.mu.Lock()
	vc.writeClosed = true
	if vc.writeErr == nil {
		vc.writeErr = ErrConnectionClosed
	}
	vc.mu.Unlock()
	vc.releaseRead()
	vc.onAbort()
}

func (vc *VirtualConnection) releaseRead() {
	vc.mu.Lock()
	vc.closed = true
	vc.pending = nil
	for vc.inbound.Length() > 0 {
		vc.inbound.Remove()
	}
	vc.readable.Broadcast()
	vc.mu.Unlock()
}

// push - deliver a frame body, returns false when the body was dropped
func (vc *VirtualConnection) push(body []byte) bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.closed || vc.readErr != nil {
		return false
	}
	vc.inbound.Add(body)
	vc.readable.Broadcast()
	return true
}

// remoteEnd - the remote side sent the zero-length frame
func (vc *VirtualConnection) remoteEnd() {
	vc.mu.Lock()
	if vc.readErr == nil {
		vc.readErr = io.EOF
	}
	if vc.writeErr == nil {
		vc.writeErr = errEndedByRemote
	}
	vc.readable.Broadcast()
	vc.mu.Unlock()
	vc.log.Debug("virtual connection ended by remote")
	vc.onEnd()
}

// sessionClosed - the physical connection is gone, cause is nil for a clean close
func (vc *VirtualConnection) sessionClosed(cause error) {
	readErr, writeErr := io.EOF, error(ErrSessionClosed)
	if cause != nil {
		readErr = fmt.Errorf("%w: %w", ErrSessionClosed, cause)
		writeErr = readErr
	}
	vc.mu.Lock()
	if vc.readErr == nil {
		vc.readErr = readErr
	}
	if vc.writeErr == nil {
		vc.writeErr = writeErr
	}
	vc.readable.Broadcast()
	vc.mu.Unlock()
	vc.markRemoved()
}

func (vc *VirtualConnection) markRemoved() {
	vc.removeOnce.Do(func() {
		close(vc.removed)
	})
}
