package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testTimeout = 5 * time.Second

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// serveSession - start s.Serve and return the channel receiving its result
func serveSession(t *testing.T, s *Session) <-chan error {
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		result <- s.Serve(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(testTimeout):
			t.Errorf("session did not stop")
		}
	})
	return result
}

func newSessionPair(t *testing.T, cfgA, cfgB SessionConfig) (a, b *Session) {
	connA, connB := net.Pipe()
	if cfgA.Logger == nil {
		cfgA.Logger = zaptest.NewLogger(t).Named("a")
	}
	if cfgB.Logger == nil {
		cfgB.Logger = zaptest.NewLogger(t).Named("b")
	}
	a = NewSession(connA, cfgA)
	b = NewSession(connB, cfgB)
	serveSession(t, a)
	serveSession(t, b)
	return a, b
}

// newRawPeer - a Session whose remote side is a bare net.Conn driven by the test
func newRawPeer(t *testing.T, cfg SessionConfig) (*Session, net.Conn, <-chan error) {
	connA, raw := net.Pipe()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	s := NewSession(connA, cfg)
	result := serveSession(t, s)
	t.Cleanup(func() { raw.Close() })
	return s, raw, result
}

func readRawFrames(t *testing.T, conn net.Conn, count int) []Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	reader := frameReader{}
	buffer := make([]byte, 4096)
	frames := []Frame{}
	for len(frames) < count {
		n, err := conn.Read(buffer)
		require.NoError(t, err)
		got, err := handleBytes(&reader, buffer[:n])
		require.NoError(t, err)
		frames = append(frames, got...)
	}
	require.Len(t, frames, count)
	return frames
}

func writeRaw(t *testing.T, conn net.Conn, frames ...Frame) {
	t.Helper()
	data := []byte{}
	for i := range frames {
		data = append(data, frames[i].Serialize()...)
	}
	_, err := conn.Write(data)
	require.NoError(t, err)
}

func waitClosed(t *testing.T, c <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-c:
	case <-time.After(testTimeout):
		t.Fatalf("%s not closed", what)
	}
}

func TestSession_OpenAcceptEcho(t *testing.T) {
	a, b := newSessionPair(t, SessionConfig{}, SessionConfig{})
	ctx := testContext(t)

	va, err := a.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, a.NumConnections())

	echoDone := make(chan struct{})
	go func() {
		defer close(echoDone)
		vb, err := b.Accept(ctx)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, va.ID(), vb.ID())
		io.Copy(vb, vb)
		vb.Close()
	}()

	want := []byte("hello virtual connection")
	n, err := va.Write(want)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	got := make([]byte, len(want))
	_, err = io.ReadFull(va, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, va.Close())
	waitClosed(t, echoDone, "echo")
	waitClosed(t, va.Done(), "local connection")
	assert.Equal(t, 0, a.NumConnections())
	assert.Eventually(t, func() bool { return b.NumConnections() == 0 }, testTimeout, 10*time.Millisecond)
}

func TestSession_OversizedWriteIsChunked(t *testing.T) {
	s, raw, _ := newRawPeer(t, SessionConfig{})
	id := NewConnectionID()
	const k, r = 3, 100
	data := randomBytes(MaxFrameBodyLength*k + r)

	result := make(chan error, 1)
	go s.SendFrame(id, data, func(err error) { result <- err })

	frames := readRawFrames(t, raw, k+1)
	var joined []byte
	for i, f := range frames {
		assert.Equal(t, id, f.Header.ID)
		if i < k {
			assert.Equal(t, uint32(MaxFrameBodyLength), f.Header.BodyLength)
		} else {
			assert.Equal(t, uint32(r), f.Header.BodyLength)
		}
		joined = append(joined, f.Body...)
	}
	assert.True(t, bytes.Equal(data, joined), "frames must arrive in the order sent")
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("callback not called")
	}
}

func TestSession_OversizedWriteReassembled(t *testing.T) {
	a, b := newSessionPair(t, SessionConfig{}, SessionConfig{})
	ctx := testContext(t)
	data := randomBytes(MaxFrameBodyLength*5 + 17)

	va, err := a.Open(ctx)
	require.NoError(t, err)
	go func() {
		va.Write(data)
		va.CloseWrite()
	}()

	vb, err := b.Accept(ctx)
	require.NoError(t, err)
	got, err := io.ReadAll(vb)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestSession_CloseSignal(t *testing.T) {
	t.Run("one zero-length frame on the wire", func(t *testing.T) {
		s, raw, _ := newRawPeer(t, SessionConfig{})
		vc, err := s.Open(testContext(t))
		require.NoError(t, err)

		closed := make(chan error, 1)
		go func() { closed <- vc.CloseWrite() }()

		frames := readRawFrames(t, raw, 1)
		assert.Equal(t, vc.ID(), frames[0].Header.ID)
		assert.Equal(t, uint32(0), frames[0].Header.BodyLength)
		require.NoError(t, <-closed)
		waitClosed(t, vc.Done(), "connection")
		assert.Equal(t, 0, s.NumConnections())

		// no second close frame
		require.NoError(t, vc.CloseWrite())
		require.NoError(t, vc.Close())
		require.NoError(t, raw.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
		_, err = raw.Read(make([]byte, 1))
		var netErr net.Error
		require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected read result %v", err)

		_, err = vc.Write([]byte("late"))
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})

	t.Run("SendFrame with empty data", func(t *testing.T) {
		s, raw, _ := newRawPeer(t, SessionConfig{})
		id := NewConnectionID()
		go s.SendFrame(id, nil, nil)
		frames := readRawFrames(t, raw, 1)
		assert.True(t, frames[0].IsClose())
		assert.Equal(t, id, frames[0].Header.ID)
	})

	t.Run("remote observes end-of-stream", func(t *testing.T) {
		a, b := newSessionPair(t, SessionConfig{}, SessionConfig{})
		ctx := testContext(t)
		va, err := a.Open(ctx)
		require.NoError(t, err)
		require.NoError(t, va.CloseWrite())

		vb, err := b.Accept(ctx)
		require.NoError(t, err)
		assert.Equal(t, va.ID(), vb.ID())
		n, err := vb.Read(make([]byte, 16))
		assert.Equal(t, 0, n)
		assert.Equal(t, io.EOF, err)
		waitClosed(t, vb.Done(), "remote connection")
		assert.Equal(t, 0, b.NumConnections())

		_, err = vb.Write([]byte("x"))
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})

	t.Run("empty write is not a close", func(t *testing.T) {
		a, b := newSessionPair(t, SessionConfig{}, SessionConfig{})
		ctx := testContext(t)
		va, err := a.Open(ctx)
		require.NoError(t, err)
		n, err := va.Write(nil)
		assert.NoError(t, err)
		assert.Equal(t, 0, n)
		_, err = va.Write([]byte("after"))
		require.NoError(t, err)

		vb, err := b.Accept(ctx)
		require.NoError(t, err)
		got := make([]byte, 5)
		_, err = io.ReadFull(vb, got)
		require.NoError(t, err)
		assert.Equal(t, "after", string(got))
	})
}

func TestSession_ProtocolViolation(t *testing.T) {
	tests := []struct {
		name   string
		length uint32
	}{
		{name: "one above max", length: MaxFrameBodyLength + 1},
		{name: "negative", length: 0xfffffffe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			metrics := NewMetrics(reg)
			s, raw, result := newRawPeer(t, SessionConfig{Metrics: metrics})
			id := NewConnectionID()

			bad := make([]byte, HeaderLength)
			copy(bad, id[:])
			binary.LittleEndian.PutUint32(bad[ConnectionIDLength:], tt.length)
			data := NewFrame(id, []byte("ok")).Serialize()
			data = append(data, bad...)
			data = append(data, randomBytes(64)...)
			go raw.Write(data)

			vc, err := s.Accept(testContext(t))
			require.NoError(t, err)

			select {
			case err := <-result:
				assert.ErrorIs(t, err, ErrProtocolViolation)
			case <-time.After(testTimeout):
				t.Fatal("session kept running after a protocol violation")
			}
			assert.ErrorIs(t, s.Err(), ErrProtocolViolation)

			got := make([]byte, 2)
			_, err = io.ReadFull(vc, got)
			require.NoError(t, err)
			assert.Equal(t, "ok", string(got))
			_, err = vc.Read(got)
			assert.ErrorIs(t, err, ErrProtocolViolation)
			assert.ErrorIs(t, err, ErrSessionClosed)

			_, err = s.Open(testContext(t))
			assert.ErrorIs(t, err, ErrSessionClosed)
			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ProtocolViolations))
			assert.Equal(t, float64(0), testutil.ToFloat64(metrics.OpenConnections))
		})
	}
}

func TestSession_SocketCloseFanOut(t *testing.T) {
	s, raw, result := newRawPeer(t, SessionConfig{})
	ctx := testContext(t)
	ids := []ConnectionID{NewConnectionID(), NewConnectionID(), NewConnectionID()}
	writeRaw(t, raw,
		NewFrame(ids[0], []byte("A")),
		NewFrame(ids[1], []byte("B")),
		NewFrame(ids[2], []byte("C")),
	)

	conns := []*VirtualConnection{}
	for range ids {
		vc, err := s.Accept(ctx)
		require.NoError(t, err)
		conns = append(conns, vc)
	}
	assert.Equal(t, 3, s.NumConnections())

	require.NoError(t, raw.Close())
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("session did not notice the physical close")
	}

	for i, vc := range conns {
		assert.Equal(t, ids[i], vc.ID())
		data, err := io.ReadAll(vc)
		assert.NoError(t, err, "end-of-stream, not an error")
		assert.Len(t, data, 1)
		waitClosed(t, vc.Done(), vc.String())
		_, err = vc.Write([]byte("x"))
		assert.ErrorIs(t, err, ErrSessionClosed)
	}
	assert.Equal(t, 0, s.NumConnections())
	assert.NoError(t, s.Err())

	_, err := s.Accept(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

// failingConn - accept failAfter writes, then fail every write
type failingConn struct {
	failAfter int32
	writes    atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}
}

func newFailingConn(failAfter int32) *failingConn {
	return &failingConn{failAfter: failAfter, closed: make(chan struct{})}
}

func (c *failingConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *failingConn) Write(p []byte) (int, error) {
	if c.writes.Add(1) > c.failAfter {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func (c *failingConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func TestSession_SendFrameCallbackAtMostOnce(t *testing.T) {
	conn := newFailingConn(1)
	s := NewSession(conn, SessionConfig{Logger: zaptest.NewLogger(t)})
	result := serveSession(t, s)

	var calls atomic.Int32
	var firstErr atomic.Value
	done := make(chan struct{})
	s.SendFrame(NewConnectionID(), randomBytes(MaxFrameBodyLength*3), func(err error) {
		if calls.Add(1) == 1 {
			firstErr.Store(err)
			close(done)
		}
	})
	waitClosed(t, done, "callback")

	select {
	case err := <-result:
		assert.Error(t, err)
	case <-time.After(testTimeout):
		t.Fatal("session kept running after a write failure")
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Error(t, firstErr.Load().(error))
	assert.Equal(t, int32(2), conn.writes.Load(), "no frame is written after the first failure")

	var late atomic.Int32
	lateErr := make(chan error, 1)
	s.SendFrame(NewConnectionID(), []byte("late"), func(err error) {
		late.Add(1)
		lateErr <- err
	})
	assert.ErrorIs(t, <-lateErr, ErrSessionClosed)
	assert.Equal(t, int32(1), late.Load())
}

func TestSession_InterleavedWritesKeepOrder(t *testing.T) {
	a, b := newSessionPair(t, SessionConfig{}, SessionConfig{})
	ctx := testContext(t)
	const connections = 4

	want := map[ConnectionID][]byte{}
	var wantMu sync.Mutex
	var writers sync.WaitGroup
	for i := 0; i < connections; i++ {
		va, err := a.Open(ctx)
		require.NoError(t, err)
		writers.Add(1)
		go func(va *VirtualConnection, seed int64) {
			defer writers.Done()
			rnd := rand.New(rand.NewSource(seed))
			var sent []byte
			for j := 0; j < 30; j++ {
				chunk := randomBytes(1 + rnd.Intn(2*MaxFrameBodyLength))
				if _, err := va.Write(chunk); err != nil {
					t.Errorf("write: %v", err)
					return
				}
				sent = append(sent, chunk...)
			}
			wantMu.Lock()
			want[va.ID()] = sent
			wantMu.Unlock()
			va.CloseWrite()
		}(va, int64(i))
	}

	got := map[ConnectionID][]byte{}
	var gotMu sync.Mutex
	var readers sync.WaitGroup
	for i := 0; i < connections; i++ {
		vb, err := b.Accept(ctx)
		require.NoError(t, err)
		readers.Add(1)
		go func(vb *VirtualConnection) {
			defer readers.Done()
			data, err := io.ReadAll(vb)
			assert.NoError(t, err)
			gotMu.Lock()
			got[vb.ID()] = data
			gotMu.Unlock()
		}(vb)
	}
	writers.Wait()
	readers.Wait()

	require.Len(t, got, connections)
	for id, data := range want {
		assert.True(t, bytes.Equal(data, got[id]), "connection %s out of order", id)
	}
}

func TestSession_OnAccept(t *testing.T) {
	accepted := make(chan *VirtualConnection, 1)
	s, raw, _ := newRawPeer(t, SessionConfig{OnAccept: func(vc *VirtualConnection) {
		accepted <- vc
	}})

	id := NewConnectionID()
	writeRaw(t, raw, NewFrame(id, []byte("x")))
	select {
	case vc := <-accepted:
		assert.Equal(t, id, vc.ID())
		vc.Abort()
		waitClosed(t, vc.Done(), "aborted connection")
		assert.Equal(t, 0, s.NumConnections())
		_, err := vc.Read(make([]byte, 1))
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(testTimeout):
		t.Fatal("OnAccept not called")
	}
}

func TestSession_CloseLocally(t *testing.T) {
	a, b := newSessionPair(t, SessionConfig{}, SessionConfig{})
	ctx := testContext(t)
	va, err := a.Open(ctx)
	require.NoError(t, err)
	_, err = va.Write([]byte("ping"))
	require.NoError(t, err)
	vb, err := b.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	waitClosed(t, a.Done(), "session a")
	waitClosed(t, b.Done(), "session b")

	_, err = va.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	data, err := io.ReadAll(vb)
	assert.NoError(t, err)
	assert.Equal(t, "ping", string(data))

	_, err = a.Open(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.NoError(t, va.Close(), "closing after the session ended sends nothing")
}

func TestSession_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	a, b := newSessionPair(t, SessionConfig{Metrics: metrics}, SessionConfig{})
	ctx := testContext(t)

	va, err := a.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.OpenConnections))
	_, err = va.Write(make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, va.CloseWrite())

	vb, err := b.Accept(ctx)
	require.NoError(t, err)
	io.ReadAll(vb)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.FramesOut))
	assert.Equal(t, float64(10), testutil.ToFloat64(metrics.BytesOut))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ConnectionsOpened))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ConnectionsClosed))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.OpenConnections))
}
