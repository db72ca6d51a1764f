package muxtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rectcircle/muxtunnel/internal/muxtunnel/protocol"
)

// Client - forward every local TCP connection as a virtual connection over
// one physical connection
type Client struct {
	session *protocol.Session
	log     *zap.Logger
}

// NewClient - Create a Client on link, call Serve to start forwarding
func NewClient(link io.ReadWriteCloser, logger *zap.Logger, metrics *protocol.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{log: logger}
	c.session = protocol.NewSession(link, protocol.SessionConfig{
		Logger:   logger.Named("session"),
		Metrics:  metrics,
		OnAccept: c.dropInbound,
	})
	return c
}

// Session - the multiplexing session over the link
func (c *Client) Session() *protocol.Session {
	return c.session
}

// dropInbound - the server never opens connections. Frames that show up for
// an unknown id belong to a connection this side already finished.
func (c *Client) dropInbound(vc *protocol.VirtualConnection) {
	c.log.Debug("drop frames of unknown virtual connection", zap.Stringer("vid", vc.ID()))
	vc.Abort()
}

// Serve - accept local connections from listener until ctx is done or the
// link ends. The listener is closed on return.
func (c *Client) Serve(ctx context.Context, listener net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.session.Serve(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-c.session.Done():
		}
		listener.Close()
		return nil
	})
	g.Go(func() error {
		c.log.Info("client listening", zap.Stringer("address", listener.Addr()))
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || isDone(c.session.Done()) || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			go c.forward(ctx, conn)
		}
	})
	return g.Wait()
}

func (c *Client) forward(ctx context.Context, conn net.Conn) {
	log := c.log.With(zap.Stringer("client", conn.RemoteAddr()))
	vc, err := c.session.Open(ctx)
	if err != nil {
		log.Warn("open virtual connection failed", zap.Error(err))
		conn.Close()
		return
	}
	log = log.With(zap.Stringer("vid", vc.ID()))
	log.Info("connection forwarded")
	sent, received := bridge(conn, vc)
	log.Info("connection closed", zap.Int64("sent", sent), zap.Int64("received", received))
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
