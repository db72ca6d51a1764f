// Package simpleecho - a tiny TCP echo server and client used to exercise tunnels
package simpleecho

import (
	"context"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
)

// ListenAndServe - start a echo server
// and bind to `addr` of TCP
func ListenAndServe(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	logger.Info("Start a Echo Server Success!", zap.Stringer("address", listener.Addr()))
	return Serve(ctx, listener, logger)
}

// Serve - echo every connection accepted on listener until ctx is done
func Serve(ctx context.Context, listener net.Listener, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()
	for {
		// Wait accept connection
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.Info("client connected", zap.Stringer("client", conn.RemoteAddr()))
		// Serve a client connection
		go serve(ctx, conn, logger)
	}
}

func serve(ctx context.Context, conn net.Conn, logger *zap.Logger) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()
	// copy to conn.Write from conn.Read
	n, err := io.Copy(conn, conn)
	reason := "client close"
	if err != nil {
		reason = err.Error()
	}
	logger.Info("client connection close",
		zap.Stringer("client", conn.RemoteAddr()),
		zap.Int64("bytes", n),
		zap.String("reason", reason),
	)
	conn.Close()
}
