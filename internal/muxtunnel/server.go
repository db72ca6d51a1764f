package muxtunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/rectcircle/muxtunnel/internal/muxtunnel/protocol"
	"github.com/rectcircle/muxtunnel/internal/variable"
)

// recentConnections - ids remembered per link to drop frames that arrive
// after a connection finished
const recentConnections = 4096

// Server - dial Target for every virtual connection the client opens
type Server struct {
	// Target - TCP address of the forwarded service
	Target string
	// StdioLogFile - where ServeStdio logs when stderr is a terminal, which
	// usually shares the pty with the link. Empty disables those logs.
	StdioLogFile string
	log          *zap.Logger
	metrics      *protocol.Metrics
	dialer       net.Dialer
}

// NewServer - Create a Server forwarding to target
func NewServer(target string, logger *zap.Logger, metrics *protocol.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Target:       target,
		StdioLogFile: filepath.Join(variable.ConfigBaseDir, variable.ServerLogFileName),
		log:          logger,
		metrics:      metrics,
	}
}

// ServeLink - serve one physical connection until it ends or ctx is done.
// A failure on one virtual connection never ends the link.
func (s *Server) ServeLink(ctx context.Context, link io.ReadWriteCloser) error {
	seen, err := lru.New[string, struct{}](recentConnections)
	if err != nil {
		return err
	}
	session := protocol.NewSession(link, protocol.SessionConfig{
		Logger:  s.log.Named("session"),
		Metrics: s.metrics,
		OnAccept: func(vc *protocol.VirtualConnection) {
			key := vc.ID().String()
			if seen.Contains(key) {
				s.log.Debug("drop frames of finished virtual connection", zap.Stringer("vid", vc.ID()))
				vc.Abort()
				return
			}
			seen.Add(key, struct{}{})
			go s.forward(ctx, vc)
		},
	})
	return session.Serve(ctx)
}

// ServeStdio - serve the process stdin/stdout. The ready trigger is printed
// first so an interactive client knows the link is up.
func (s *Server) ServeStdio(ctx context.Context) error {
	if fd := int(os.Stderr.Fd()); term.IsTerminal(fd) {
		flush, err := s.logToFile()
		if err != nil {
			return err
		}
		defer flush()
	}
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set stdin raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}
	if _, err := io.WriteString(os.Stdout, variable.StdoutReadyTrigger); err != nil {
		return err
	}
	return s.ServeLink(ctx, Stdio())
}

// logToFile - send the logs to StdioLogFile from now on, keeping the level
// of the current logger. The returned func flushes them.
func (s *Server) logToFile() (func(), error) {
	if s.StdioLogFile == "" {
		s.log = zap.NewNop()
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.StdioLogFile), 0755); err != nil {
		return nil, err
	}
	sink, _, err := zap.Open(s.StdioLogFile)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	s.log = s.log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewCore(encoder, sink, core)
	}))
	log := s.log
	return func() { log.Sync() }, nil
}

// ListenAndServe - every TCP connection accepted on listener is a physical
// connection with its own session
func (s *Server) ListenAndServe(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()
	s.log.Info("server listening", zap.Stringer("address", listener.Addr()), zap.String("target", s.Target))
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			log := s.log.With(zap.Stringer("link", conn.RemoteAddr()))
			log.Info("link connected")
			if err := s.ServeLink(ctx, conn); err != nil {
				log.Error("link failed", zap.Error(err))
				return
			}
			log.Info("link closed")
		}()
	}
}

func (s *Server) forward(ctx context.Context, vc *protocol.VirtualConnection) {
	log := s.log.With(zap.Stringer("vid", vc.ID()))
	conn, err := s.dialer.DialContext(ctx, "tcp", s.Target)
	if err != nil {
		log.Warn("dial target failed", zap.String("target", s.Target), zap.Error(err))
		vc.Close()
		return
	}
	log.Info("connection forwarded", zap.String("target", s.Target))
	sent, received := bridge(conn, vc)
	log.Info("connection closed", zap.Int64("sent", sent), zap.Int64("received", received))
}
