// Package simplesshd - a small ssh server for trying muxtunnel without a
// system sshd. It offers a login shell, local port forwarding and the
// muxtunnel subsystem.
package simplesshd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/rectcircle/muxtunnel/internal/variable"
	"github.com/rectcircle/muxtunnel/tools"
)

// SubsystemHandler - serve the physical connection carried by an ssh channel
type SubsystemHandler func(ctx context.Context, channel io.ReadWriteCloser) error

// Server - a simple ssh server, no auth unless Password is set
// reference https://gist.github.com/jpillora/b480fde82bff51a06238
type Server struct {
	// HostKeyFile - private host key, created on first start. The public
	// key is written next to it with a .pub suffix.
	HostKeyFile string
	Password    string
	// Subsystem - handler of the muxtunnel subsystem, rejected when nil
	Subsystem SubsystemHandler
	Logger    *zap.Logger
}

// ListenAndServe - start the ssh server and bind to `addr` of TCP
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve - accept ssh connections on listener until ctx is done
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	log := s.logger()
	config, err := s.serverConfig()
	if err != nil {
		listener.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()
	log.Info("Start a ssh Server Success!", zap.Stringer("address", listener.Addr()), zap.Bool("password", s.Password != ""))
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn, config)
	}
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Server) serverConfig() (*ssh.ServerConfig, error) {
	config := &ssh.ServerConfig{}
	if s.Password == "" {
		config.NoClientAuth = true
	} else {
		config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if subtle.ConstantTimeCompare(password, []byte(s.Password)) == 1 {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		}
	}
	signer, err := readOrCreateHostKey(s.HostKeyFile)
	if err != nil {
		return nil, err
	}
	config.AddHostKey(signer)
	return config, nil
}

// readOrCreateHostKey - load the ed25519 host key at path, generate it when
// missing, and refresh the authorized_keys style public key beside it
func readOrCreateHostKey(path string) (ssh.Signer, error) {
	content, err := tools.ReadOrCreateFile(path, func() ([]byte, error) {
		_, privateKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		block, err := ssh.MarshalPrivateKey(privateKey, "simplesshd")
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(block), nil
	})
	if err != nil {
		return nil, fmt.Errorf("host key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(content)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	if err := os.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(signer.PublicKey()), 0644); err != nil {
		return nil, err
	}
	return signer, nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, config *ssh.ServerConfig) {
	log := s.logger().With(zap.Stringer("client", conn.RemoteAddr()))
	// Before use, a handshake must be performed on the incoming net.Conn.
	sshConn, channels, requests, err := ssh.NewServerConn(conn, config)
	if err != nil {
		log.Warn("failed to handshake", zap.Error(err))
		conn.Close()
		return
	}
	stop := context.AfterFunc(ctx, func() {
		sshConn.Close()
	})
	defer stop()
	log.Info("new ssh connection", zap.String("user", sshConn.User()), zap.ByteString("version", sshConn.ClientVersion()))
	go ssh.DiscardRequests(requests)
	// Service the incoming Channel channel in go routine
	for newChannel := range channels {
		go s.handleChannel(ctx, newChannel, log)
	}
	log.Info("ssh connection closed")
}

func (s *Server) handleChannel(ctx context.Context, newChannel ssh.NewChannel, log *zap.Logger) {
	// https://tools.ietf.org/html/rfc4254
	switch t := newChannel.ChannelType(); t {
	case "direct-tcpip":
		// ssh -L localport:remotehost:remoteport sshserver -N
		// user -> localhost:localport (local host) --- ssh tunnel ---> sshserver (sshserver host) --- network ---> remotehost:remoteport (network service)
		handleDirectTCPIP(ctx, newChannel, log)
	case "session":
		s.handleSession(ctx, newChannel, log)
	default:
		// "x11" and "forwarded-tcpip" not support
		newChannel.Reject(ssh.UnknownChannelType, fmt.Sprintf("unknown channel type: %s", t))
		log.Warn("not support channel type", zap.String("type", t))
	}
}

// direct-tcpip data struct as specified in RFC4254, Section 7.2
type localForwardChannelData struct {
	DestAddr string
	DestPort uint32

	OriginAddr string
	OriginPort uint32
}

// https://tools.ietf.org/html/rfc4254#page-17
// https://github.com/gliderlabs/ssh/blob/fb34512070c56e0b7ff4158d981baf37675e4998/tcpip.go#L28
func handleDirectTCPIP(ctx context.Context, newChannel ssh.NewChannel, log *zap.Logger) {
	d := localForwardChannelData{}
	if err := ssh.Unmarshal(newChannel.ExtraData(), &d); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "error parsing forward data: "+err.Error())
		return
	}
	sourceAddress := tools.ToAddressString(d.OriginAddr, uint16(d.OriginPort))
	destAddress := tools.ToAddressString(d.DestAddr, uint16(d.DestPort))

	var dialer net.Dialer
	destConnection, err := dialer.DialContext(ctx, "tcp", destAddress)
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	connection, requests, err := newChannel.Accept()
	if err != nil {
		destConnection.Close()
		return
	}
	log.Info("direct-tcpip connection", zap.String("to", destAddress), zap.String("from", sourceAddress))

	go ssh.DiscardRequests(requests)
	var once sync.Once
	closeBoth := func() {
		connection.Close()
		destConnection.Close()
	}
	go func() {
		io.Copy(connection, destConnection)
		once.Do(closeBoth)
	}()
	go func() {
		io.Copy(destConnection, connection)
		once.Do(closeBoth)
	}()
}

// pty-req payload, RFC4254 Section 6.2
type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

// window-change payload, RFC4254 Section 6.7
type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type subsystemRequestMsg struct {
	Subsystem string
}

// https://tools.ietf.org/html/rfc4254#page-11
func (s *Server) handleSession(ctx context.Context, newChannel ssh.NewChannel, log *zap.Logger) {
	connection, requests, err := newChannel.Accept()
	if err != nil {
		log.Warn("could not accept channel", zap.Error(err))
		return
	}

	var (
		winsize *pty.Winsize
		ptyFile *os.File
		started bool
	)
	// Sessions have out-of-band requests such as "shell", "pty-req" and "env"
	for req := range requests {
		switch req.Type {
		case "pty-req":
			var msg ptyRequestMsg
			if started || ssh.Unmarshal(req.Payload, &msg) != nil {
				req.Reply(false, nil)
				continue
			}
			winsize = &pty.Winsize{Cols: uint16(msg.Columns), Rows: uint16(msg.Rows)}
			req.Reply(true, nil)
		case "window-change":
			var msg windowChangeMsg
			if ssh.Unmarshal(req.Payload, &msg) != nil {
				continue
			}
			winsize = &pty.Winsize{Cols: uint16(msg.Columns), Rows: uint16(msg.Rows)}
			if ptyFile != nil {
				pty.Setsize(ptyFile, winsize)
			}
		case "shell":
			// We only accept the default shell
			// (i.e. no command in the Payload)
			if started || len(req.Payload) != 0 {
				req.Reply(false, nil)
				continue
			}
			ptyFile, err = startShell(connection, winsize, log)
			if err != nil {
				log.Error("start shell failed", zap.Error(err))
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)
		case "subsystem":
			var msg subsystemRequestMsg
			if started || s.Subsystem == nil ||
				ssh.Unmarshal(req.Payload, &msg) != nil || msg.Subsystem != variable.SSHSubsystemName {
				log.Warn("subsystem rejected", zap.String("name", msg.Subsystem))
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)
			go func() {
				log.Info("subsystem started", zap.String("name", msg.Subsystem))
				if err := s.Subsystem(ctx, connection); err != nil {
					log.Error("subsystem failed", zap.Error(err))
				}
				connection.Close()
			}()
		default:
			// "env" and "exec" not support
			req.Reply(false, nil)
		}
	}
	log.Info("session closed")
}

// startShell - run the user shell on the channel, under a pty when the
// client asked for one. The channel is closed with the exit status when
// the shell ends.
func startShell(connection ssh.Channel, winsize *pty.Winsize, log *zap.Logger) (*os.File, error) {
	shell := exec.Command(tools.GetUnixUserShell())
	//  Config shell pwd to User Home dir
	if u, err := user.Current(); err == nil {
		shell.Dir = u.HomeDir
	}

	var (
		ptyFile *os.File
		stdin   io.WriteCloser
		stdout  io.Reader
	)
	if winsize != nil {
		// Allocate a terminal for this session
		f, err := pty.StartWithSize(shell, winsize)
		if err != nil {
			return nil, fmt.Errorf("start pty shell: %w", err)
		}
		ptyFile, stdin, stdout = f, f, f
	} else {
		writer, err := shell.StdinPipe()
		if err != nil {
			return nil, err
		}
		reader, err := shell.StdoutPipe()
		if err != nil {
			return nil, err
		}
		shell.Stderr = connection.Stderr()
		if err := shell.Start(); err != nil {
			return nil, fmt.Errorf("start shell: %w", err)
		}
		stdin, stdout = writer, reader
	}
	log.Info("shell started", zap.String("shell", shell.Path), zap.Bool("pty", ptyFile != nil))

	// pipe session to shell and visa-versa
	go func() {
		io.Copy(connection, stdout)
		err := shell.Wait()
		connection.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{exitStatus(err)}))
		connection.Close()
		if ptyFile != nil {
			ptyFile.Close()
		}
		log.Info("shell exited", zap.Error(err))
	}()
	go func() {
		io.Copy(stdin, connection)
		if ptyFile != nil {
			shell.Process.Signal(syscall.SIGHUP)
			return
		}
		stdin.Close()
	}()
	return ptyFile, nil
}

func exitStatus(err error) uint32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return uint32(exitErr.ExitCode())
	}
	return 255
}
