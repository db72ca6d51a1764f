package muxtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/rectcircle/muxtunnel/internal/config"
	"github.com/rectcircle/muxtunnel/internal/variable"
)

// pipeLink - a physical connection assembled from a reader and a writer
type pipeLink struct {
	io.Reader
	io.Writer
	closers []func() error
}

func (l *pipeLink) Close() error {
	var err error
	for _, c := range l.closers {
		err = multierr.Append(err, c())
	}
	return err
}

// Stdio - the process stdin/stdout as a physical connection
func Stdio() io.ReadWriteCloser {
	return &pipeLink{
		Reader:  os.Stdin,
		Writer:  os.Stdout,
		closers: []func() error{os.Stdin.Close, os.Stdout.Close},
	}
}

// DialTCP - dial a muxtunnel server listening on TCP
func DialTCP(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// StartCommand - start command and use its stdin/stdout as the physical connection.
// In interactive mode the command runs under a pty and the terminal is
// handed to the user until the remote server prints the ready trigger.
func StartCommand(command string, interactive bool, logger *zap.Logger) (io.ReadWriteCloser, error) {
	commandAndArgs := strings.Fields(command)
	if len(commandAndArgs) == 0 {
		return nil, errors.New("the command is not allowed to be an empty string")
	}
	cmd := exec.Command(commandAndArgs[0], commandAndArgs[1:]...)
	if interactive {
		return startCommandWithPtyAndInit(cmd, variable.StdoutReadyTrigger, logger)
	}
	cmd.Stderr = os.Stderr
	writer, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	reader, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	logger.Info("command started", zap.String("command", command), zap.Int("pid", cmd.Process.Pid))
	return &pipeLink{
		Reader:  reader,
		Writer:  writer,
		closers: []func() error{writer.Close, killer(cmd)},
	}, nil
}

func killer(cmd *exec.Cmd) func() error {
	return func() error {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		cmd.Wait()
		return nil
	}
}

// DialSSH - open the muxtunnel subsystem of an ssh server
func DialSSH(ctx context.Context, cfg config.SSHConfig, logger *zap.Logger) (io.ReadWriteCloser, error) {
	verifyHostKey, err := hostKeyCallback(cfg.KnownHostKeyFile, logger)
	if err != nil {
		return nil, err
	}
	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		HostKeyCallback: verifyHostKey,
	}
	if cfg.Password != "" {
		clientConfig.Auth = []ssh.AuthMethod{ssh.Password(cfg.Password)}
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
	}
	sshConn, channels, requests, err := ssh.NewClientConn(conn, cfg.Address, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", cfg.Address, err)
	}
	client := ssh.NewClient(sshConn, channels, requests)
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, err
	}
	writer, err := session.StdinPipe()
	if err != nil {
		client.Close()
		return nil, err
	}
	reader, err := session.StdoutPipe()
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := session.RequestSubsystem(variable.SSHSubsystemName); err != nil {
		client.Close()
		return nil, fmt.Errorf("request subsystem %s: %w", variable.SSHSubsystemName, err)
	}
	logger.Info("ssh link established", zap.String("address", cfg.Address), zap.String("user", cfg.User))
	return &pipeLink{
		Reader:  reader,
		Writer:  writer,
		closers: []func() error{
			func() error {
				if err := session.Close(); err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				return nil
			},
			client.Close,
		},
	}, nil
}

func hostKeyCallback(path string, logger *zap.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		logger.Warn("ssh host key is not verified, set ssh.known_host_key_file")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	publicKey, _, _, _, err := ssh.ParseAuthorizedKey(content)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return ssh.FixedHostKey(publicKey), nil
}
