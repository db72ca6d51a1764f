package muxtunnel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/rectcircle/muxtunnel/tools"
)

// startCommandWithPtyAndInit - run cmd under a pty, let the user drive it
// (login, ssh, start the server...) until trigger shows up on its output,
// then switch the pty to raw mode and return it as the physical connection
func startCommandWithPtyAndInit(cmd *exec.Cmd, trigger string, logger *zap.Logger) (io.ReadWriteCloser, error) {
	ptyFile, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s with pty: %w", cmd.Path, err)
	}
	kill := killer(cmd)
	fail := func(err error) (io.ReadWriteCloser, error) {
		ptyFile.Close()
		kill()
		return nil, err
	}

	// Handle pty size.
	termWinChangeChannel := make(chan os.Signal, 1)
	signal.Notify(termWinChangeChannel, syscall.SIGWINCH)
	go func() {
		for range termWinChangeChannel {
			if err := pty.InheritSize(os.Stdin, ptyFile); err != nil {
				logger.Debug("resize pty", zap.Error(err))
			}
		}
	}()
	termWinChangeChannel <- syscall.SIGWINCH // Initial resize.
	defer func() {
		signal.Stop(termWinChangeChannel)
		close(termWinChangeChannel)
	}()

	// Set stdin in raw mode.
	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fail(fmt.Errorf("set stdin raw mode: %w", err))
		}
		defer term.Restore(stdinFd, oldState)
	}

	// Handle stdin
	initDone := make(chan struct{})
	defer close(initDone)
	go func() {
		for {
			select {
			case buffer, ok := <-tools.StdinToChannel():
				if !ok {
					return
				}
				select {
				case <-initDone:
					return
				default:
					ptyFile.Write(buffer)
				}
			case <-initDone:
				return
			}
		}
	}()

	// Handle stdout, check trigger
	rest, err := waitTrigger(ptyFile, os.Stdout, trigger)
	if err != nil {
		return fail(err)
	}
	if _, err := term.MakeRaw(int(ptyFile.Fd())); err != nil {
		return fail(fmt.Errorf("set pty raw mode: %w", err))
	}
	logger.Info("remote server ready", zap.String("command", cmd.Path))
	return &pipeLink{
		Reader:  io.MultiReader(bytes.NewReader(rest), ptyFile),
		Writer:  ptyFile,
		closers: []func() error{ptyFile.Close, kill},
	}, nil
}

// triggerMatcher - find a trigger in a stream split into arbitrary chunks.
// Bytes that may start the trigger are held back until the next chunk.
type triggerMatcher struct {
	trigger []byte
	held    []byte
}

// feed - returns the bytes that are safe to echo. Once the trigger is seen,
// found is true and rest holds whatever followed it.
func (m *triggerMatcher) feed(b []byte) (out []byte, rest []byte, found bool) {
	data := append(m.held, b...)
	m.held = nil
	if i := bytes.Index(data, m.trigger); i >= 0 {
		return data[:i], data[i+len(m.trigger):], true
	}
	k := min(len(data), len(m.trigger)-1)
	for ; k > 0; k-- {
		if bytes.HasPrefix(m.trigger, data[len(data)-k:]) {
			break
		}
	}
	m.held = append([]byte(nil), data[len(data)-k:]...)
	return data[:len(data)-k], nil, false
}

// waitTrigger - copy r to echo until trigger was read. The bytes that
// followed the trigger in the same read are returned.
func waitTrigger(r io.Reader, echo io.Writer, trigger string) ([]byte, error) {
	matcher := triggerMatcher{trigger: []byte(trigger)}
	buffer := make([]byte, 4096)
	for {
		n, err := r.Read(buffer)
		if n > 0 {
			out, rest, found := matcher.feed(buffer[:n])
			echo.Write(out)
			if found {
				return append([]byte(nil), rest...), nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("EOF: command not allow exit on init stage")
			}
			return nil, err
		}
	}
}
