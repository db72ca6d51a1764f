package simpleecho

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// Client - connect to echo server, send every line of in and write the
// echoed line to out
func Client(ctx context.Context, addr string, in io.Reader, out io.Writer) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	scanner := bufio.NewScanner(in)
	buffer := make([]byte, 4096)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// write to connection
		if _, err := conn.Write(line); err != nil {
			return err
		}
		// read from connection
		for remaining := len(line); remaining > 0; {
			n, err := conn.Read(buffer)
			if n > 0 {
				remaining -= n
				if _, err := out.Write(buffer[:n]); err != nil {
					return err
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return errors.New("server close")
				}
				return err
			}
		}
		// append a `\n`
		if _, err := io.WriteString(out, "\n"); err != nil {
			return err
		}
	}
	return scanner.Err()
}
