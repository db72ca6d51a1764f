package muxtunnel

import (
	"io"
	"sync"
)

// bridge - copy between a TCP connection and a virtual connection in both
// directions. When either direction ends both sides are closed. Returns the
// bytes copied from conn to vc and from vc to conn.
func bridge(conn io.ReadWriteCloser, vc io.ReadWriteCloser) (sent int64, received int64) {
	var (
		once sync.Once
		wg   sync.WaitGroup
	)
	closeBoth := func() {
		conn.Close()
		vc.Close()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		sent, _ = io.Copy(vc, conn)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		received, _ = io.Copy(conn, vc)
		once.Do(closeBoth)
	}()
	wg.Wait()
	return sent, received
}
