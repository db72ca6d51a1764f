package protocol

// cursor - unconsumed bytes of the incoming stream.
// peek never consumes, advance only runs once a full unit is available.
type cursor struct {
	data []byte
	off  int
}

func (c *cursor) buffered() []byte {
	return c.data[c.off:]
}

func (c *cursor) feed(p []byte) {
	if c.off > 0 && c.off >= len(c.data)/2 {
		n := copy(c.data, c.data[c.off:])
		c.data = c.data[:n]
		c.off = 0
	}
	c.data = append(c.data, p...)
}

func (c *cursor) peek(n int) ([]byte, bool) {
	b := c.buffered()
	if len(b) < n {
		return nil, false
	}
	return b[:n], true
}

func (c *cursor) advance(n int) {
	c.off += n
	if c.off == len(c.data) {
		c.data = c.data[:0]
		c.off = 0
	}
}

type readerState int32

const (
	stateAwaitingHeader = readerState(iota)
	stateAwaitingBody
)

// frameReader - reassemble frames from arbitrary chunks of the physical stream
type frameReader struct {
	cursor cursor
	state  readerState
	header FrameHeader
}

// next - return the next complete frame, ok is false when more bytes are needed.
// An error is a protocol violation, the reader must not be used afterwards.
func (r *frameReader) next() (Frame, bool, error) {
	if r.state == stateAwaitingHeader {
		header, ready, err := DecodeHeader(r.cursor.buffered())
		if err != nil || !ready {
			return Frame{}, false, err
		}
		r.cursor.advance(HeaderLength)
		r.header = header
		r.state = stateAwaitingBody
	}
	n := int(r.header.BodyLength)
	b, ok := r.cursor.peek(n)
	if !ok {
		return Frame{}, false, nil
	}
	frame := Frame{Header: r.header}
	if n > 0 {
		frame.Body = make([]byte, n)
		copy(frame.Body, b)
	}
	r.cursor.advance(n)
	r.state = stateAwaitingHeader
	r.header = FrameHeader{}
	return frame, true, nil
}

// handleBytes - feed a chunk read from the physical connection and drain
// every frame that is complete now
func handleBytes(r *frameReader, buffer []byte) ([]Frame, error) {
	r.cursor.feed(buffer)
	result := []Frame{}
	for {
		frame, ok, err := r.next()
		if err != nil {
			return result, err
		}
		if !ok {
			return result, nil
		}
		result = append(result, frame)
	}
}
