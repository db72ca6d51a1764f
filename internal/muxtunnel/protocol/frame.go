package protocol

import (
	"bytes"
)

// A kind of stream multiplexing protocol implementation

// Frame - this is the data unit on the physical connection, use Little-Endian
type Frame struct {
	Header FrameHeader
	// Body - empty body means the sender closed the virtual connection
	Body []byte
}

// NewFrame - new a Frame for connection id carrying body
func NewFrame(id ConnectionID, body []byte) Frame {
	return Frame{
		Header: FrameHeader{
			ID:         id,
			BodyLength: uint32(len(body)),
		},
		Body: body,
	}
}

// NewCloseFrame - new a zero-length Frame, the close signal of a virtual connection
func NewCloseFrame(id ConnectionID) Frame {
	return NewFrame(id, nil)
}

// IsClose - whether the frame is the close signal
func (f Frame) IsClose() bool {
	return f.Header.BodyLength == 0
}

// Equal - Equal
func (f Frame) Equal(other Frame) bool {
	return f.Header == other.Header && bytes.Equal(f.Body, other.Body)
}

// Serialize - Serialize Frame to []byte
func (f Frame) Serialize() []byte {
	data := make([]byte, 0, HeaderLength+len(f.Body))
	data = f.Header.AppendTo(data)
	return append(data, f.Body...)
}

// SplitFrames - split data into frames of at most MaxFrameBodyLength bytes.
// At least one frame is returned, so empty data gives exactly one close frame.
// Frame bodies share memory with data.
func SplitFrames(id ConnectionID, data []byte) []Frame {
	if len(data) == 0 {
		return []Frame{NewCloseFrame(id)}
	}
	frames := make([]Frame, 0, (len(data)+MaxFrameBodyLength-1)/MaxFrameBodyLength)
	for len(data) > 0 {
		n := len(data)
		if n > MaxFrameBodyLength {
			n = MaxFrameBodyLength
		}
		frames = append(frames, NewFrame(id, data[:n:n]))
		data = data[n:]
	}
	return frames
}
