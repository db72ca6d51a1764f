package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const (
	// ConnectionIDLength - size of the connection id on the wire
	ConnectionIDLength = 8
	// HeaderLength - size of a frame header: connection id + body length
	HeaderLength = ConnectionIDLength + 4
	// MaxFrameBodyLength - the largest body a single frame may carry
	MaxFrameBodyLength = 16384
)

// ConnectionID - opaque 8 bytes id of a virtual connection
type ConnectionID [ConnectionIDLength]byte

// NewConnectionID - draw a random id from a v4 UUID
func NewConnectionID() ConnectionID {
	u := uuid.New()
	var id ConnectionID
	copy(id[:], u[:ConnectionIDLength])
	return id
}

// String - lower-case hex, used as the registry key
func (id ConnectionID) String() string {
	return hex.EncodeToString(id[:])
}

// FrameHeader - the fixed 12 bytes in front of every frame body
type FrameHeader struct {
	ID         ConnectionID
	BodyLength uint32
}

// AppendTo - append the wire form of the header to dst
func (h FrameHeader) AppendTo(dst []byte) []byte {
	dst = append(dst, h.ID[:]...)
	return binary.LittleEndian.AppendUint32(dst, h.BodyLength)
}

// Serialize - Serialize FrameHeader to []byte
func (h FrameHeader) Serialize() []byte {
	return h.AppendTo(make([]byte, 0, HeaderLength))
}

// DecodeHeader - decode a header from the front of buf.
//
// ok is false when fewer than HeaderLength bytes are available; the caller
// keeps the bytes and retries once more data arrived. A body length outside
// [0, MaxFrameBodyLength] returns ErrProtocolViolation. The length is read
// as a signed 32 bits integer, the way the remote peer writes it.
func DecodeHeader(buf []byte) (header FrameHeader, ok bool, err error) {
	if len(buf) < HeaderLength {
		return FrameHeader{}, false, nil
	}
	length := int32(binary.LittleEndian.Uint32(buf[ConnectionIDLength:HeaderLength]))
	if length < 0 || length > MaxFrameBodyLength {
		return FrameHeader{}, false, fmt.Errorf("%w: frame body length %d out of range [0, %d]",
			ErrProtocolViolation, length, MaxFrameBodyLength)
	}
	copy(header.ID[:], buf[:ConnectionIDLength])
	header.BodyLength = uint32(length)
	return header, true, nil
}
