package protocol

import "errors"

var (
	// ErrProtocolViolation - the peer sent a frame that breaks the wire format,
	// the physical connection can not be used anymore
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrConnectionClosed - the virtual connection has been closed locally
	ErrConnectionClosed = errors.New("virtual connection closed")

	// ErrSessionClosed - the physical connection has been closed
	ErrSessionClosed = errors.New("session closed")
)
