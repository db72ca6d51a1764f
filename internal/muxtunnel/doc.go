// Package muxtunnel - forward many TCP connections through one physical
// connection (a TCP socket, the stdio of a command or an ssh subsystem).
//
// The Client listens locally and opens a virtual connection per accepted
// socket. The Server accepts virtual connections and dials its target for
// each of them. Framing and the connection registry live in package protocol.
package muxtunnel
