// Package transport abstracts the message-framed bidirectional socket
// the container RPC session runs over. The original used a ZeroMQ
// DEALER socket, where every call to send/recv moves one message part;
// that's modeled here as one binary WebSocket message per frame, since
// a WS binary message, like a ZMQ message part, has an
// application-defined boundary the transport preserves end to end. A
// length-prefixed raw TCP transport is offered as a fallback for
// environments without a WebSocket-capable peer.
package transport

import "context"

// Transport is one end of an already-established framed connection.
// ReadFrame and WriteFrame operate on whole frames; a frame may be a
// zero-length delimiter, matching the empty first frame the wire
// package's message encodings produce.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, b []byte) error
	Close() error
}

// Dialer establishes a Transport to addr. Implementations should honor
// ctx for the connection attempt only; the returned Transport's
// subsequent reads and writes take their own per-call context.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Transport, error)
}
