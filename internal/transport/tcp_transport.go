package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

const maxFrameBytes = 64 << 20

// TCPDialer dials a Transport over a plain TCP connection, a fallback
// for peers without a WebSocket upgrade path. Framing is a fixed-width
// big-endian length header followed by exactly that many payload bytes.
type TCPDialer struct{}

func (TCPDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}
	return NewTCPTransport(conn), nil
}

// tcpTransport frames an arbitrary net.Conn with a 4-byte big-endian
// length prefix per message.
type tcpTransport struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

// NewTCPTransport wraps an already-connected net.Conn as a Transport.
func NewTCPTransport(conn net.Conn) Transport {
	return &tcpTransport{conn: conn, r: bufio.NewReader(conn)}
}

func (t *tcpTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
	}

	var length uint32
	if err := binary.Read(t.r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("transport: reading frame length: %w", err)
	}
	if length > maxFrameBytes {
		return nil, fmt.Errorf("transport: frame length %d exceeds limit %d", length, maxFrameBytes)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(t.r, buf); err != nil {
		return nil, fmt.Errorf("transport: reading frame body: %w", err)
	}
	return buf, nil
}

func (t *tcpTransport) WriteFrame(ctx context.Context, b []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	}

	if len(b) > maxFrameBytes {
		return fmt.Errorf("transport: frame length %d exceeds limit %d", len(b), maxFrameBytes)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(b)))
	if _, err := t.conn.Write(header[:]); err != nil {
		return fmt.Errorf("transport: writing frame length: %w", err)
	}
	if len(b) > 0 {
		if _, err := t.conn.Write(b); err != nil {
			return fmt.Errorf("transport: writing frame body: %w", err)
		}
	}
	return nil
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}
