package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WSDialer dials a Transport over ws:// or wss://. One binary WebSocket
// message carries exactly one protocol frame.
type WSDialer struct {
	Logger *slog.Logger
}

func (d *WSDialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Dial connects to addr and returns a framed Transport.
func (d *WSDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}
	return &wsTransport{conn: conn, logger: d.logger()}, nil
}

type wsTransport struct {
	conn   *websocket.Conn
	wmu    sync.Mutex
	logger *slog.Logger
}

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
	}
	_, b, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	return b, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, b []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// WSListener accepts inbound container connections the way a scheduler
// process would, tracking live connections in a mutex-guarded set
// (added on upgrade, removed by Forget).
type WSListener struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsTransport]bool

	accept chan Transport
	logger *slog.Logger
}

// NewWSListener constructs a listener ready to be handed to http.Serve
// via its HandleUpgrade method.
func NewWSListener(logger *slog.Logger) *WSListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WSListener{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsTransport]bool),
		accept:  make(chan Transport, 16),
		logger:  logger,
	}
}

// HandleUpgrade upgrades an inbound HTTP request to a framed Transport
// and publishes it on Accept.
func (l *WSListener) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("transport: upgrade failed", "err", err)
		return
	}
	t := &wsTransport{conn: conn, logger: l.logger}

	l.mu.Lock()
	l.clients[t] = true
	l.mu.Unlock()
	l.logger.Info("transport: container connected", "total", len(l.clients))

	l.accept <- t
}

// Accept returns the channel new inbound Transports arrive on.
func (l *WSListener) Accept() <-chan Transport {
	return l.accept
}

// Forget removes a closed connection from the live-client set.
func (l *WSListener) Forget(t Transport) {
	wt, ok := t.(*wsTransport)
	if !ok {
		return
	}
	l.mu.Lock()
	delete(l.clients, wt)
	total := len(l.clients)
	l.mu.Unlock()
	l.logger.Info("transport: container disconnected", "total", total)
}
