// Package diagnostics provides an optional fan-out of the session's
// event history to an external observer: a connect-then-ping client
// construction and a single Publish method, narrowed to the one
// operation this domain needs (publishing a session's recorded
// events) rather than a general key-value/set client surface.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one entry from the session's fixed-capacity event history.
type Event struct {
	WorkerID  string    `json:"worker_id"`
	Tag       string    `json:"tag"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives session events for external observability. A nil
// *RedisEventSink is a valid, complete no-op, so callers that don't
// configure diagnostics don't need a conditional at every call site.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// NoOpSink discards every event.
type NoOpSink struct{}

func (NoOpSink) Publish(context.Context, Event) {}

// RedisEventSink publishes session events to a Redis pub/sub channel.
type RedisEventSink struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisEventSink connects to addr and verifies connectivity with a
// ping before returning.
func NewRedisEventSink(addr, password string, db int, channel string, logger *slog.Logger) (*RedisEventSink, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("diagnostics: redis ping failed (%s): %w", addr, err)
	}

	logger.Info("diagnostics: redis event sink connected", "addr", addr, "channel", channel)
	return &RedisEventSink{rdb: rdb, channel: channel, logger: logger}, nil
}

// Publish serializes ev and publishes it to the configured channel,
// logging (but not returning) any failure: event-history fan-out is
// best-effort and must never block or fail the session's hot path.
func (s *RedisEventSink) Publish(ctx context.Context, ev Event) {
	if s == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("diagnostics: marshaling event", "err", err)
		return
	}
	if err := s.rdb.Publish(ctx, s.channel, b).Err(); err != nil {
		s.logger.Warn("diagnostics: publishing event", "err", err)
	}
}

// Close shuts down the underlying Redis client.
func (s *RedisEventSink) Close() error {
	if s == nil {
		return nil
	}
	return s.rdb.Close()
}
