// Package circuitbreaker implements the circuit breaker pattern used to
// gate reconnect attempts for a container RPC session so a server that is
// persistently unreachable doesn't get hammered with a dial per poll tick.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // Normal operation, reconnects allowed.
	StateOpen                  // Failure threshold exceeded, reconnects blocked.
	StateHalfOpen              // Probing whether the server has recovered.
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Allow when the breaker is open.
var ErrOpen = errors.New("circuitbreaker: open")

// Config holds circuit breaker configuration.
type Config struct {
	// MaxHalfOpenProbes is how many successes in HalfOpen close the breaker.
	MaxHalfOpenProbes uint32

	// Interval is the cyclic period in Closed state for clearing counts.
	Interval time.Duration

	// Timeout is how long the breaker stays Open before moving to HalfOpen.
	Timeout time.Duration

	// ReadyToTrip is called with a copy of Counts after a failure in Closed
	// state; returning true trips the breaker to Open.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange, if set, is invoked whenever the state transitions.
	OnStateChange func(from, to State)
}

// DefaultConfig returns a reasonable default for gating session reconnects:
// trip after 5 consecutive dial failures, stay open 30s, then probe once.
func DefaultConfig() *Config {
	return &Config{
		MaxHalfOpenProbes: 1,
		Interval:          60 * time.Second,
		Timeout:           30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	}
}

// Counts holds request/response counters for the current generation.
type Counts struct {
	Requests             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker gates a retryable operation (here, dialing the serving process)
// behind closed/open/half-open state.
type Breaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New creates a Breaker. A nil cfg uses DefaultConfig.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// State returns the current state, applying any pending timeout transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Allow reports whether a reconnect attempt may proceed now. Call
// RecordSuccess or RecordFailure with the result once the attempt
// completes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _ := b.currentState(time.Now())
	if state == StateOpen {
		return ErrOpen
	}
	return nil
}

// RecordSuccess reports a successful dial/handshake.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, _ := b.currentState(now)
	b.counts.onSuccess()
	if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxHalfOpenProbes {
		b.setState(StateClosed, now)
	}
}

// RecordFailure reports a failed dial/handshake.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, _ := b.currentState(now)
	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.toNewGeneration(now)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(prev, state)
	}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	var expiry time.Time
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			expiry = now.Add(b.cfg.Interval)
		}
	case StateOpen:
		expiry = now.Add(b.cfg.Timeout)
	}
	b.expiry = expiry
}
