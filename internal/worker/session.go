// Package worker implements the container side of the RPC session: a
// long-lived connection to a scheduler that exchanges heartbeats,
// announces container metadata, and serves predict requests. Reconnect
// attempts are gated through a circuit breaker so a persistently
// unreachable scheduler doesn't get hammered with a dial per poll tick.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ocx/modelserve/internal/circuitbreaker"
	"github.com/ocx/modelserve/internal/diagnostics"
	"github.com/ocx/modelserve/internal/metrics"
	"github.com/ocx/modelserve/internal/model"
	"github.com/ocx/modelserve/internal/transport"
	"github.com/ocx/modelserve/internal/wire"
)

// State is the session's connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateUnconfirmed
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateUnconfirmed:
		return "unconfirmed"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

const (
	defaultPollTick        = 5 * time.Second
	defaultActivityTimeout = 30 * time.Second
)

// Model is the prediction collaborator a session serves requests for.
// Predict returns one raw output byte string per input, matching the
// wire response's num_outputs/out_len/out_bytes layout; a model that
// fails a prediction should report it through err, which the session
// converts to a zero-output response rather than inventing an error
// wire frame: a model failure is never surfaced to the scheduler as
// anything other than an empty result.
type Model interface {
	ID() model.ModelId
	InputType() model.InputType
	Predict(ctx context.Context, inputs []model.Input) ([][]byte, error)
}

// InputParser decodes a predict request's header and content frames
// into the Model's input batch. DataBuffer returns a buffer of at
// least n bytes for the session to copy the content frame into,
// growing and reusing the parser's own storage across calls rather
// than allocating fresh; Inputs then decodes the batch out of whatever
// DataBuffer most recently returned, given the declared input header
// and the content length actually written.
type InputParser interface {
	DataBuffer(n int) []byte
	Inputs(header []int64, contentLen int) ([]model.Input, error)
}

// Session manages one container's connection to a scheduler.
type Session struct {
	id string

	dialer transport.Dialer
	addr   string

	pollTick        time.Duration
	activityTimeout time.Duration

	breaker *circuitbreaker.Breaker
	events  *eventHistory
	sink    diagnostics.EventSink
	metrics metrics.Sink
	logger  *slog.Logger

	state atomic.Int32

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// headerBuf and bodyBuf are grown to at least 2x the size required
	// whenever undersized, and never shrunk; a hot predict loop
	// shouldn't allocate per request.
	headerBuf []byte
	bodyBuf   []byte
}

// Option configures a Session at construction.
type Option func(*Session)

func WithPollTick(d time.Duration) Option        { return func(s *Session) { s.pollTick = d } }
func WithActivityTimeout(d time.Duration) Option { return func(s *Session) { s.activityTimeout = d } }
func WithEventSink(sink diagnostics.EventSink) Option {
	return func(s *Session) { s.sink = sink }
}
func WithMetricsSink(sink metrics.Sink) Option { return func(s *Session) { s.metrics = sink } }
func WithLogger(l *slog.Logger) Option         { return func(s *Session) { s.logger = l } }
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *Session) { s.breaker = b }
}
func WithEventHistoryCapacity(n int) Option {
	return func(s *Session) { s.events = newEventHistory(n) }
}

// New constructs a Session bound to a dialer, not yet connected.
func New(id string, dialer transport.Dialer, opts ...Option) *Session {
	s := &Session{
		id:              id,
		dialer:          dialer,
		pollTick:        defaultPollTick,
		activityTimeout: defaultActivityTimeout,
		events:          newEventHistory(defaultEventHistoryCapacity),
		sink:            diagnostics.NoOpSink{},
		metrics:         metrics.NoOp{},
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Events returns a snapshot of the recent event history, newest last.
func (s *Session) Events() []string {
	return s.events.snapshot()
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// recordEvent appends one of the six wire-protocol event tags to the
// history ring and, if configured, fans it out to the diagnostics sink.
func (s *Session) recordEvent(tag string) {
	s.events.record(tag)
	s.sink.Publish(context.Background(), diagnostics.Event{
		WorkerID:  s.id,
		Tag:       tag,
		Timestamp: time.Now(),
	})
}

// Start begins the connect/serve loop against addr, running until ctx
// is canceled or Stop is called. It returns ErrAlreadyStarted if called
// more than once on the same Session.
func (s *Session) Start(ctx context.Context, m Model, parser InputParser, addr string) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.addr = addr
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx, m, parser)
	return nil
}

// Stop requests the session's loop exit and waits for it to do so. A
// Stop with no matching Start is a no-op; repeated Stops are safe.
func (s *Session) Stop() {
	if !s.started.Load() {
		return
	}
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stopCh)
	}
	<-s.doneCh
}

func (s *Session) run(ctx context.Context, m Model, parser InputParser) {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			s.setState(StateDisconnected)
			return
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return
		default:
		}

		if err := s.breaker.Allow(); err != nil {
			s.logger.Warn("worker: reconnect blocked by circuit breaker", "state", s.breaker.State())
			if !s.sleepOrStop(ctx, s.pollTick) {
				return
			}
			continue
		}

		err := s.connectAndServe(ctx, m, parser)
		if err == nil {
			s.setState(StateDisconnected)
			return
		}

		s.breaker.RecordFailure()
		s.metrics.SessionReconnect()
		s.logger.Warn("worker: session ended, will retry", "err", err)
		s.setState(StateDisconnected)

		if !s.sleepOrStop(ctx, s.pollTick) {
			return
		}
	}
}

func (s *Session) sleepOrStop(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// connectAndServe dials, emits the initial keep-alive heartbeat, and
// serves the connection until it fails or the session is stopped.
// Metadata is never sent unprompted: the scheduler
// requests it explicitly with a Heartbeat(RequestContainerMetadata),
// handled in handleMessage.
func (s *Session) connectAndServe(ctx context.Context, m Model, parser InputParser) error {
	s.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.pollTick)
	t, err := s.dialer.Dial(dialCtx, s.addr)
	cancel()
	if err != nil {
		return &ErrTransportFailure{Err: err}
	}
	defer t.Close()

	// The breaker gates dial attempts, not serve-loop health: a successful
	// connect clears it here even if the session later fails for an
	// unrelated reason (activity timeout, a mid-stream transport error).
	s.breaker.RecordSuccess()

	if err := s.sendHeartbeat(ctx, t); err != nil {
		return err
	}

	s.setState(StateUnconfirmed)
	return s.serve(ctx, t, m, parser)
}

func (s *Session) sendMetadata(ctx context.Context, t transport.Transport, m Model) error {
	frames := wire.EncodeContainerMetadata(m.ID().Name, m.ID().Version, int32(m.InputType()))
	for _, f := range frames {
		if err := t.WriteFrame(ctx, f); err != nil {
			return &ErrTransportFailure{Err: err}
		}
	}
	s.recordEvent(tagSentContainerMetadata)
	return nil
}

// serve runs the session's read loop: every inbound message is either
// a heartbeat (a metadata request is answered immediately, a keep-alive
// needs no answer) or a predict request (dispatched to the model), with the activity timeout enforced against the time
// of the last frame seen from the peer. The timeout only applies once
// the session has left Unconfirmed, since an inbound frame is what
// promotes it to Active in the first place.
func (s *Session) serve(ctx context.Context, t transport.Transport, m Model, parser InputParser) error {
	var lastActivity atomic.Int64

	readDone := make(chan error, 1)
	frames := make(chan [][]byte, 8)

	go func() {
		defer close(frames)
		for {
			msg, err := s.readMessage(ctx, t)
			if err != nil {
				readDone <- err
				return
			}
			frames <- msg
		}
	}()

	watchdog := time.NewTicker(s.pollTick)
	defer watchdog.Stop()

	heartbeat := time.NewTicker(s.pollTick)
	defer heartbeat.Stop()

	for {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case err := <-readDone:
			return &ErrTransportFailure{Err: err}
		case msg, ok := <-frames:
			if !ok {
				continue
			}
			if s.State() == StateUnconfirmed {
				s.setState(StateActive)
			}
			lastActivity.Store(time.Now().UnixNano())
			if err := s.handleMessage(ctx, t, m, parser, msg); err != nil {
				s.logger.Warn("worker: handling message", "err", err)
			}
		case <-heartbeat.C:
			if s.State() != StateActive {
				continue
			}
			if err := s.sendHeartbeat(ctx, t); err != nil {
				return err
			}
		case <-watchdog.C:
			if s.State() != StateActive {
				continue
			}
			idleFor := time.Since(time.Unix(0, lastActivity.Load()))
			if idleFor >= s.activityTimeout {
				return fmt.Errorf("%w: idle for %s", ErrActivityTimeout, idleFor)
			}
		}
	}
}

func (s *Session) sendHeartbeat(ctx context.Context, t transport.Transport) error {
	for _, f := range wire.EncodeHeartbeat(wire.HeartbeatKeepAlive) {
		if err := t.WriteFrame(ctx, f); err != nil {
			return &ErrTransportFailure{Err: err}
		}
	}
	s.metrics.SessionHeartbeatSent()
	s.recordEvent(tagSentHeartbeat)
	return nil
}

// readMessage reads one logical message: the delimiter frame, the
// message type, and whatever sub-frames belong to that type. For a
// ContainerContent/PredictRequest that means request-id, content-type,
// input_header_size_bytes, input_header, content_size_bytes, content,
// all drained together so a declared type that later turns out to
// mismatch the model still leaves the socket in sync for the next
// message.
func (s *Session) readMessage(ctx context.Context, t transport.Transport) ([][]byte, error) {
	delim, err := t.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	typeFrame, err := t.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	mt, err := wire.DecodeI32(typeFrame)
	if err != nil {
		return nil, err
	}

	frames := [][]byte{delim, typeFrame}
	switch wire.MsgType(mt) {
	case wire.MsgHeartbeat:
		sub, err := t.ReadFrame(ctx)
		if err != nil {
			return nil, err
		}
		frames = append(frames, sub)

	case wire.MsgContainerContent:
		reqIDFrame, err := t.ReadFrame(ctx)
		if err != nil {
			return nil, err
		}
		subFrame, err := t.ReadFrame(ctx)
		if err != nil {
			return nil, err
		}
		frames = append(frames, reqIDFrame, subFrame)

		sub, err := wire.DecodeI32(subFrame)
		if err != nil {
			return nil, err
		}
		if wire.ContentType(sub) != wire.ContentPredictRequest {
			// FeedbackRequest: reserved, no further frames defined.
			return frames, nil
		}

		for i := 0; i < 4; i++ {
			f, err := t.ReadFrame(ctx)
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		}

	case wire.MsgNewContainer:
		// Illegal at the worker; the name, version and input-type frames
		// of EncodeContainerMetadata's shape are drained unparsed, since
		// the message is simply ignored.
		for i := 0; i < 3; i++ {
			f, err := t.ReadFrame(ctx)
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		}

	default:
	}
	return frames, nil
}

func (s *Session) handleMessage(ctx context.Context, t transport.Transport, m Model, parser InputParser, frames [][]byte) error {
	mt, err := wire.DecodeI32(frames[1])
	if err != nil {
		return err
	}

	switch wire.MsgType(mt) {
	case wire.MsgHeartbeat:
		sub, err := wire.DecodeI32(frames[2])
		if err != nil {
			return err
		}
		s.recordEvent(tagReceivedHeartbeat)
		if wire.HeartbeatType(sub) == wire.HeartbeatRequestContainerMetadata {
			return s.sendMetadata(ctx, t, m)
		}
		return nil

	case wire.MsgContainerContent:
		s.recordEvent(tagReceivedContainerContent)
		ct, err := wire.DecodeI32(frames[3])
		if err != nil {
			return err
		}
		if wire.ContentType(ct) != wire.ContentPredictRequest {
			// FeedbackRequest: reserved, ignored.
			return nil
		}
		return s.handlePredict(ctx, t, m, parser, frames[2], frames[4], frames[5], frames[6], frames[7])

	case wire.MsgNewContainer:
		s.recordEvent(tagReceivedContainerMetadata)
		s.logger.Warn("worker: ignoring illegal inbound NewContainer message")
		return nil

	default:
		return nil
	}
}

func (s *Session) handlePredict(
	ctx context.Context,
	t transport.Transport,
	m Model,
	parser InputParser,
	reqIDFrame, headerSizeFrame, headerFrame, contentSizeFrame, contentFrame []byte,
) error {
	reqID, err := wire.DecodeI32(reqIDFrame)
	if err != nil {
		return err
	}

	headerSize, err := wire.DecodeI64(headerSizeFrame)
	if err != nil {
		return &ErrTransportFailure{Err: err}
	}
	if int(headerSize) != len(headerFrame) {
		return &ErrTransportFailure{Err: fmt.Errorf("worker: input_header_size_bytes %d does not match header frame length %d", headerSize, len(headerFrame))}
	}
	contentSize, err := wire.DecodeI64(contentSizeFrame)
	if err != nil {
		return &ErrTransportFailure{Err: err}
	}
	if int(contentSize) != len(contentFrame) {
		return &ErrTransportFailure{Err: fmt.Errorf("worker: content_size_bytes %d does not match content frame length %d", contentSize, len(contentFrame))}
	}

	s.headerBuf = growBuf(s.headerBuf, len(headerFrame))
	copy(s.headerBuf, headerFrame)
	header, err := wire.DecodeI64Seq(s.headerBuf)
	if err != nil {
		return &ErrTransportFailure{Err: err}
	}
	if len(header) == 0 {
		return &ErrTransportFailure{Err: fmt.Errorf("worker: empty input header")}
	}

	declared := model.InputType(header[0])
	if declared != m.InputType() {
		s.metrics.SessionPredictTypeMismatch()
		s.logger.Warn("worker: predict request input type mismatch", "request_id", reqID, "declared", declared, "want", m.InputType())
		return fmt.Errorf("%w: got %s, want %s", ErrInputTypeMismatch, declared, m.InputType())
	}

	dataBuf := parser.DataBuffer(len(contentFrame))
	copy(dataBuf, contentFrame)
	inputs, err := parser.Inputs(header, len(contentFrame))
	if err != nil {
		return fmt.Errorf("worker: parsing predict inputs: %w", err)
	}

	outputs, err := m.Predict(ctx, inputs)
	if err != nil {
		s.logger.Warn("worker: model predict failed, returning empty response", "request_id", reqID, "err", err)
		outputs = nil
	}

	s.metrics.SessionPredictHandled()
	bodyLen := 4 + 4*len(outputs)
	for _, out := range outputs {
		bodyLen += len(out)
	}
	s.bodyBuf = wire.AppendPredictResponseBody(growBuf(s.bodyBuf, bodyLen), outputs)
	frames := [][]byte{
		nil,
		wire.EncodeI32(int32(wire.MsgContainerContent)),
		wire.EncodeI32(reqID),
		s.bodyBuf,
	}
	for _, f := range frames {
		if err := t.WriteFrame(ctx, f); err != nil {
			return &ErrTransportFailure{Err: err}
		}
	}
	s.recordEvent(tagSentContainerContent)
	return nil
}

// growBuf returns buf resized to exactly need bytes, reusing the
// backing array when it already has enough capacity and otherwise
// allocating at least 2x need so repeated growth amortizes.
func growBuf(buf []byte, need int) []byte {
	if cap(buf) >= need {
		return buf[:need]
	}
	newCap := cap(buf) * 2
	if newCap < need*2 {
		newCap = need * 2
	}
	return make([]byte, need, newCap)
}
