package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/modelserve/internal/circuitbreaker"
	"github.com/ocx/modelserve/internal/metrics"
	"github.com/ocx/modelserve/internal/model"
	"github.com/ocx/modelserve/internal/transport"
	"github.com/ocx/modelserve/internal/wire"
)

// pipeTransport is an in-process transport.Transport backed by
// channels, standing in for a real socket in tests.
type pipeTransport struct {
	out chan []byte
	in  chan []byte
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &pipeTransport{out: ab, in: ba}
	b := &pipeTransport{out: ba, in: ab}
	return a, b
}

func (p *pipeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) WriteFrame(ctx context.Context, b []byte) error {
	select {
	case p.out <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Close() error { return nil }

type testDialer struct {
	t *pipeTransport
}

func (d testDialer) Dial(ctx context.Context, addr string) (transport.Transport, error) {
	return d.t, nil
}

type echoModel struct {
	id        model.ModelId
	inputType model.InputType
}

func (m echoModel) ID() model.ModelId          { return m.id }
func (m echoModel) InputType() model.InputType { return m.inputType }
func (m echoModel) Predict(ctx context.Context, inputs []model.Input) ([][]byte, error) {
	return [][]byte{[]byte("echo")}, nil
}

// echoParser is a trivial InputParser that returns one opaque input
// carrying whatever content bytes it was handed.
type echoParser struct {
	buf []byte
}

func (p *echoParser) DataBuffer(n int) []byte {
	if cap(p.buf) < n {
		p.buf = make([]byte, n)
	}
	p.buf = p.buf[:n]
	return p.buf
}

func (p *echoParser) Inputs(header []int64, contentLen int) ([]model.Input, error) {
	return []model.Input{bytesInput(p.buf[:contentLen])}, nil
}

type bytesInput []byte

func (b bytesInput) Hash() uint64 { return uint64(len(b)) }

func writeFrames(t *testing.T, ctx context.Context, tr *pipeTransport, frames [][]byte) {
	t.Helper()
	for _, f := range frames {
		require.NoError(t, tr.WriteFrame(ctx, f))
	}
}

// readWorkerMessage reads one whole outbound message from the worker:
// the delimiter frame, the type frame, and the type-specific remainder.
func readWorkerMessage(t *testing.T, ctx context.Context, tr *pipeTransport) [][]byte {
	t.Helper()
	delim, err := tr.ReadFrame(ctx)
	require.NoError(t, err)
	typeFrame, err := tr.ReadFrame(ctx)
	require.NoError(t, err)
	mt, err := wire.DecodeI32(typeFrame)
	require.NoError(t, err)

	frames := [][]byte{delim, typeFrame}
	var rest int
	switch wire.MsgType(mt) {
	case wire.MsgHeartbeat:
		rest = 1
	case wire.MsgNewContainer:
		rest = 3
	case wire.MsgContainerContent:
		rest = 2
	default:
		t.Fatalf("unexpected message type %d", mt)
	}
	for i := 0; i < rest; i++ {
		f, err := tr.ReadFrame(ctx)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

// nextNonHeartbeat discards the keep-alive heartbeats the session emits
// on its own schedule and returns the next substantive message.
func nextNonHeartbeat(t *testing.T, ctx context.Context, tr *pipeTransport) [][]byte {
	t.Helper()
	for {
		frames := readWorkerMessage(t, ctx, tr)
		mt, err := wire.DecodeI32(frames[1])
		require.NoError(t, err)
		if wire.MsgType(mt) != wire.MsgHeartbeat {
			return frames
		}
	}
}

func TestSessionSendsInitialHeartbeatOnConnect(t *testing.T) {
	serverSide, peerSide := newPipePair()
	s := New("worker-1", testDialer{t: serverSide}, WithPollTick(50*time.Millisecond), WithActivityTimeout(time.Second))
	m := echoModel{id: model.ModelId{Name: "resnet", Version: "1"}, inputType: model.InputTypeBytes}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx, m, &echoParser{}, "ignored"))
	defer s.Stop()

	frames := readWorkerMessage(t, ctx, peerSide)
	mt, err := wire.DecodeI32(frames[1])
	require.NoError(t, err)
	assert.Equal(t, wire.MsgHeartbeat, wire.MsgType(mt))
	sub, err := wire.DecodeI32(frames[2])
	require.NoError(t, err)
	assert.Equal(t, wire.HeartbeatKeepAlive, wire.HeartbeatType(sub))
}

func TestSessionAnnouncesMetadataOnRequest(t *testing.T) {
	serverSide, peerSide := newPipePair()
	s := New("worker-1", testDialer{t: serverSide}, WithPollTick(50*time.Millisecond), WithActivityTimeout(time.Second))
	m := echoModel{id: model.ModelId{Name: "resnet", Version: "1"}, inputType: model.InputTypeBytes}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx, m, &echoParser{}, "ignored"))
	defer s.Stop()

	writeFrames(t, ctx, peerSide, wire.EncodeHeartbeat(wire.HeartbeatRequestContainerMetadata))

	frames := nextNonHeartbeat(t, ctx, peerSide)
	mt, err := wire.DecodeI32(frames[1])
	require.NoError(t, err)
	assert.Equal(t, wire.MsgNewContainer, wire.MsgType(mt))
	assert.Equal(t, "resnet", string(frames[2]))
	assert.Equal(t, "1", string(frames[3]))
	assert.Equal(t, "0", string(frames[4])) // bytes input type tag, rendered as a string
}

func TestSessionServesPredictRequest(t *testing.T) {
	serverSide, peerSide := newPipePair()

	s := New("worker-1", testDialer{t: serverSide}, WithPollTick(50*time.Millisecond), WithActivityTimeout(time.Second))
	m := echoModel{id: model.ModelId{Name: "resnet", Version: "1"}, inputType: model.InputTypeBytes}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx, m, &echoParser{}, "ignored"))
	defer s.Stop()

	header := []int64{int64(model.InputTypeBytes), 0, 2}
	writeFrames(t, ctx, peerSide, wire.EncodePredictRequest(7, header, []byte("hi")))

	frames := nextNonHeartbeat(t, ctx, peerSide)
	mt, err := wire.DecodeI32(frames[1])
	require.NoError(t, err)
	assert.Equal(t, wire.MsgContainerContent, wire.MsgType(mt))

	reqID, err := wire.DecodeI32(frames[2])
	require.NoError(t, err)
	assert.EqualValues(t, 7, reqID)

	outputs, err := wire.DecodePredictResponseBody(frames[3])
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "echo", string(outputs[0]))
}

func TestSessionRecordsProtocolEventTags(t *testing.T) {
	serverSide, peerSide := newPipePair()
	s := New("worker-1", testDialer{t: serverSide}, WithPollTick(50*time.Millisecond), WithActivityTimeout(time.Second))
	m := echoModel{id: model.ModelId{Name: "resnet", Version: "1"}, inputType: model.InputTypeBytes}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx, m, &echoParser{}, "ignored"))
	defer s.Stop()

	header := []int64{int64(model.InputTypeBytes), 0, 2}
	writeFrames(t, ctx, peerSide, wire.EncodePredictRequest(7, header, []byte("hi")))
	nextNonHeartbeat(t, ctx, peerSide)

	assert.Eventually(t, func() bool {
		tags := s.Events()
		return containsAll(tags, tagSentHeartbeat, tagReceivedContainerContent, tagSentContainerContent)
	}, time.Second, 5*time.Millisecond)
}

func containsAll(haystack []string, wants ...string) bool {
	for _, w := range wants {
		found := false
		for _, h := range haystack {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestSessionRejectsInputTypeMismatch(t *testing.T) {
	serverSide, peerSide := newPipePair()
	sink := &countingSink{}

	s := New("worker-1", testDialer{t: serverSide},
		WithPollTick(50*time.Millisecond),
		WithActivityTimeout(time.Second),
		WithMetricsSink(sink))
	m := echoModel{id: model.ModelId{Name: "resnet", Version: "1"}, inputType: model.InputTypeBytes}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx, m, &echoParser{}, "ignored"))
	defer s.Stop()

	header := []int64{int64(model.InputTypeStrings), 0, 2}
	writeFrames(t, ctx, peerSide, wire.EncodePredictRequest(1, header, []byte("hi")))

	assert.Eventually(t, func() bool {
		return sink.typeMismatches.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	// The session must stay Active and accept a subsequent, correctly
	// typed request rather than crashing or desyncing the socket.
	header2 := []int64{int64(model.InputTypeBytes), 0, 2}
	writeFrames(t, ctx, peerSide, wire.EncodePredictRequest(2, header2, []byte("hi")))
	frames := nextNonHeartbeat(t, ctx, peerSide)
	reqID, err := wire.DecodeI32(frames[2])
	require.NoError(t, err)
	assert.EqualValues(t, 2, reqID)
}

func TestSessionStartTwiceReturnsAlreadyStarted(t *testing.T) {
	serverSide, _ := newPipePair()
	s := New("worker-1", testDialer{t: serverSide})
	m := echoModel{id: model.ModelId{Name: "a", Version: "1"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx, m, &echoParser{}, "addr"))
	defer s.Stop()

	err := s.Start(ctx, m, &echoParser{}, "addr")
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	serverSide, _ := newPipePair()
	s := New("worker-1", testDialer{t: serverSide})
	s.Stop()
}

func TestStopTwiceAfterStartIsSafe(t *testing.T) {
	serverSide, _ := newPipePair()
	s := New("worker-1", testDialer{t: serverSide})
	m := echoModel{id: model.ModelId{Name: "a", Version: "1"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx, m, &echoParser{}, "addr"))
	s.Stop()
	s.Stop()
	assert.Equal(t, StateDisconnected, s.State())
}

type countingSink struct {
	metrics.NoOp
	reconnects     atomic.Int64
	typeMismatches atomic.Int64
}

func (s *countingSink) SessionReconnect()           { s.reconnects.Add(1) }
func (s *countingSink) SessionPredictTypeMismatch() { s.typeMismatches.Add(1) }

func TestSessionActivityTimeoutTriggersReconnect(t *testing.T) {
	serverSide, peerSide := newPipePair()
	sink := &countingSink{}
	s := New("worker-1", testDialer{t: serverSide},
		WithPollTick(10*time.Millisecond),
		WithActivityTimeout(20*time.Millisecond),
		WithMetricsSink(sink),
		WithBreaker(circuitbreaker.New(&circuitbreaker.Config{
			MaxHalfOpenProbes: 1,
			Interval:          time.Hour,
			Timeout:           time.Millisecond,
			ReadyToTrip:       func(circuitbreaker.Counts) bool { return false },
		})))
	m := echoModel{id: model.ModelId{Name: "a", Version: "1"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx, m, &echoParser{}, "addr"))
	defer s.Stop()

	// Drain the worker's outbound frames so its heartbeat schedule can
	// never block on a full pipe while the watchdog does its work.
	go func() {
		for {
			if _, err := peerSide.ReadFrame(ctx); err != nil {
				return
			}
		}
	}()

	// Unconfirmed never applies the activity timeout; a single inbound
	// frame promotes the session to Active, after which going silent
	// trips the watchdog and forces a reconnect.
	writeFrames(t, ctx, peerSide, wire.EncodeHeartbeat(wire.HeartbeatKeepAlive))

	assert.Eventually(t, func() bool {
		return sink.reconnects.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}
