// Command worker runs a single model container's RPC session against a
// scheduler, wiring together the config loader, the WebSocket
// transport, the optional Redis diagnostics sink, and a Prometheus
// metrics sink into a real internal/worker.Session.
//
// The Model and InputParser here are a toy "echo" implementation: it
// demonstrates the connect/heartbeat/metadata/predict loop end to end
// without depending on any real model runtime, which remains an
// external collaborator the core never imports.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/modelserve/config"
	"github.com/ocx/modelserve/internal/cache"
	"github.com/ocx/modelserve/internal/diagnostics"
	"github.com/ocx/modelserve/internal/metrics"
	"github.com/ocx/modelserve/internal/model"
	"github.com/ocx/modelserve/internal/transport"
	"github.com/ocx/modelserve/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	modelName := flag.String("model-name", "echo-model", "served model name")
	modelVersion := flag.String("model-version", "v1", "served model version")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("worker: loading config", "err", err)
		os.Exit(1)
	}

	workerID := uuid.NewString()
	logger = logger.With("worker_id", workerID)

	var sink diagnostics.EventSink = diagnostics.NoOpSink{}
	if cfg.Redis.Addr != "" {
		redisSink, err := diagnostics.NewRedisEventSink(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel, logger)
		if err != nil {
			logger.Warn("worker: redis diagnostics sink unavailable, continuing without it", "err", err)
		} else {
			sink = redisSink
			defer redisSink.Close()
		}
	}

	metricsSink := metrics.NewPrometheusSink()
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsSink.Registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Warn("worker: metrics listener exited", "err", err)
			}
		}()
		logger.Info("worker: serving metrics", "addr", cfg.Metrics.Addr)
	}

	var m worker.Model = &echoModel{
		id:        model.ModelId{Name: *modelName, Version: *modelVersion},
		inputType: model.InputTypeBytes,
	}
	if cfg.Cache.MaxSizeBytes > 0 {
		m = &cachedModel{
			inner: m,
			cache: cache.New(cfg.Cache.MaxSizeBytes,
				cache.WithLogger(logger),
				cache.WithMetricsSink(metricsSink)),
		}
	}
	parser := &echoParser{}

	dialer := &transport.WSDialer{Logger: logger}
	session := worker.New(workerID, dialer,
		worker.WithPollTick(cfg.PollTick()),
		worker.WithActivityTimeout(cfg.ActivityTimeout()),
		worker.WithEventSink(sink),
		worker.WithMetricsSink(metricsSink),
		worker.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx, m, parser, cfg.Server.Addr); err != nil {
		logger.Error("worker: starting session", "err", err)
		os.Exit(1)
	}

	logger.Info("worker: session started", "addr", cfg.Server.Addr, "model", m.ID())
	<-ctx.Done()

	logger.Info("worker: shutting down")
	session.Stop()
}

// cachedModel memoizes predictions per input, keyed by
// model.KeyForInput, so a request the worker has already answered skips
// the model entirely. Concurrent duplicates may both run the model; the
// cache's first-writer-wins put keeps them consistent.
type cachedModel struct {
	inner worker.Model
	cache *cache.Cache
}

func (m *cachedModel) ID() model.ModelId          { return m.inner.ID() }
func (m *cachedModel) InputType() model.InputType { return m.inner.InputType() }

func (m *cachedModel) Predict(ctx context.Context, inputs []model.Input) ([][]byte, error) {
	outputs := make([][]byte, len(inputs))
	for i, in := range inputs {
		key := model.KeyForInput(m.inner.ID(), in)
		fut := m.cache.Fetch(key)
		if !fut.Completed() {
			out, err := m.inner.Predict(ctx, []model.Input{in})
			if err != nil {
				return nil, err
			}
			if len(out) != 1 {
				return nil, fmt.Errorf("expected one output per input, got %d", len(out))
			}
			if err := m.cache.Put(key, model.Output{Data: out[0]}); err != nil {
				// Too large for the cache bound; serve it uncached.
				outputs[i] = out[0]
				continue
			}
		}
		v, err := fut.Wait(ctx)
		if err != nil {
			return nil, err
		}
		outputs[i] = v.Data
	}
	return outputs, nil
}

// echoModel is a placeholder Model: it returns its raw input bytes back
// as a single output, standing in for a real model runtime, which is
// always an external collaborator here.
type echoModel struct {
	id        model.ModelId
	inputType model.InputType
}

func (m *echoModel) ID() model.ModelId          { return m.id }
func (m *echoModel) InputType() model.InputType { return m.inputType }

func (m *echoModel) Predict(ctx context.Context, inputs []model.Input) ([][]byte, error) {
	outputs := make([][]byte, 0, len(inputs))
	for _, in := range inputs {
		if b, ok := in.(rawBytesInput); ok {
			outputs = append(outputs, []byte(b))
		}
	}
	return outputs, nil
}

// rawBytesInput is the echoModel's Input implementation: the content
// frame's bytes, unparsed.
type rawBytesInput []byte

func (b rawBytesInput) Hash() uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

// echoParser reuses a single growable buffer across requests, per the
// session's buffer-reuse contract.
type echoParser struct {
	buf []byte
}

func (p *echoParser) DataBuffer(n int) []byte {
	if cap(p.buf) < n {
		p.buf = make([]byte, n, n*2)
	}
	p.buf = p.buf[:n]
	return p.buf
}

func (p *echoParser) Inputs(header []int64, contentLen int) ([]model.Input, error) {
	return []model.Input{rawBytesInput(p.buf[:contentLen])}, nil
}
