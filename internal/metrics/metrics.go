// Package metrics defines the Sink collaborator the cache and the
// session report instrument updates to. It is injected at construction
// rather than reached via a package-level registry: there is no
// module-level state here; NewPrometheusSink owns a private
// prometheus.Registry instead of registering against the default one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the metrics collaborator the cache and the session depend on.
// Implementations must be safe for concurrent use.
type Sink interface {
	CacheHit()
	CacheMiss()
	CacheEviction()
	CacheOversizeRejected()
	SessionReconnect()
	SessionHeartbeatSent()
	SessionPredictHandled()
	SessionPredictTypeMismatch()
}

// NoOp is a Sink that does nothing; it is the default when no sink is
// injected.
type NoOp struct{}

func (NoOp) CacheHit() {}
func (NoOp) CacheMiss() {}
func (NoOp) CacheEviction() {}
func (NoOp) CacheOversizeRejected() {}
func (NoOp) SessionReconnect() {}
func (NoOp) SessionHeartbeatSent() {}
func (NoOp) SessionPredictHandled() {}
func (NoOp) SessionPredictTypeMismatch() {}

// PrometheusSink implements Sink against a private registry (one
// Counter per instrument) without promauto's implicit global
// registration.
type PrometheusSink struct {
	Registry *prometheus.Registry

	cacheHits               prometheus.Counter
	cacheMisses             prometheus.Counter
	cacheEvictions          prometheus.Counter
	cacheOversizeRejections prometheus.Counter
	sessionReconnects       prometheus.Counter
	sessionHeartbeatsSent   prometheus.Counter
	sessionPredictsHandled  prometheus.Counter
	sessionTypeMismatches   prometheus.Counter
}

// NewPrometheusSink constructs a Sink with its own registry and
// registers every instrument against it.
func NewPrometheusSink() *PrometheusSink {
	reg := prometheus.NewRegistry()
	s := &PrometheusSink{
		Registry: reg,
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelserve_cache_hits_total",
			Help: "Number of cache fetches that found a completed entry.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelserve_cache_misses_total",
			Help: "Number of cache fetches that created or joined a pending entry.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelserve_cache_evictions_total",
			Help: "Number of entries reclaimed by the second-chance ring.",
		}),
		cacheOversizeRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelserve_cache_oversize_rejected_total",
			Help: "Number of puts rejected for exceeding the cache's size bound.",
		}),
		sessionReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelserve_session_reconnects_total",
			Help: "Number of times the container session returned to Connecting.",
		}),
		sessionHeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelserve_session_heartbeats_sent_total",
			Help: "Number of keep-alive heartbeats sent by the session.",
		}),
		sessionPredictsHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelserve_session_predicts_handled_total",
			Help: "Number of predict requests handled by the session.",
		}),
		sessionTypeMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelserve_session_predict_type_mismatch_total",
			Help: "Number of predict requests rejected for a declared input type mismatch.",
		}),
	}

	reg.MustRegister(
		s.cacheHits,
		s.cacheMisses,
		s.cacheEvictions,
		s.cacheOversizeRejections,
		s.sessionReconnects,
		s.sessionHeartbeatsSent,
		s.sessionPredictsHandled,
		s.sessionTypeMismatches,
	)

	return s
}

func (s *PrometheusSink) CacheHit() { s.cacheHits.Inc() }
func (s *PrometheusSink) CacheMiss() { s.cacheMisses.Inc() }
func (s *PrometheusSink) CacheEviction() { s.cacheEvictions.Inc() }
func (s *PrometheusSink) CacheOversizeRejected() { s.cacheOversizeRejections.Inc() }
func (s *PrometheusSink) SessionReconnect() { s.sessionReconnects.Inc() }
func (s *PrometheusSink) SessionHeartbeatSent() { s.sessionHeartbeatsSent.Inc() }
func (s *PrometheusSink) SessionPredictHandled() { s.sessionPredictsHandled.Inc() }
func (s *PrometheusSink) SessionPredictTypeMismatch() { s.sessionTypeMismatches.Inc() }
