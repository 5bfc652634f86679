// Package metrics exposes the engine's prometheus instrumentation (§12):
// exchange state transitions and capability-invocation latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExchangeTransitions counts store-level state transitions by
	// resulting state ("active", "complete", "invalid") and protocol
	// adapter ("vcapi", "oid4vci", "oid4vp", "invite").
	ExchangeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exchange_engine",
		Subsystem: "store",
		Name:      "transitions_total",
		Help:      "Count of exchange state transitions by resulting state and adapter.",
	}, []string{"state", "adapter"})

	// CapabilityInvocationDuration measures round-trip latency of a
	// delegated zcap invocation against a remote issuer/verifier/
	// challenge/status service, labeled by capability name and outcome.
	CapabilityInvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "exchange_engine",
		Subsystem: "capability",
		Name:      "invocation_duration_seconds",
		Help:      "Latency of delegated capability invocations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"capability", "outcome"})
)
