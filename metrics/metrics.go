// Package metrics registers the Prometheus collectors the agent exposes on
// its status server. Grounded on cns/metric/pool.go's pattern of package
// level collectors self-registered via init() against the
// controller-runtime metrics.Registry, generalized from one scaling use
// case to the full set of counters/gauges this agent needs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// ReconcilerCount tracks how many reconcilers are currently live, by
	// entity kind and current FSM state.
	ReconcilerCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "net_agent_reconciler_count",
			Help: "Number of live reconcilers by entity kind and state.",
		},
		[]string{"kind", "state"},
	)

	// NetAPIRequests counts NetAPI calls by HTTP verb and outcome.
	NetAPIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "net_agent_netapi_requests_total",
			Help: "NetAPI requests by verb and outcome.",
		},
		[]string{"verb", "outcome"},
	)

	// NetAPILatency records NetAPI round-trip latency by verb.
	NetAPILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "net_agent_netapi_request_duration_seconds",
			Help:    "NetAPI request latency in seconds by verb.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
		[]string{"verb"},
	)

	// DebounceEmits counts emissions out of each named debounce channel.
	DebounceEmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "net_agent_debounce_emits_total",
			Help: "Debounced emissions by channel name.",
		},
		[]string{"channel"},
	)

	// RetryAttempts counts reconciler retry attempts by entity kind and
	// operation, for the avast/retry-go backed calls in the reconcilers.
	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "net_agent_retry_attempts_total",
			Help: "Reconciler retry attempts by entity kind and operation.",
		},
		[]string{"kind", "operation"},
	)

	// TransitionTotal counts FSM transitions by entity kind, from-state,
	// and to-state; useful for spotting state machines stuck oscillating.
	TransitionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "net_agent_transitions_total",
			Help: "Reconciler state transitions by entity kind, from, to.",
		},
		[]string{"kind", "from", "to"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		ReconcilerCount,
		NetAPIRequests,
		NetAPILatency,
		DebounceEmits,
		RetryAttempts,
		TransitionTotal,
	)
}

// ObserveTransition is a small helper so reconcilers don't repeat the
// three-label call site. It also maintains ReconcilerCount, a gauge of
// currently-live reconcilers: the `from` state's bucket is decremented
// (skipped when from is empty; a reconciler's first transition comes from
// "init", which ObserveReconcilerCreated counted), and the `to` state's
// bucket is incremented unless `to`
// is "stopped", since a stopped reconciler removes itself from the registry
// and is no longer live.
func ObserveTransition(kind, from, to string) {
	TransitionTotal.WithLabelValues(kind, from, to).Inc()
	if from != "" {
		ReconcilerCount.WithLabelValues(kind, from).Dec()
	}
	if to != "stopped" {
		ReconcilerCount.WithLabelValues(kind, to).Inc()
	}
}

// ObserveReconcilerCreated accounts for a reconciler's initial state at
// construction, before its first transition.
func ObserveReconcilerCreated(kind, state string) {
	ReconcilerCount.WithLabelValues(kind, state).Inc()
}

// ObserveDebounceEmit counts one emission out of a named debounce channel.
func ObserveDebounceEmit(channel string) {
	DebounceEmits.WithLabelValues(channel).Inc()
}

// ObserveRetryAttempt counts one retry (a call that failed and is being
// attempted again) for the given reconciler kind and operation.
func ObserveRetryAttempt(kind, operation string) {
	RetryAttempts.WithLabelValues(kind, operation).Inc()
}

// ObserveNetAPICall records both the outcome counter and latency histogram
// for a single NetAPI round trip.
func ObserveNetAPICall(verb, outcome string, seconds float64) {
	NetAPIRequests.WithLabelValues(verb, outcome).Inc()
	NetAPILatency.WithLabelValues(verb).Observe(seconds)
}
