package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Local counters for the health endpoint, since prometheus collectors
// can't be read back directly.
var (
	eventsAcceptedCount  int64
	activeSubscrCount    int64
	failedSubscrCount    int64
	completedSubscrCount int64
)

// Metrics for tracking fetch performance and relay behaviour
var (
	// Pool metrics
	PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayfetch_pool_connections",
		Help: "Relay connection records by state",
	}, []string{"state"}) // "connecting", "alive", "connect_failed", "disconnected"

	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayfetch_connect_attempts_total",
		Help: "Relay connection attempts by result",
	}, []string{"result"}) // "success", "failure"

	// Subscription metrics
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayfetch_active_subscriptions",
		Help: "The number of open REQ subscriptions",
	})

	Subscriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayfetch_subscriptions_total",
		Help: "Finished subscriptions by outcome",
	}, []string{"outcome"})

	PaginationRounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayfetch_pagination_rounds_total",
		Help: "The total number of pagination rounds issued",
	})

	// Event metrics
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayfetch_events_received_total",
		Help: "The total number of EVENT frames received",
	})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayfetch_events_rejected_total",
		Help: "Events dropped before delivery by reason",
	}, []string{"reason"})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayfetch_duplicate_events_total",
		Help: "Events already delivered by another relay",
	})

	Notices = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayfetch_notices_total",
		Help: "NOTICE frames by classification",
	}, []string{"classified"}) // "relevant", "ignored"

	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayfetch_malformed_frames_total",
		Help: "Relay frames dropped because they could not be parsed",
	})

	// Fetch metrics
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayfetch_fetch_duration_seconds",
		Help:    "Duration of top-level fetch calls",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8), // 10ms .. ~164s
	}, []string{"mode"})

	// Capability probe metrics
	CapabilityProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayfetch_capability_probes_total",
		Help: "NIP-11 probes by result",
	}, []string{"result"}) // "ok", "error", "cached"

	// HTTP metrics for serve mode
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayfetch_http_requests_total",
		Help: "HTTP requests by route",
	}, []string{"route"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayfetch_http_request_duration_seconds",
		Help:    "Time spent serving HTTP requests, streaming included",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
	}, []string{"route"})

	HTTPRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayfetch_http_rate_limited_total",
		Help: "API requests refused by the per-client limiter",
	}, []string{"reason"}) // "throttled", "banned"
)

// Subscription outcomes.
const (
	OutcomeEOSE    = "eose"
	OutcomeAborted = "aborted"
	OutcomeFailed  = "failed"
	OutcomeClosed  = "closed"
)

// Rejection reasons.
const (
	RejectShape     = "shape"
	RejectSignature = "signature"
	RejectFilter    = "filter"
	RejectRange     = "range"
)

// RegisterMetrics ensures all label values are exported from the start
func RegisterMetrics() {
	for _, state := range []string{"connecting", "alive", "connect_failed", "disconnected"} {
		PoolConnections.WithLabelValues(state)
	}
	for _, result := range []string{"success", "failure"} {
		ConnectAttempts.WithLabelValues(result)
	}
	for _, outcome := range []string{OutcomeEOSE, OutcomeAborted, OutcomeFailed, OutcomeClosed} {
		Subscriptions.WithLabelValues(outcome)
	}
	for _, reason := range []string{RejectShape, RejectSignature, RejectFilter, RejectRange} {
		EventsRejected.WithLabelValues(reason)
	}
	for _, c := range []string{"relevant", "ignored"} {
		Notices.WithLabelValues(c)
	}
	for _, reason := range []string{"throttled", "banned"} {
		HTTPRateLimited.WithLabelValues(reason)
	}
	for _, mode := range []string{"till_eose", "all", "latest", "per_key"} {
		FetchDuration.WithLabelValues(mode)
	}
	for _, result := range []string{"ok", "error", "cached"} {
		CapabilityProbes.WithLabelValues(result)
	}
}

// SubscriptionOpened tracks a REQ that was sent.
func SubscriptionOpened() {
	ActiveSubscriptions.Inc()
	atomic.AddInt64(&activeSubscrCount, 1)
}

// SubscriptionFinished tracks the terminal outcome of a REQ.
func SubscriptionFinished(outcome string) {
	ActiveSubscriptions.Dec()
	atomic.AddInt64(&activeSubscrCount, -1)
	Subscriptions.WithLabelValues(outcome).Inc()
	if outcome == OutcomeFailed {
		atomic.AddInt64(&failedSubscrCount, 1)
	} else {
		atomic.AddInt64(&completedSubscrCount, 1)
	}
}

// EventAccepted counts an event that passed verification and dedup.
func EventAccepted() {
	atomic.AddInt64(&eventsAcceptedCount, 1)
}

// GetActiveSubscriptionsCount returns the number of open subscriptions
func GetActiveSubscriptionsCount() int64 {
	return atomic.LoadInt64(&activeSubscrCount)
}

// GetEventsAcceptedCount returns the number of events delivered to callers
func GetEventsAcceptedCount() int64 {
	return atomic.LoadInt64(&eventsAcceptedCount)
}

// GetSubscriptionFailureRate returns failed subscriptions as a percentage of finished ones
func GetSubscriptionFailureRate() float64 {
	failed := atomic.LoadInt64(&failedSubscrCount)
	total := failed + atomic.LoadInt64(&completedSubscrCount)
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total) * 100
}
