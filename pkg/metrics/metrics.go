package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Registry state
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentbroker_agents_total",
			Help: "Total number of registered agents by lifecycle state",
		},
		[]string{"state"},
	)

	AgentBusyness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentbroker_agent_busyness",
			Help: "Current busyness score [0,1] per agent",
		},
		[]string{"agent"},
	)

	AgentInjectionFloorMs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentbroker_agent_injection_floor_ms",
			Help: "Current injection floor delay in milliseconds per agent",
		},
		[]string{"agent"},
	)

	// Delivery engine state
	DeliveriesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentbroker_deliveries",
			Help: "Pending deliveries currently in each state",
		},
		[]string{"state"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbroker_deliveries_total",
			Help: "Total deliveries that reached a terminal state, by outcome",
		},
		[]string{"outcome", "reason"},
	)

	DeliveryQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentbroker_queue_depth",
			Help: "Current per-agent priority queue depth",
		},
		[]string{"agent"},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentbroker_scheduler_tick_duration_seconds",
			Help:    "Wall time spent processing a single scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeliveriesShedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbroker_deliveries_shed_total",
			Help: "Total deliveries dropped by queue shedding, by priority",
		},
		[]string{"priority"},
	)

	EchoLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentbroker_echo_latency_seconds",
			Help:    "Time from injection to echo match",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
	)

	ActivityLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentbroker_activity_latency_seconds",
			Help:    "Time from verified to activity observed",
			Buckets: []float64{0.05, 0.25, 0.5, 1, 2, 5, 8},
		},
	)

	// Dedup cache
	DedupCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbroker_dedup_cache_size",
			Help: "Current number of entries held in the dedup cache",
		},
	)

	DedupEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbroker_dedup_evictions_total",
			Help: "Total dedup cache evictions, by reason (count_cap|age)",
		},
		[]string{"reason"},
	)

	// Cloud mirror
	PublishBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentbroker_publish_backlog",
			Help: "Current number of outbound publish jobs awaiting completion",
		},
	)

	PublishAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbroker_publish_attempts_total",
			Help: "Total cloud publish attempts, by outcome (ok|retry|abandoned)",
		},
		[]string{"outcome"},
	)

	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentbroker_publish_duration_seconds",
			Help:    "Time taken for a single cloud publish POST",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebSocketReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentbroker_ws_reconnects_total",
			Help: "Total inbound echo WebSocket reconnect attempts",
		},
	)

	EchoesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbroker_echoes_received_total",
			Help: "Total inbound cloud echoes received, by dedup outcome (dropped|routed)",
		},
		[]string{"outcome"},
	)

	// Persistence layer
	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentbroker_snapshot_duration_seconds",
			Help:    "Time taken to write and fsync a registry snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentbroker_compaction_duration_seconds",
			Help:    "Time taken to compact the pending delivery log",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Control channel
	ControlRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbroker_control_requests_total",
			Help: "Total control channel requests, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	ControlRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbroker_control_request_duration_seconds",
			Help:    "Control channel request handling duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		AgentsTotal,
		AgentBusyness,
		AgentInjectionFloorMs,
		DeliveriesByState,
		DeliveriesTotal,
		DeliveryQueueDepth,
		SchedulerTickDuration,
		DeliveriesShedTotal,
		EchoLatency,
		ActivityLatency,
		DedupCacheSize,
		DedupEvictionsTotal,
		PublishBacklog,
		PublishAttemptsTotal,
		PublishDuration,
		WebSocketReconnectsTotal,
		EchoesReceivedTotal,
		SnapshotDuration,
		CompactionDuration,
		ControlRequestsTotal,
		ControlRequestDuration,
	)
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
