package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_events_ingested_total",
			Help: "Total number of events accepted by the store",
		},
		[]string{"severity"},
	)

	CoTIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_cot_ingested_total",
			Help: "Total number of chain-of-thought entries accepted by the store",
		},
		[]string{"phase"},
	)

	BackpressureDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_backpressure_drops_total",
			Help: "Records dropped by the backpressure admission policy",
		},
		[]string{"stream"},
	)

	RingSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "observer_ring_size",
			Help: "Current number of records held in the in-memory ring",
		},
		[]string{"stream"},
	)

	PendingWrites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "observer_pending_writes",
			Help: "Records enqueued for persistence but not yet durable",
		},
	)

	RedactionsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_redactions_applied_total",
			Help: "Records whose payload was altered by the redactor",
		},
		[]string{"stream"},
	)

	// Journal metrics
	JournalAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_journal_appends_total",
			Help: "Lines appended to the JSONL journal",
		},
		[]string{"stream", "status"},
	)

	JournalWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "observer_journal_write_duration_seconds",
			Help:    "Duration of journal batch flushes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stream"},
	)

	JournalRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_journal_rotations_total",
			Help: "Journal file rotations",
		},
		[]string{"stream"},
	)

	ObserverDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "observer_degraded",
			Help: "1 when persistence has failed at least once since startup",
		},
	)

	// Streaming metrics
	SubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "observer_subscribers_active",
			Help: "Connected streaming subscribers",
		},
	)

	SubscriberEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_subscriber_evictions_total",
			Help: "Subscribers evicted from the broadcaster",
		},
		[]string{"reason"},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_frames_sent_total",
			Help: "Frames offered to subscriber queues",
		},
		[]string{"type"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "observer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_auth_failures_total",
			Help: "Requests rejected by the bearer token or origin checks",
		},
		[]string{"reason"},
	)

	// Runtime delegation metrics
	RuntimeCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observer_runtime_calls_total",
			Help: "Calls delegated to the runtime controller",
		},
		[]string{"op", "status"},
	)

	RuntimeCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "observer_runtime_call_duration_seconds",
			Help:    "Runtime controller call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)
