package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for InvoiceLedger.
type Metrics struct {
	// --- Reconciliation ---
	EventsApplied    *prometheus.CounterVec
	EventsRejected   *prometheus.CounterVec
	EventsHeld       *prometheus.CounterVec
	EventsUnresolved *prometheus.CounterVec
	EventsLate       *prometheus.CounterVec
	EventDuration    *prometheus.HistogramVec
	ParkedEvents     prometheus.Gauge
	ShardQueueDepth  *prometheus.GaugeVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Lifecycle ---
	Transitions        *prometheus.CounterVec
	FundedMinorUnits   prometheus.Counter
	RepaidMinorUnits   prometheus.Counter
	SettlementResidual prometheus.Counter
	OverdueInvoices    prometheus.Gauge

	// --- Ingestion ---
	ChainHeadLag      prometheus.Gauge
	ChainLogsFetched  prometheus.Counter
	NATSMessages      *prometheus.CounterVec
	OutboundPublished *prometheus.CounterVec

	// --- Persistence ---
	AuditRowsWritten prometheus.Counter
	AuditBatchDur    prometheus.Histogram
	AuditErrors      *prometheus.CounterVec
	AuditRetry       prometheus.Counter

	// --- Scheduler ---
	JobRuns *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics registers all metrics on reg. Pass prometheus.NewRegistry()
// in tests to avoid duplicate registration on the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	applyBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025,
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
	}

	return &Metrics{
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_events_applied_total",
			Help: "Chain events committed to the ledger",
		}, []string{"event_type"}),

		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_events_rejected_total",
			Help: "Chain events rejected (duplicate, overfunding, invalid transition)",
		}, []string{"event_type", "reason"}),

		EventsHeld: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_events_held_total",
			Help: "Chain events parked waiting for a predecessor",
		}, []string{"event_type"}),

		EventsUnresolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_events_unresolved_total",
			Help: "Held events escalated after exhausting retries",
		}, []string{"event_type"}),

		EventsLate: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_events_late_total",
			Help: "Chain events that arrived below their token's settled position",
		}, []string{"event_type"}),

		EventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoice_event_apply_duration_seconds",
			Help:    "Time to reconcile a single chain event",
			Buckets: applyBuckets,
		}, []string{"event_type"}),

		ParkedEvents: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_parked_events",
			Help: "Events currently held in the parking lot",
		}),

		ShardQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "invoice_dispatch_queue_depth",
			Help: "Pending events per dispatcher shard",
		}, []string{"shard"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_idempotency_duplicates_total",
			Help: "Duplicate chain events detected",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "invoice_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "invoice_dedup_tier2_errors_total",
			Help: "Store lookups that failed during dedup",
		}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_transitions_total",
			Help: "Persisted lifecycle transitions",
		}, []string{"from", "to"}),

		FundedMinorUnits: f.NewCounter(prometheus.CounterOpts{
			Name: "invoice_funded_minor_units_total",
			Help: "Accepted contributions in minor units",
		}),

		RepaidMinorUnits: f.NewCounter(prometheus.CounterOpts{
			Name: "invoice_repaid_minor_units_total",
			Help: "Accepted repayment deposits in minor units",
		}),

		SettlementResidual: f.NewCounter(prometheus.CounterOpts{
			Name: "invoice_settlement_residual_minor_units_total",
			Help: "Rounding residual retained by the pool at settlement",
		}),

		OverdueInvoices: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_overdue",
			Help: "Invoices past due plus grace at the last scan",
		}),

		ChainHeadLag: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_chain_head_lag_blocks",
			Help: "Blocks between chain head and the watcher cursor",
		}),

		ChainLogsFetched: f.NewCounter(prometheus.CounterOpts{
			Name: "invoice_chain_logs_fetched_total",
			Help: "Escrow logs fetched from the RPC node",
		}),

		NATSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_nats_messages_total",
			Help: "NATS messages by subject and outcome",
		}, []string{"subject", "outcome"}),

		OutboundPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_outbound_published_total",
			Help: "Domain events published downstream",
		}, []string{"kind", "outcome"}),

		AuditRowsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "invoice_audit_rows_written_total",
			Help: "Domain event audit rows written",
		}),

		AuditBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoice_audit_batch_duration_seconds",
			Help:    "Time to flush one audit batch",
			Buckets: applyBuckets,
		}),

		AuditErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_audit_errors_total",
			Help: "Audit write errors",
		}, []string{"error_type"}),

		AuditRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "invoice_audit_retry_total",
			Help: "Audit batch retries",
		}),

		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_scheduler_job_runs_total",
			Help: "Scheduled job runs by outcome",
		}, []string{"job", "outcome"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoice_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: applyBuckets,
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "code"}),
	}
}
