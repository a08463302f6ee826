package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ReconcilePasses counts reconciliation passes by outcome (completed, aborted, deferred)
var ReconcilePasses = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "benchsync_reconcile_passes_total",
		Help: "Total number of reconciliation passes by outcome",
	},
	[]string{"outcome"},
)

// ReconcileWrites counts writes applied by the reconciler
var ReconcileWrites = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "benchsync_reconcile_writes_total",
		Help: "Total number of writes applied by the reconciler",
	},
	[]string{"kind", "direction", "op"},
)

// ReconcileSkipped counts records skipped after a write or lookup failure
var ReconcileSkipped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "benchsync_reconcile_skipped_total",
		Help: "Total number of records skipped during reconciliation",
	},
	[]string{"kind", "direction"},
)

// ReconcileConflicts counts equal-timestamp records whose payloads differ
var ReconcileConflicts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "benchsync_reconcile_conflicts_total",
		Help: "Records with equal updatedAt but diverging payloads",
	},
	[]string{"kind"},
)

// ReconcileDuration records pass latency
var ReconcileDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "benchsync_reconcile_duration_seconds",
		Help:    "Duration of reconciliation passes",
		Buckets: prometheus.DefBuckets,
	},
)

// StoreUp reports the last probe result per store (1 reachable, 0 unreachable)
var StoreUp = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "benchsync_store_up",
		Help: "Whether the store answered the last availability probe",
	},
	[]string{"store"},
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "benchsync_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "benchsync_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "benchsync_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(ReconcilePasses, ReconcileWrites, ReconcileSkipped, ReconcileConflicts, ReconcileDuration)
	prometheus.MustRegister(StoreUp)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
