// Package metrics provides Prometheus metrics for a shelf storage element.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all shelf metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Anomaly categories used as label values on the reconcile counters.
const (
	CategoryMissingIndex   = "missing_index"
	CategoryOrphanedIndex  = "orphaned_index"
	CategoryStaleIndex     = "stale_index"
	CategoryOrphanedObject = "orphaned_object"
	CategoryCorruption     = "corruption"
)

// NodeMetrics holds all Prometheus metrics for one storage element.
type NodeMetrics struct {
	// Foreground operations (labeled by op: store, get, delete, rename, update_attrs, query)
	Operations *prometheus.CounterVec

	// WAL counters
	WALAppends           prometheus.Counter
	WALConflicts         prometheus.Counter
	WALRecovered         *prometheus.CounterVec // outcome: replayed, rolled_back
	WALSegmentsTruncated prometheus.Counter
	WALPendingEntries    prometheus.Gauge

	// Reconciliation counters (labeled by anomaly category)
	AnomaliesDetected *prometheus.CounterVec
	RepairsApplied    *prometheus.CounterVec
	SweepsRun         prometheus.Counter
	KeysExamined      prometheus.Counter

	// Leadership
	LeadershipTransitions *prometheus.CounterVec // direction: elected, lost
	StaleLeaderRejections prometheus.Counter
	IsLeader              prometheus.Gauge // 1 while this node holds the lease
	LeaseTerm             prometheus.Gauge
}

// InitMetrics registers all node metrics on the package Registry with the
// node id as a constant label.
func InitMetrics(nodeID string) *NodeMetrics {
	return NewWith(Registry, nodeID)
}

// NewWith registers node metrics on reg. Tests pass private registries so
// several nodes can coexist in one process.
func NewWith(reg prometheus.Registerer, nodeID string) *NodeMetrics {
	constLabels := prometheus.Labels{
		"node": nodeID,
	}

	return &NodeMetrics{
		Operations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name:        "shelf_operations_total",
			Help:        "Foreground element operations by kind",
			ConstLabels: constLabels,
		}, []string{"op"}),

		WALAppends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "shelf_wal_appends_total",
			Help:        "WAL entries appended",
			ConstLabels: constLabels,
		}),
		WALConflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "shelf_wal_conflicts_total",
			Help:        "WAL appends rejected by the per-key conflict check",
			ConstLabels: constLabels,
		}),
		WALRecovered: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name:        "shelf_wal_recovered_total",
			Help:        "WAL entries resolved by recovery (outcome: replayed or rolled_back)",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		WALSegmentsTruncated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "shelf_wal_segments_truncated_total",
			Help:        "WAL segment files removed by leader GC",
			ConstLabels: constLabels,
		}),
		WALPendingEntries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "shelf_wal_pending_entries",
			Help:        "WAL entries not yet committed or rolled back",
			ConstLabels: constLabels,
		}),

		AnomaliesDetected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name:        "shelf_reconcile_anomalies_total",
			Help:        "Anomalies detected by reconciliation sweeps, by category",
			ConstLabels: constLabels,
		}, []string{"category"}),
		RepairsApplied: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name:        "shelf_reconcile_repairs_total",
			Help:        "Repairs applied by reconciliation sweeps, by category",
			ConstLabels: constLabels,
		}, []string{"category"}),
		SweepsRun: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "shelf_reconcile_sweeps_total",
			Help:        "Reconciliation sweeps completed",
			ConstLabels: constLabels,
		}),
		KeysExamined: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "shelf_reconcile_keys_examined_total",
			Help:        "Keys examined by reconciliation sweeps",
			ConstLabels: constLabels,
		}),

		LeadershipTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name:        "shelf_leadership_transitions_total",
			Help:        "Leadership transitions (direction: elected or lost)",
			ConstLabels: constLabels,
		}, []string{"direction"}),
		StaleLeaderRejections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "shelf_stale_leader_rejections_total",
			Help:        "Leader-only actions rejected because their term was stale",
			ConstLabels: constLabels,
		}),
		IsLeader: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "shelf_leader",
			Help:        "1 while this node holds the leader lease",
			ConstLabels: constLabels,
		}),
		LeaseTerm: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "shelf_lease_term",
			Help:        "Most recent lease term observed by this node",
			ConstLabels: constLabels,
		}),
	}
}
