// Package metrics provides Prometheus metrics for repovault nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all repovault metrics.
var Registry = prometheus.NewRegistry()

// Metrics holds all Prometheus metrics for a repovault node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Freeze state
	Frozen            prometheus.Gauge       // 1 while any freeze request is active
	FreezeRequests    prometheus.Gauge       // number of active freeze requests
	FreezeTransitions *prometheus.CounterVec // labels: state (frozen|released)

	// Quota
	QuotaViolated    *prometheus.GaugeVec   // labels: store
	QuotaCheckErrors *prometheus.CounterVec // labels: store
	BlobStoreBytes   *prometheus.GaugeVec   // labels: store

	// Quorum
	QuorumPresent     *prometheus.GaugeVec // labels: database
	QuorumOnlineNodes *prometheus.GaugeVec // labels: database
	QuorumWriteQuorum *prometheus.GaugeVec // labels: database

	// Purge
	PurgeDeleted *prometheus.CounterVec // labels: repository, kind (asset|component)
	PurgeBatches *prometheus.CounterVec // labels: repository

	// Content inventory
	Repositories prometheus.Gauge
	Components   prometheus.Gauge
	Assets       prometheus.Gauge

	// Node info (constant labels exposed as a gauge)
	NodeInfo *prometheus.GaugeVec // labels: version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the given node name as a constant label.
func InitMetrics(nodeName, version string) *Metrics {
	constLabels := prometheus.Labels{
		"node": nodeName,
	}
	factory := promauto.With(Registry)

	m := &Metrics{
		Frozen: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "repovault_frozen",
			Help:        "1 if writes are frozen on this node",
			ConstLabels: constLabels,
		}),
		FreezeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "repovault_freeze_requests",
			Help:        "Number of active freeze requests",
			ConstLabels: constLabels,
		}),
		FreezeTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "repovault_freeze_transitions_total",
			Help:        "Freeze state transitions by resulting state",
			ConstLabels: constLabels,
		}, []string{"state"}),

		QuotaViolated: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "repovault_quota_violated",
			Help:        "1 if the blob store currently violates its quota",
			ConstLabels: constLabels,
		}, []string{"store"}),
		QuotaCheckErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "repovault_quota_check_errors_total",
			Help:        "Quota evaluations that failed",
			ConstLabels: constLabels,
		}, []string{"store"}),
		BlobStoreBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "repovault_blob_store_bytes",
			Help:        "Bytes referenced by assets in each blob store",
			ConstLabels: constLabels,
		}, []string{"store"}),

		QuorumPresent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "repovault_quorum_present",
			Help:        "1 if the database has write quorum",
			ConstLabels: constLabels,
		}, []string{"database"}),
		QuorumOnlineNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "repovault_quorum_online_nodes",
			Help:        "Online cluster members serving the database",
			ConstLabels: constLabels,
		}, []string{"database"}),
		QuorumWriteQuorum: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "repovault_quorum_write_quorum",
			Help:        "Members required for write quorum",
			ConstLabels: constLabels,
		}, []string{"database"}),

		PurgeDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "repovault_purge_deleted_total",
			Help:        "Rows deleted by purge",
			ConstLabels: constLabels,
		}, []string{"repository", "kind"}),
		PurgeBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "repovault_purge_batches_total",
			Help:        "Purge delete batches issued",
			ConstLabels: constLabels,
		}, []string{"repository"}),

		Repositories: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "repovault_repositories",
			Help:        "Number of repositories in the content store",
			ConstLabels: constLabels,
		}),
		Components: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "repovault_components",
			Help:        "Number of components in the content store",
			ConstLabels: constLabels,
		}),
		Assets: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "repovault_assets",
			Help:        "Number of assets in the content store",
			ConstLabels: constLabels,
		}),

		NodeInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "repovault_node_info",
			Help:        "Node information",
			ConstLabels: constLabels,
		}, []string{"version"}),
	}

	m.NodeInfo.WithLabelValues(version).Set(1)
	return m
}

// Handler returns an HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetFrozen records the current freeze state.
func (m *Metrics) SetFrozen(frozen bool, requests int) {
	if m == nil {
		return
	}
	m.Frozen.Set(boolToFloat(frozen))
	m.FreezeRequests.Set(float64(requests))
}

// RecordFreezeTransition counts a transition into the given state.
func (m *Metrics) RecordFreezeTransition(frozen bool) {
	if m == nil {
		return
	}
	state := "released"
	if frozen {
		state = "frozen"
	}
	m.FreezeTransitions.WithLabelValues(state).Inc()
}

// RecordQuota records the outcome of a quota evaluation.
func (m *Metrics) RecordQuota(store string, violated bool) {
	if m == nil {
		return
	}
	m.QuotaViolated.WithLabelValues(store).Set(boolToFloat(violated))
}

// RecordQuotaError counts a failed quota evaluation.
func (m *Metrics) RecordQuotaError(store string) {
	if m == nil {
		return
	}
	m.QuotaCheckErrors.WithLabelValues(store).Inc()
}

// RecordQuorum records a per-database quorum status.
func (m *Metrics) RecordQuorum(database string, online, writeQuorum int, present bool) {
	if m == nil {
		return
	}
	m.QuorumPresent.WithLabelValues(database).Set(boolToFloat(present))
	m.QuorumOnlineNodes.WithLabelValues(database).Set(float64(online))
	m.QuorumWriteQuorum.WithLabelValues(database).Set(float64(writeQuorum))
}

// RecordPurgeBatch records one purge delete batch.
func (m *Metrics) RecordPurgeBatch(repository, kind string, deleted int64) {
	if m == nil {
		return
	}
	m.PurgeBatches.WithLabelValues(repository).Inc()
	m.PurgeDeleted.WithLabelValues(repository, kind).Add(float64(deleted))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
