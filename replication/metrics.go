package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var httpConnectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "pull_replicator_http_connections",
	Help: "current number of outstanding dispatcher HTTP requests",
}, []string{"remote"})

var changesTotalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pull_replicator_changes_total",
	Help: "counter of revisions received from the change feed",
}, []string{"remote"})

var changesProcessedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pull_replicator_changes_processed_total",
	Help: "counter of revisions that reached a terminal outcome (inserted, forbidden, or failed)",
}, []string{"remote"})

var bulkFetchSizeHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "pull_replicator_bulk_fetch_size",
	Help:    "size of each bulk _all_docs POST issued by the dispatcher",
	Buckets: []float64{1, 2, 5, 10, 20, 50},
}, []string{"remote"})

var errorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pull_replicator_errors_total",
	Help: "counter of replicator errors, labeled by class",
}, []string{"remote", "class"})

// checkpointLag reports changesTotal - changesProcessed for remote.
func checkpointLag(remote string, total, processed int64) {
	checkpointLagGauge.WithLabelValues(remote).Set(float64(total - processed))
}

var checkpointLagGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "pull_replicator_checkpoint_lag",
	Help: "changesTotal minus changesProcessed for the current run",
}, []string{"remote"})
