package reencryption

import "github.com/prometheus/client_golang/prometheus"

// Metric name constants, in the Prefix+name convention zk/metrics/
// metrics_xlayer.go uses for its own gauges.
var (
	reencryptPrefix = "reencryption_"

	FilesReencryptedName = reencryptPrefix + "files_reencrypted_total"
	FailuresName         = reencryptPrefix + "failures_total"
	BatchesSubmittedName = reencryptPrefix + "batches_submitted_total"
	BatchLatencyName     = reencryptPrefix + "batch_latency_seconds"
	ThrottleSleepName    = reencryptPrefix + "throttle_sleep_seconds_total"
	ActiveZonesName      = reencryptPrefix + "active_zones"
)

// Init registers every gauge/counter below with the default prometheus
// registry, mirroring metrics_xlayer.Init's MustRegister block.
func Init() {
	prometheus.MustRegister(FilesReencrypted)
	prometheus.MustRegister(Failures)
	prometheus.MustRegister(BatchesSubmitted)
	prometheus.MustRegister(BatchLatency)
	prometheus.MustRegister(ThrottleSleep)
	prometheus.MustRegister(ActiveZones)
}

var FilesReencrypted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: FilesReencryptedName,
		Help: "[REENCRYPTION] files successfully re-encrypted, by zone",
	},
	[]string{"zone"},
)

var Failures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: FailuresName,
		Help: "[REENCRYPTION] EDEK re-wrap failures, by zone and kind",
	},
	[]string{"zone", "kind"},
)

var BatchesSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: BatchesSubmittedName,
		Help: "[REENCRYPTION] batches submitted to the worker pool, by zone",
	},
	[]string{"zone"},
)

var BatchLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    BatchLatencyName,
		Help:    "[REENCRYPTION] time from batch submission to completion",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"zone"},
)

var ThrottleSleep = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: ThrottleSleepName,
		Help: "[REENCRYPTION] cumulative throttle sleep time, by axis",
	},
	[]string{"axis"},
)

var ActiveZones = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: ActiveZonesName,
		Help: "[REENCRYPTION] zones currently in the active working set, by phase",
	},
	[]string{"phase"},
)
