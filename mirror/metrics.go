package mirror

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lastMirrorTimestamp is a Gauge that captures the timestamp of the last
	// successful git mirror
	lastMirrorTimestamp *prometheus.GaugeVec
	// mirrorCount is a Counter vector of git mirrors
	mirrorCount *prometheus.CounterVec
	// mirrorLatency is a Histogram vector that keeps track of git mirror durations
	mirrorLatency *prometheus.HistogramVec
)

// EnableMetrics will enable metrics collection for mirror updates.
// Available metrics are...
//   - git_last_mirror_timestamp - (tags: mirror)
//     A Gauge that captures the Timestamp of the last successful git mirror per mirror.
//   - git_mirror_count - (tags: mirror,success)
//     A Counter for each mirror update, incremented with each attempt and tagged with the result (success=true|false)
//   - git_mirror_latency_seconds - (tags: mirror)
//     A Histogram that keeps track of the update latency per mirror.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	factory := promauto.With(registerer)

	lastMirrorTimestamp = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "git_last_mirror_timestamp",
		Help:      "Timestamp of the last successful git mirror",
	},
		[]string{
			// name of the mirror
			"mirror",
		},
	)

	mirrorCount = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "git_mirror_count",
		Help:      "Count of git mirror operations",
	},
		[]string{
			// name of the mirror
			"mirror",
			// Whether the update was successful or not
			"success",
		},
	)

	mirrorLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "git_mirror_latency_seconds",
		Help:      "Latency for git mirror updates",
		Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300},
	},
		[]string{
			// name of the mirror
			"mirror",
		},
	)
}

// recordGitMirror records a mirror update attempt by updating all the
// relevant metrics
func recordGitMirror(mirror string, success bool) {
	// if metrics not enabled return
	if lastMirrorTimestamp == nil || mirrorCount == nil {
		return
	}
	if success {
		lastMirrorTimestamp.With(prometheus.Labels{
			"mirror": mirror,
		}).Set(float64(time.Now().Unix()))
	}
	mirrorCount.With(prometheus.Labels{
		"mirror":  mirror,
		"success": strconv.FormatBool(success),
	}).Inc()
}

func updateMirrorLatency(mirror string, start time.Time) {
	// if metrics not enabled return
	if mirrorLatency == nil {
		return
	}
	mirrorLatency.WithLabelValues(mirror).Observe(time.Since(start).Seconds())
}
