package evaluation

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	samplesScored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitytyping",
			Subsystem: "eval",
			Name:      "samples_scored_total",
			Help:      "The total number of samples scored.",
		},
		[]string{"split"},
	)
	samplesCorrect = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitytyping",
			Subsystem: "eval",
			Name:      "samples_correct_total",
			Help:      "The total number of samples whose top scoring class is the label.",
		},
		[]string{"split"},
	)
	batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "entitytyping",
			Subsystem: "eval",
			Name:      "batch_duration_seconds",
			Help:      "Time to score one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"split"},
	)
	lastAccuracy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "entitytyping",
			Subsystem: "eval",
			Name:      "accuracy",
			Help:      "Accuracy of the last evaluation.",
		},
		[]string{"split"},
	)
)

func init() {
	prometheus.MustRegister(samplesScored)
	prometheus.MustRegister(samplesCorrect)
	prometheus.MustRegister(batchDuration)
	prometheus.MustRegister(lastAccuracy)
}

// WriteMetrics writes the current value of all registered metrics to filePath, in the Prometheus
// text format (as read by the node exporter's textfile collector).
func WriteMetrics(filePath string) error {
	if err := prometheus.WriteToTextfile(filePath, prometheus.DefaultGatherer); err != nil {
		return errors.Wrapf(err, "failed to write metrics to %q", filePath)
	}
	return nil
}
