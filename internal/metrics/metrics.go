// Package metrics holds the Prometheus collectors of the recorder.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mqtt_recorder"

// Metrics groups the capture and replay collectors.
type Metrics struct {
	MessagesReceived prometheus.Counter
	MessagesDropped  prometheus.Counter
	RecordsWritten   *prometheus.CounterVec
	Rotations        *prometheus.CounterVec
	StreamErrors     *prometheus.CounterVec
	OpenFiles        prometheus.Gauge
	StatsReports     prometheus.Counter
	RetentionRemoved prometheus.Counter

	ReplayPublished prometheus.Counter
	ReplayFailed    prometheus.Counter
	ReplayPasses    prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses a private registry,
// which keeps tests and short-lived commands off the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "messages_received_total",
			Help: "Messages received from the bus.",
		}),
		MessagesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "messages_dropped_total",
			Help: "Messages discarded because the capture pipeline was shutting down.",
		}),
		RecordsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "records_written_total",
			Help: "Records appended to capture files.",
		}, []string{"stream"}),
		Rotations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "rotations_total",
			Help: "Capture files closed, by reason.",
		}, []string{"reason"}),
		StreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "stream_errors_total",
			Help: "Per-stream filesystem errors.",
		}, []string{"op"}),
		OpenFiles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capture", Name: "open_files",
			Help: "Capture files currently open.",
		}),
		StatsReports: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "stats_reports_total",
			Help: "Statistics report lines written.",
		}),
		RetentionRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "retention_removed_dirs_total",
			Help: "Date directories removed by the retention cleaner.",
		}),
		ReplayPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replay", Name: "published_total",
			Help: "Records published during replay.",
		}),
		ReplayFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replay", Name: "publish_failures_total",
			Help: "Replay publishes that failed.",
		}),
		ReplayPasses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replay", Name: "passes_total",
			Help: "Completed passes over the capture directory.",
		}),
	}
}

// StreamLabel is the "stream" label value of a record counter: the
// aggregate name or "topic", never the topic itself.
func StreamLabel(aggregate bool) string {
	if aggregate {
		return "all-topics"
	}
	return "topic"
}
