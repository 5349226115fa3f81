package ingestor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "sensor_monitor"

type Metrics struct {
	MessagesReceived  prometheus.Counter
	MessagesDropped   prometheus.Counter
	DecodeErrors      prometheus.Counter
	BufferedSensors   prometheus.Gauge
	ReadingsPersisted prometheus.Counter
	SensorErrors      prometheus.Counter
	FlushSkipped      *prometheus.CounterVec
	FlushDuration     prometheus.Histogram
	SinkErrors        *prometheus.CounterVec
}

// NewMetrics registers the ingestion collectors on reg. A nil reg gets a
// private registry, which keeps tests independent of each other.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Inbound broker messages handed to the subscriber.",
		}),
		MessagesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped because the decode queue was full.",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Inbound messages discarded because they could not be decoded.",
		}),
		BufferedSensors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "buffered_sensors",
			Help:      "Distinct sensors currently held in the message buffer.",
		}),
		ReadingsPersisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "readings_persisted_total",
			Help:      "Readings written to storage.",
		}),
		SensorErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sensor_flush_errors_total",
			Help:      "Per-sensor failures during a flush.",
		}),
		FlushSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flush_skipped_total",
			Help:      "Scheduler checks that did not start a flush, by reason.",
		}, []string{"reason"}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "flush_duration_seconds",
			Help:      "Wall time of completed flushes.",
			Buckets:   prometheus.DefBuckets,
		}),
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sink_errors_total",
			Help:      "Failed or short-circuited writes to secondary reading sinks.",
		}, []string{"sink"}),
	}
}
