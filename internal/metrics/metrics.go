// Package metrics defines the node's Prometheus metrics. They are registered
// on the default registry at init and served by Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudpico_node_queue_depth",
			Help: "Readings currently buffered in the persistent queue",
		},
	)

	QueueCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudpico_node_queue_capacity",
			Help: "Slot capacity of the persistent queue",
		},
	)

	QueueOverwritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudpico_node_queue_overwritten_total",
			Help: "Buffered readings discarded by the overwrite-oldest policy",
		},
	)

	ReadingsTaken = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudpico_node_readings_taken_total",
			Help: "Readings produced by the acquisition scheduler",
		},
	)

	SensorErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudpico_node_sensor_errors_total",
			Help: "Failed sensor reads",
		},
	)

	SubmitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudpico_node_submit_total",
			Help: "Submitted readings by outcome (published, buffered)",
		},
		[]string{"outcome"},
	)

	DrainTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudpico_node_drain_total",
			Help: "Drain steps by outcome (drained, retried, dropped, skipped)",
		},
		[]string{"outcome"},
	)

	PublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudpico_node_publish_failures_total",
			Help: "Publish attempts that did not get a broker acknowledgment",
		},
	)

	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cloudpico_node_publish_duration_seconds",
			Help:    "Time from publish to broker acknowledgment",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudpico_node_store_errors_total",
			Help: "Queue operations that failed on the key/value store",
		},
	)

	BrokerConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudpico_node_broker_connected",
			Help: "Whether the MQTT session is up (1 = connected)",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueCapacity)
	prometheus.MustRegister(QueueOverwritten)
	prometheus.MustRegister(ReadingsTaken)
	prometheus.MustRegister(SensorErrors)
	prometheus.MustRegister(SubmitTotal)
	prometheus.MustRegister(DrainTotal)
	prometheus.MustRegister(PublishFailures)
	prometheus.MustRegister(PublishDuration)
	prometheus.MustRegister(StoreErrors)
	prometheus.MustRegister(BrokerConnected)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetConnected mirrors the broker session flag into BrokerConnected.
func SetConnected(v bool) {
	if v {
		BrokerConnected.Set(1)
		return
	}
	BrokerConnected.Set(0)
}

// Timer measures an operation for a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
