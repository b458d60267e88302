// Package metrics collects and exposes Prometheus metrics for the build
// event upload pipeline.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric this pipeline reports.
type Collector struct {
	eventsEnqueued *prometheus.CounterVec
	eventsSent     prometheus.Counter
	eventsAcked    prometheus.Counter
	eventsDropped  prometheus.Counter

	retryAttempts *prometheus.CounterVec

	ackLatency prometheus.Histogram

	queuePendingSend prometheus.Gauge
	queuePendingAck  prometheus.Gauge
}

// NewCollector builds and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		eventsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bes_events_enqueued_total",
			Help: "Total number of build events handed to the transport, by event kind.",
		}, []string{"kind"}),
		eventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bes_events_sent_total",
			Help: "Total number of build events successfully written to the stream.",
		}),
		eventsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bes_events_acked_total",
			Help: "Total number of build events acknowledged by the collector.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bes_events_dropped_total",
			Help: "Total number of build events abandoned by CloseNow before being acknowledged.",
		}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bes_retry_attempts_total",
			Help: "Total number of stream retry attempts, by error kind.",
		}, []string{"kind"}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bes_ack_latency_seconds",
			Help:    "Time between a record being sent and its ACK arriving.",
			Buckets: prometheus.DefBuckets,
		}),
		queuePendingSend: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bes_queue_pending_send",
			Help: "Current number of records not yet written to the stream.",
		}),
		queuePendingAck: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bes_queue_pending_ack",
			Help: "Current number of records written but not yet acknowledged.",
		}),
	}

	prometheus.MustRegister(
		c.eventsEnqueued, c.eventsSent, c.eventsAcked, c.eventsDropped,
		c.retryAttempts, c.ackLatency, c.queuePendingSend, c.queuePendingAck,
	)

	return c
}

// RecordEnqueue records one event handed to SendEvent, labeled with its
// envelope kind (e.g. "bazel_event", "build_enqueued").
func (c *Collector) RecordEnqueue(kind string) {
	c.eventsEnqueued.WithLabelValues(kind).Inc()
}

// RecordSent records one record successfully written to the stream.
func (c *Collector) RecordSent() {
	c.eventsSent.Inc()
}

// RecordAcked records one ACK received, along with the latency between
// send and ACK.
func (c *Collector) RecordAcked(latencySeconds float64) {
	c.eventsAcked.Inc()
	c.ackLatency.Observe(latencySeconds)
}

// RecordDropped records one record abandoned by CloseNow.
func (c *Collector) RecordDropped(n int) {
	c.eventsDropped.Add(float64(n))
}

// RecordRetryAttempt records one retry attempt, labeled by the
// besclient.Kind string it failed with.
func (c *Collector) RecordRetryAttempt(kind string) {
	c.retryAttempts.WithLabelValues(kind).Inc()
}

// UpdateQueueDepth sets the two queue depth gauges.
func (c *Collector) UpdateQueueDepth(pendingSend, pendingAck int) {
	c.queuePendingSend.Set(float64(pendingSend))
	c.queuePendingAck.Set(float64(pendingAck))
}

// StartServer serves the registered metrics on /metrics at the given port.
// It blocks until the server errors or is shut down.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
