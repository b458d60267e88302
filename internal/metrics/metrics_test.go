package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.eventsEnqueued)
	assert.NotNil(t, collector.eventsSent)
	assert.NotNil(t, collector.eventsAcked)
	assert.NotNil(t, collector.eventsDropped)
	assert.NotNil(t, collector.retryAttempts)
	assert.NotNil(t, collector.ackLatency)
	assert.NotNil(t, collector.queuePendingSend)
	assert.NotNil(t, collector.queuePendingAck)
}

func TestRecordEnqueue(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordEnqueue("bazel_event")
	})

	for i := 0; i < 5; i++ {
		collector.RecordEnqueue("build_enqueued")
	}
}

func TestRecordSent(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordSent()
	})

	for i := 0; i < 10; i++ {
		collector.RecordSent()
	}
}

func TestRecordAcked(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	latencies := []float64{0.001, 0.01, 0.1, 1.0, 5.0}
	for _, latency := range latencies {
		assert.NotPanics(t, func() {
			collector.RecordAcked(latency)
		}, "RecordAcked should not panic with latency %f", latency)
	}
}

func TestRecordDropped(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordDropped(3)
	})
}

func TestRecordRetryAttempt(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	for _, kind := range []string{"transient", "permanent", "protocol_violation"} {
		assert.NotPanics(t, func() {
			collector.RecordRetryAttempt(kind)
		}, "RecordRetryAttempt should not panic for kind %s", kind)
	}
}

func TestUpdateQueueDepth(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	testCases := []struct {
		name        string
		pendingSend int
		pendingAck  int
	}{
		{"zero values", 0, 0},
		{"normal values", 10, 5},
		{"high pending send", 100, 8},
		{"high pending ack", 5, 50},
		{"equal values", 20, 20},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.UpdateQueueDepth(tc.pendingSend, tc.pendingAck)
			})
		})
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	done := make(chan bool, 100)

	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordEnqueue("bazel_event")
			collector.RecordSent()
			collector.RecordAcked(0.1)
			collector.UpdateQueueDepth(10, 5)
			done <- true
		}()
	}

	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// A second collector against the same registry panics on duplicate
	// registration: a process should build exactly one Collector.
	assert.Panics(t, func() {
		NewCollector()
	})
}

func TestMetricOperationSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordEnqueue("bazel_event")
		collector.UpdateQueueDepth(1, 0)

		collector.RecordSent()
		collector.UpdateQueueDepth(0, 1)

		collector.RecordAcked(0.5)
		collector.UpdateQueueDepth(0, 0)
	})
}

func TestMetricOperationWithRetryAndDrop(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordEnqueue("bazel_event")
		collector.RecordSent()
		collector.RecordRetryAttempt("transient")
		collector.RecordDropped(1)
	})
}

func TestZeroAndNegativeValues(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordAcked(0.0)
		collector.UpdateQueueDepth(0, 0)
		collector.UpdateQueueDepth(-1, -1)
	})
}
