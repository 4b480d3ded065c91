// Package metrics exposes Prometheus instrumentation for the messaging layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Publish results
const (
	ResultAcknowledged = "acknowledged"
	ResultRejected     = "rejected"
	ResultError        = "error"
)

// Consume and handler results
const (
	ResultOK           = "ok"
	ResultSkipped      = "skipped"
	ResultAcked        = "acked"
	ResultDecodeError  = "decode_error"
	ResultHandlerError = "handler_error"
	ResultAckError     = "ack_error"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_published_total",
		Help: "Total number of envelopes published, by exchange and broker outcome",
	}, []string{"exchange", "result"})

	consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_consumed_total",
		Help: "Total number of deliveries processed by consume loops, by queue and outcome",
	}, []string{"queue", "result"})

	poolAcquireSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "messenger_pool_acquire_seconds",
		Help:    "Time spent checking a broker channel out of the connection pool",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	})

	poolAcquireFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_pool_acquire_failures_total",
		Help: "Total number of failed connection pool checkouts, by reason",
	}, []string{"reason"})

	poolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_pool_in_use",
		Help: "Number of pooled broker connections currently checked out",
	})

	handlerSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "messenger_handler_duration_seconds",
		Help:    "Time spent in envelope handlers, by handler and outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler", "result"})

	activeConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_active_consumers",
		Help: "Number of consume loops currently running",
	})
)

// RecordPublish counts a publish attempt and its outcome.
func RecordPublish(exchange, result string) {
	if exchange == "" {
		exchange = "default"
	}
	publishedTotal.WithLabelValues(exchange, result).Inc()
}

// RecordConsume counts a processed delivery and its outcome.
func RecordConsume(queue, result string) {
	consumedTotal.WithLabelValues(queue, result).Inc()
}

// ObservePoolAcquire records a successful checkout duration.
func ObservePoolAcquire(d time.Duration) {
	poolAcquireSeconds.Observe(d.Seconds())
	poolInUse.Inc()
}

// RecordPoolRelease marks a checked out connection as returned.
func RecordPoolRelease() {
	poolInUse.Dec()
}

// RecordPoolFailure counts a failed checkout.
func RecordPoolFailure(reason string) {
	poolAcquireFailures.WithLabelValues(reason).Inc()
}

// ObserveHandler records the duration and outcome of one handler call.
func ObserveHandler(handler, result string, d time.Duration) {
	handlerSeconds.WithLabelValues(handler, result).Observe(d.Seconds())
}

// ConsumerStarted and ConsumerStopped track running consume loops.
func ConsumerStarted() { activeConsumers.Inc() }

func ConsumerStopped() { activeConsumers.Dec() }
