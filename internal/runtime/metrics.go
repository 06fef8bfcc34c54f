package runtime

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/courier/transport"
)

// Job outcomes recorded by the jobs counter.
const (
	jobOutcomeSucceeded = "succeeded"
	jobOutcomeFailed    = "failed"
	jobOutcomeTimedOut  = "timed_out"
)

// clientMetrics holds the Prometheus collectors of one client.
type clientMetrics struct {
	published        *prometheus.CounterVec
	received         *prometheus.CounterVec
	acked            *prometheus.CounterVec
	ackFailures      *prometheus.CounterVec
	decodeFailures   *prometheus.CounterVec
	handlerFailures  *prometheus.CounterVec
	readinessRetries *prometheus.CounterVec
	consumerRebuilds *prometheus.CounterVec
	jobs             *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
}

func newCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "client",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newClientMetrics() *clientMetrics {
	return &clientMetrics{
		published:        newCounterVec("published_total", "Messages handed to the transport.", "role"),
		received:         newCounterVec("received_total", "Messages delivered to a subscription.", "role"),
		acked:            newCounterVec("acked_total", "Messages acknowledged.", "role"),
		ackFailures:      newCounterVec("ack_failures_total", "Acknowledgments the transport rejected.", "role"),
		decodeFailures:   newCounterVec("decode_failures_total", "Bodies passed through raw because they could not be decoded.", "encoding"),
		handlerFailures:  newCounterVec("handler_failures_total", "Handler invocations that returned an error.", "role"),
		readinessRetries: newCounterVec("readiness_retries_total", "Retries caused by a topic that is not provisioned yet.", "operation"),
		consumerRebuilds: newCounterVec("consumer_rebuilds_total", "Consumers closed because the consumer group changed.", "role"),
		jobs:             newCounterVec("jobs_total", "Background jobs dispatched, by outcome.", "outcome"),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "courier",
				Subsystem: "client",
				Name:      "handler_duration_seconds",
				Help:      "Time spent in subscription handlers.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"role"},
		),
	}
}

func (m *clientMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.published,
		m.received,
		m.acked,
		m.ackFailures,
		m.decodeFailures,
		m.handlerFailures,
		m.readinessRetries,
		m.consumerRebuilds,
		m.jobs,
		m.handlerDuration,
	}
}

// register adds the collectors to registerer. Collectors that are already
// registered are left alone.
func (m *clientMetrics) register(registerer prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}

func (m *clientMetrics) observeHandler(role transport.Role, started time.Time, err error) {
	m.handlerDuration.WithLabelValues(string(role)).Observe(time.Since(started).Seconds())
	if err != nil {
		m.handlerFailures.WithLabelValues(string(role)).Inc()
	}
}

func metricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
