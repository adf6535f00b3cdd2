// Package metrics exposes daemon activity as Prometheus series.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g960059/ctrmux/internal/model"
)

const namespace = "ctrmux"

// Collector implements the session, invoker and relaunch observer hooks.
type Collector struct {
	sessionsActive  *prometheus.GaugeVec
	sessionsStarted *prometheus.CounterVec
	sessionsEnded   *prometheus.CounterVec
	messagesSent    *prometheus.CounterVec
	invocations     *prometheus.CounterVec
	invocationTime  *prometheus.HistogramVec
	relaunches      *prometheus.CounterVec
	clients         prometheus.Gauge
	queueDrops      prometheus.Counter

	registry *prometheus.Registry
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently running",
		},
		[]string{"kind"},
	)
	c.sessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of sessions started",
		},
		[]string{"kind"},
	)
	c.sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions ended by reason",
		},
		[]string{"kind", "reason"},
	)
	c.messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of session messages pushed to clients",
		},
		[]string{"type"},
	)
	c.invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Total number of runtime invocations by outcome",
		},
		[]string{"verb", "outcome"},
	)
	c.invocationTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Duration of runtime invocations",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"verb"},
	)
	c.relaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relaunches_total",
			Help:      "Total number of unit relaunch attempts by outcome",
		},
		[]string{"outcome"},
	)
	c.clients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Number of connected stream clients",
		},
	)
	c.queueDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_queue_overflows_total",
			Help:      "Clients disconnected because their outbound queue was full",
		},
	)

	c.registry.MustRegister(
		c.sessionsActive,
		c.sessionsStarted,
		c.sessionsEnded,
		c.messagesSent,
		c.invocations,
		c.invocationTime,
		c.relaunches,
		c.clients,
		c.queueDrops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SessionStarted(kind model.SessionKind) {
	c.sessionsActive.WithLabelValues(string(kind)).Inc()
	c.sessionsStarted.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) SessionEnded(kind model.SessionKind, reason string) {
	c.sessionsActive.WithLabelValues(string(kind)).Dec()
	c.sessionsEnded.WithLabelValues(string(kind), reason).Inc()
}

func (c *Collector) MessageSent(typ model.MessageType) {
	c.messagesSent.WithLabelValues(string(typ)).Inc()
}

func (c *Collector) ObserveInvocation(verb, outcome string, d time.Duration) {
	c.invocations.WithLabelValues(verb, outcome).Inc()
	c.invocationTime.WithLabelValues(verb).Observe(d.Seconds())
}

func (c *Collector) ObserveRelaunch(outcome string) {
	c.relaunches.WithLabelValues(outcome).Inc()
}

func (c *Collector) ClientConnected() {
	c.clients.Inc()
}

func (c *Collector) ClientDisconnected() {
	c.clients.Dec()
}

func (c *Collector) QueueOverflow() {
	c.queueDrops.Inc()
}
