// Package metrics exports client activity as Prometheus metrics.
package metrics

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/luciancaetano/ariarpc/internal/rpc"
)

const metricsNamespace = "ariarpc"

// Collector is a prometheus.Collector fed by the client as an rpc.Observer.
type Collector struct {
	inFlight       prometheus.Gauge
	requestsSent   *prometheus.CounterVec
	requests       *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	protocolErrors prometheus.Counter
	reconnects     prometheus.Counter
}

var _ rpc.Observer = (*Collector)(nil)

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "requests_in_flight",
				Help:      "The number of non-exempt requests awaiting a reply.",
			},
		),
		requestsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_sent_total",
				Help:      "The number of requests written to the connection.",
			}, []string{"method"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "The number of completed requests by outcome.",
			}, []string{"method", "outcome"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_total",
				Help:      "The number of server pushes received.",
			}, []string{"method"},
		),
		protocolErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "protocol_errors_total",
				Help:      "The number of malformed or unmatched messages received.",
			},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconnects_total",
				Help:      "The number of reconnects that reset pending requests.",
			},
		),
	}
}

// RequestSent is part of the rpc.Observer interface.
func (c *Collector) RequestSent(method string) {
	c.requestsSent.WithLabelValues(method).Inc()
}

// RequestDone is part of the rpc.Observer interface.
func (c *Collector) RequestDone(method, outcome string) {
	c.requests.WithLabelValues(method, outcome).Inc()
}

// InFlight is part of the rpc.Observer interface.
func (c *Collector) InFlight(n int) {
	c.inFlight.Set(float64(n))
}

// Notification is part of the rpc.Observer interface.
func (c *Collector) Notification(method string) {
	c.notifications.WithLabelValues(method).Inc()
}

// ProtocolError is part of the rpc.Observer interface.
func (c *Collector) ProtocolError() {
	c.protocolErrors.Inc()
}

// Reconnect is part of the rpc.Observer interface.
func (c *Collector) Reconnect() {
	c.reconnects.Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.inFlight.Describe(ch)
	c.requestsSent.Describe(ch)
	c.requests.Describe(ch)
	c.notifications.Describe(ch)
	c.protocolErrors.Describe(ch)
	c.reconnects.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.inFlight.Collect(ch)
	c.requestsSent.Collect(ch)
	c.requests.Collect(ch)
	c.notifications.Collect(ch)
	c.protocolErrors.Collect(ch)
	c.reconnects.Collect(ch)
}

// NewRegistry returns a registry holding c and the Go runtime collectors.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	r := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := r.Register(col); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return r, nil
}
