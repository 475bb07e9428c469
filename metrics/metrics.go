// Package metrics aggregates transport diagnostics across handles.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector records read classes, received bytes and retries.
// A nil *Collector is valid and records nothing.
type Collector struct {
	bytesReceived  prometheus.Counter
	reads          *prometheus.CounterVec
	connectRetries prometheus.Counter
	sendRetries    prometheus.Counter
}

// NewCollector constructs and registers transport metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		bytesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "llhls",
				Subsystem: "transport",
				Name:      "bytes_received_total",
				Help:      "Bytes received from chunk servers.",
			},
		),
		reads: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "llhls",
				Subsystem: "transport",
				Name:      "reads_total",
				Help:      "Read calls by result: data, would_block, eof, sentinel, error.",
			},
			[]string{"result"},
		),
		connectRetries: prometheus.NewCounter(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "llhls",
				Subsystem: "transport",
				Name:      "connect_retries_total",
				Help:      "Connect attempts retried after a transient failure.",
			},
		),
		sendRetries: prometheus.NewCounter(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "llhls",
				Subsystem: "transport",
				Name:      "send_retries_total",
				Help:      "Request frames resent after a failed or short send.",
			},
		),
	}
	reg.MustRegister(c.bytesReceived, c.reads, c.connectRetries, c.sendRetries)
	return c
}

// ObserveRead records one read result and the bytes it received
func (c *Collector) ObserveRead(result string, n int) {
	if c == nil {
		return
	}
	c.reads.WithLabelValues(result).Inc()
	if n > 0 {
		c.bytesReceived.Add(float64(n))
	}
}

// ConnectRetry records a connect retry
func (c *Collector) ConnectRetry() {
	if c == nil {
		return
	}
	c.connectRetries.Inc()
}

// SendRetry records a request frame retry
func (c *Collector) SendRetry() {
	if c == nil {
		return
	}
	c.sendRetries.Inc()
}

// ReadsCounter exposes the per-result counter, mainly for tests
func (c *Collector) ReadsCounter(result string) prometheus.Counter {
	return c.reads.WithLabelValues(result)
}

// BytesCounter exposes the received bytes counter
func (c *Collector) BytesCounter() prometheus.Counter {
	return c.bytesReceived
}

// ConnectRetriesCounter exposes the connect retry counter
func (c *Collector) ConnectRetriesCounter() prometheus.Counter {
	return c.connectRetries
}

// SendRetriesCounter exposes the send retry counter
func (c *Collector) SendRetriesCounter() prometheus.Counter {
	return c.sendRetries
}
