// Package metrics exposes the server's Prometheus metrics (§9): command
// counts, transfer byte counts, connection gauges and authentication
// outcomes, all registered against a private registry so embedding this
// server never collides with an application's own default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cogwheelftpd"

// Collector holds every metric vector the server records against, grounded
// on the shape of a typical Prometheus exporter: counters for totals,
// gauges for point-in-time state, histograms for latency distributions.
type Collector struct {
	Registry *prometheus.Registry

	CommandsTotal      *prometheus.CounterVec
	AuthAttemptsTotal  *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	ActiveTransfers    prometheus.Gauge
	TransferBytesTotal *prometheus.CounterVec
	TransferDuration   *prometheus.HistogramVec
	TransferErrors     *prometheus.CounterVec
}

// New builds a Collector and registers every metric against a fresh
// registry.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),

		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total FTP commands processed, by command verb and outcome.",
		}, []string{"command", "outcome"}),

		AuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total authentication attempts, by outcome.",
		}, []string{"outcome"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently connected control sessions.",
		}),

		ActiveTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transfers",
			Help:      "Number of currently open data transfers.",
		}),

		TransferBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Total bytes moved over data connections, by direction.",
		}, []string{"direction"}), // "in" (STOR/APPE) or "out" (RETR)

		TransferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Duration of completed data transfers in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),

		TransferErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_errors_total",
			Help:      "Total transfers that ended in an error, by direction.",
		}, []string{"direction"}),
	}

	c.Registry.MustRegister(
		c.CommandsTotal,
		c.AuthAttemptsTotal,
		c.ActiveSessions,
		c.ActiveTransfers,
		c.TransferBytesTotal,
		c.TransferDuration,
		c.TransferErrors,
	)

	return c
}

// RecordCommand increments the per-command counter; outcome is "ok" or
// "error".
func (c *Collector) RecordCommand(command, outcome string) {
	c.CommandsTotal.WithLabelValues(command, outcome).Inc()
}

// RecordAuthentication increments the auth-outcome counter; outcome is one
// of "success", "bad_password", "no_such_user", "disabled", "error".
func (c *Collector) RecordAuthentication(outcome string) {
	c.AuthAttemptsTotal.WithLabelValues(outcome).Inc()
}

// SessionOpened/SessionClosed track the active-sessions gauge.
func (c *Collector) SessionOpened() { c.ActiveSessions.Inc() }
func (c *Collector) SessionClosed() { c.ActiveSessions.Dec() }

// TransferStarted/TransferFinished track the active-transfers gauge and
// record the completed transfer's size, duration and outcome.
func (c *Collector) TransferStarted() { c.ActiveTransfers.Inc() }

func (c *Collector) TransferFinished(direction string, bytes int64, started time.Time, err error) {
	c.ActiveTransfers.Dec()
	c.TransferBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	c.TransferDuration.WithLabelValues(direction).Observe(time.Since(started).Seconds())

	if err != nil {
		c.TransferErrors.WithLabelValues(direction).Inc()
	}
}
