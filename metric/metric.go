// Package metric holds the Prometheus collectors shared by the listener,
// supervisor and gateway.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "procmesh"

// Request outcomes.
const (
	OutcomeRouted             = "routed"
	OutcomeCore               = "core"
	OutcomeNoData             = "no_data"
	OutcomeUnknownDestination = "unknown_destination"
	OutcomeUnknownFunction    = "unknown_function"
	OutcomeMaxRetries         = "max_retries"
	OutcomeConnectionLost     = "connection_lost"
	OutcomeRateLimited        = "rate_limited"
	OutcomeCommandFailed      = "command_failed"
)

// Metrics is the set of core collectors.
type Metrics struct {
	Requests          *prometheus.CounterVec
	ConnectionRetries prometheus.Counter
	FramesDecoded     prometheus.Counter
	ProtocolErrors    prometheus.Counter
	Restarts          *prometheus.CounterVec
	ProcessErrors     *prometheus.CounterVec
	ReadinessTimeouts *prometheus.CounterVec
	PortConflicts     prometheus.Counter
	Instances         *prometheus.GaugeVec
	InFlight          *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "requests_total",
			Help: "Inbound gateway requests by outcome.",
		}, []string{"outcome"}),
		ConnectionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "connection_retries_total",
			Help: "Retries scheduled while a destination service was not ready.",
		}),
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener", Name: "frames_total",
			Help: "Frames decoded by listeners.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener", Name: "protocol_errors_total",
			Help: "Malformed frames or documents received.",
		}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "restarts_total",
			Help: "Worker processes respawned after exiting.",
		}, []string{"service"}),
		ProcessErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "process_errors_total",
			Help: "Worker exits with a non-zero status or stderr output.",
		}, []string{"service"}),
		ReadinessTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "readiness_timeouts_total",
			Help: "Readiness polls that exhausted their attempts.",
		}, []string{"service"}),
		PortConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "port_conflicts_total",
			Help: "Port allocations retried because the candidate was taken.",
		}),
		Instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "instances",
			Help: "Registered instances per service.",
		}, []string{"service"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "in_flight_requests",
			Help: "Requests handed to a worker and awaiting its reply.",
		}, []string{"service"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Requests, m.ConnectionRetries, m.FramesDecoded, m.ProtocolErrors,
			m.Restarts, m.ProcessErrors, m.ReadinessTimeouts, m.PortConflicts,
			m.Instances, m.InFlight,
		)
	}
	return m
}

// NewRegistry returns a registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.ConnectionRetries.Inc()
}

func (m *Metrics) FrameDecoded() {
	if m == nil {
		return
	}
	m.FramesDecoded.Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

func (m *Metrics) Restart(service string) {
	if m == nil {
		return
	}
	m.Restarts.WithLabelValues(service).Inc()
}

func (m *Metrics) ProcessError(service string) {
	if m == nil {
		return
	}
	m.ProcessErrors.WithLabelValues(service).Inc()
}

func (m *Metrics) ReadinessTimeout(service string) {
	if m == nil {
		return
	}
	m.ReadinessTimeouts.WithLabelValues(service).Inc()
}

func (m *Metrics) PortConflict() {
	if m == nil {
		return
	}
	m.PortConflicts.Inc()
}

func (m *Metrics) SetInstances(service string, n int) {
	if m == nil {
		return
	}
	m.Instances.WithLabelValues(service).Set(float64(n))
}

func (m *Metrics) RequestStarted(service string) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(service).Inc()
}

func (m *Metrics) RequestFinished(service string) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(service).Dec()
}
