// Package metrics provides Prometheus metrics for sigrelay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "sigrelay"

// Admission failure reasons.
const (
	ReasonUnknownRole        = "unknown_role"
	ReasonInvalidConn        = "invalid_connection"
	ReasonUpgradeFailed      = "upgrade_failed"
	ReasonTooManyConnections = "too_many_connections"
)

// Forwarding outcomes.
const (
	OutcomeDelivered  = "delivered"
	OutcomeNoTarget   = "no_target"
	OutcomeSendFailed = "send_failed"
)

// Metrics holds all Prometheus metrics for sigrelay.
type Metrics struct {
	Registry *prometheus.Registry

	admissionsTotal    *prometheus.CounterVec
	admissionErrors    *prometheus.CounterVec
	displacementsTotal *prometheus.CounterVec
	roleOccupied       *prometheus.GaugeVec
	messagesTotal      *prometheus.CounterVec
	forwardedBytes     *prometheus.CounterVec
	sendDuration       *prometheus.HistogramVec
	connectionDuration *prometheus.HistogramVec
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		admissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Total connections admitted under a role.",
		}, []string{"role"}),

		admissionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_errors_total",
			Help:      "Total connections refused before admission, by reason.",
		}, []string{"reason"}),

		displacementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "displacements_total",
			Help:      "Total admissions that replaced an existing occupant of the same role.",
		}, []string{"role"}),

		roleOccupied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "role_occupied",
			Help:      "Whether a role currently has a connection (1) or not (0).",
		}, []string{"role"}),

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total messages received from peers, by source role and forwarding outcome.",
		}, []string{"source", "outcome"}),

		forwardedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_bytes_total",
			Help:      "Total payload bytes delivered to the opposite role.",
		}, []string{"source"}),

		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time spent writing a forwarded message to the target connection, in seconds.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}, []string{"target"}),

		connectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Duration of admitted peer connections in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.admissionsTotal,
		m.admissionErrors,
		m.displacementsTotal,
		m.roleOccupied,
		m.messagesTotal,
		m.forwardedBytes,
		m.sendDuration,
		m.connectionDuration,
	)

	return m
}

// Admitted records a successful admission. displaced is true when the
// admission replaced an existing occupant.
func (m *Metrics) Admitted(role string, displaced bool) {
	if m == nil {
		return
	}
	m.admissionsTotal.WithLabelValues(role).Inc()
	m.roleOccupied.WithLabelValues(role).Set(1)
	if displaced {
		m.displacementsTotal.WithLabelValues(role).Inc()
	}
}

// AdmissionError records a connection refused before it reached the role
// table.
func (m *Metrics) AdmissionError(reason string) {
	if m == nil {
		return
	}
	m.admissionErrors.WithLabelValues(reason).Inc()
}

// SetRoleOccupied sets the occupancy gauge for a role.
func (m *Metrics) SetRoleOccupied(role string, occupied bool) {
	if m == nil {
		return
	}
	if occupied {
		m.roleOccupied.WithLabelValues(role).Set(1)
	} else {
		m.roleOccupied.WithLabelValues(role).Set(0)
	}
}

// MessageForwarded records the outcome of one message. bytes is only
// counted for delivered messages.
func (m *Metrics) MessageForwarded(source, outcome string, bytes int) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(source, outcome).Inc()
	if outcome == OutcomeDelivered {
		m.forwardedBytes.WithLabelValues(source).Add(float64(bytes))
	}
}

// ObserveSendDuration records how long a single forward write took.
func (m *Metrics) ObserveSendDuration(target string, seconds float64) {
	if m == nil {
		return
	}
	m.sendDuration.WithLabelValues(target).Observe(seconds)
}

// ConnectionOpened returns a tracker that records the lifetime of an
// admitted connection when Done is called.
func (m *Metrics) ConnectionOpened(role string) *ConnectionTracker {
	if m == nil {
		return nil
	}
	return &ConnectionTracker{m: m, role: role}
}

// ConnectionTracker records the lifetime of a single admitted connection.
type ConnectionTracker struct {
	m    *Metrics
	role string
}

// Done records the connection duration.
func (t *ConnectionTracker) Done(durationSec float64) {
	if t == nil {
		return
	}
	t.m.connectionDuration.WithLabelValues(t.role).Observe(durationSec)
}
