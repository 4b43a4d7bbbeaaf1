// Package metric holds the relay's Prometheus collectors.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "relay"

// Metrics contains the relay collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	FramesReceived   prometheus.Counter
	FramesAccepted   *prometheus.CounterVec
	FramesRejected   *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec
	Admissions       *prometheus.CounterVec
	ActiveSessions   *prometheus.GaugeVec
	PresenceMisses   prometheus.Counter
	NotificationsOut *prometheus.CounterVec
	SnapshotDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them, plus Go runtime
// collectors, with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Inbound hub frames received",
		}),
		FramesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "accepted_total",
			Help:      "Inbound hub frames accepted, by handler",
		}, []string{"handler"}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "rejected_total",
			Help:      "Inbound hub frames rejected, by reason",
		}, []string{"reason"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Events published on the fan-out bus, by message type",
		}, []string{"type"}),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "admissions_total",
			Help:      "Hub session admission attempts, by result",
		}, []string{"result"}),
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently open, by side (hub or user)",
		}, []string{"side"}),
		PresenceMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "refresh_misses_total",
			Help:      "Presence refreshes skipped because the key had expired or changed owner",
		}),
		NotificationsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "total",
			Help:      "Notifications handed to the dispatcher, by outcome",
		}, []string{"outcome"}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "duration_seconds",
			Help:      "Time to assemble a user's device state",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesReceived,
			m.FramesAccepted,
			m.FramesRejected,
			m.EventsPublished,
			m.Admissions,
			m.ActiveSessions,
			m.PresenceMisses,
			m.NotificationsOut,
			m.SnapshotDuration,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.FramesReceived.Inc()
	}
}

func (m *Metrics) FrameAccepted(handler string) {
	if m != nil {
		m.FramesAccepted.WithLabelValues(handler).Inc()
	}
}

func (m *Metrics) FrameRejected(reason string) {
	if m != nil {
		m.FramesRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) EventPublished(messageType string) {
	if m != nil {
		m.EventsPublished.WithLabelValues(messageType).Inc()
	}
}

func (m *Metrics) Admission(result string) {
	if m != nil {
		m.Admissions.WithLabelValues(result).Inc()
	}
}

// SessionOpened increments the active gauge for side and returns the matching
// decrement.
func (m *Metrics) SessionOpened(side string) func() {
	if m == nil {
		return func() {}
	}
	g := m.ActiveSessions.WithLabelValues(side)
	g.Inc()
	return g.Dec
}

func (m *Metrics) PresenceMiss() {
	if m != nil {
		m.PresenceMisses.Inc()
	}
}

func (m *Metrics) Notification(outcome string) {
	if m != nil {
		m.NotificationsOut.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveSnapshot(seconds float64) {
	if m != nil {
		m.SnapshotDuration.Observe(seconds)
	}
}
