package c2dm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the push center's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	registrations *prometheus.CounterVec
	tokenReports  *prometheus.CounterVec
	badgeEvents   *prometheus.CounterVec
	badgeCount    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tarsier_registrations_total",
			Help: "Registration attempts by outcome",
		}, []string{"status"}),
		tokenReports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tarsier_token_reports_total",
			Help: "Push token reports by outcome",
		}, []string{"status"}),
		badgeEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tarsier_badge_events_total",
			Help: "Inbound notification events by reconciliation result",
		}, []string{"result"}),
		badgeCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tarsier_badge_count",
			Help: "Badge count currently applied",
		}),
	}
}

func (m *Metrics) observeRegistration(s RegistrationStatus) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) observeReport(s ReportStatus) {
	if m == nil {
		return
	}
	m.tokenReports.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) observeBadge(r BadgeResult) {
	if m == nil {
		return
	}
	if r.Applied {
		m.badgeEvents.WithLabelValues("applied").Inc()
		return
	}
	m.badgeEvents.WithLabelValues(r.Reason).Inc()
}

// setBadgeCount runs under the reconciler lock, next to the sink update.
func (m *Metrics) setBadgeCount(n int) {
	if m == nil {
		return
	}
	m.badgeCount.Set(float64(n))
}
