package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keithlinneman/admissiond/internal/ratelimit"
)

// Results recorded in admission_decisions_total.
const (
	resultAdmitted       = "admitted"
	resultDeniedLimit    = "denied_limit"
	resultDeniedCapacity = "denied_capacity"
)

type admission struct {
	decisions     *prometheus.CounterVec
	firstDenials  *prometheus.CounterVec
	capacityHits  prometheus.Counter
	entries       *prometheus.GaugeVec
	sweepEvicted  *prometheus.CounterVec
	lockoutEvents *prometheus.CounterVec
}

func newAdmission() admission {
	return admission{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Rate limit decisions by limiter, policy and result",
		}, []string{"limiter", "policy", "result"}),
		firstDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_first_denials_total",
			Help: "Identities denied for the first time in their window",
		}, []string{"limiter"}),
		capacityHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_capacity_reached_total",
			Help: "Times a limiter reached its entry cap",
		}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_entries",
			Help: "Identities tracked after the last sweep",
		}, []string{"limiter"}),
		sweepEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_sweep_evicted_total",
			Help: "Expired windows removed by sweeps",
		}, []string{"limiter"}),
		lockoutEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lockout_events_total",
			Help: "Failed-attempt tracker events by type",
		}, []string{"event"}),
	}
}

func (a admission) collectors() []prometheus.Collector {
	return []prometheus.Collector{a.decisions, a.firstDenials, a.capacityHits, a.entries, a.sweepEvicted, a.lockoutEvents}
}

// ObserveDecision counts one decision. It matches the
// ratelimit.WithOnDecision hook once the limiter name is bound.
func (m *ServerMetrics) ObserveDecision(limiter string, p ratelimit.Policy, d ratelimit.Decision) {
	result := resultAdmitted
	if den, ok := d.(ratelimit.Denied); ok {
		result = resultDeniedLimit
		if den.Reason == ratelimit.ReasonCapacity {
			result = resultDeniedCapacity
		}
	}
	name := p.Name
	if name == "" {
		name = "inline"
	}
	m.decisions.WithLabelValues(limiter, name, result).Inc()
}

func (m *ServerMetrics) IncFirstDenied(limiter string) { m.firstDenials.WithLabelValues(limiter).Inc() }

func (m *ServerMetrics) IncRateLimitCapacity() { m.capacityHits.Inc() }

func (m *ServerMetrics) ObserveSweep(limiter string, evicted, remaining int) {
	m.sweepEvicted.WithLabelValues(limiter).Add(float64(evicted))
	m.entries.WithLabelValues(limiter).Set(float64(remaining))
}

func (m *ServerMetrics) IncLockoutEvent(event string) { m.lockoutEvents.WithLabelValues(event).Inc() }
