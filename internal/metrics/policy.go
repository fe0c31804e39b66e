package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type policyWatch struct {
	polls        prometheus.Counter
	swaps        prometheus.Counter
	errors       *prometheus.CounterVec
	loadDuration prometheus.Histogram
	lastSuccess  prometheus.Gauge
	stale        prometheus.Gauge
	tableInfo    *prometheus.GaugeVec
	tableLoaded  prometheus.Gauge
}

func newPolicyWatch() policyWatch {
	return policyWatch{
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_polls_total",
			Help: "Policy watcher poll cycles",
		}),
		swaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_swaps_total",
			Help: "Policy tables swapped in by the watcher",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_watcher_errors_total",
			Help: "Policy watcher errors by stage (ssm, load)",
		}, []string{"type"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "policy_load_duration_seconds",
			Help:    "Time to fetch, verify and parse a policy document",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_watcher_last_success_timestamp_seconds",
			Help: "Unix time of the last successful SSM poll",
		}),
		stale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_watcher_stale",
			Help: "1 while the watcher has not reached SSM within its stale threshold",
		}),
		tableInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_table_info",
			Help: "Active policy table; the value is always 1",
		}, []string{"version", "sha256", "source"}),
		tableLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_table_loaded_timestamp_seconds",
			Help: "Unix time the active policy table was loaded",
		}),
	}
}

func (p policyWatch) collectors() []prometheus.Collector {
	return []prometheus.Collector{p.polls, p.swaps, p.errors, p.loadDuration, p.lastSuccess, p.stale, p.tableInfo, p.tableLoaded}
}

// The methods below satisfy policy.WatcherMetrics.

func (m *ServerMetrics) IncPolicyPolls()                       { m.polls.Inc() }
func (m *ServerMetrics) IncPolicySwaps()                       { m.swaps.Inc() }
func (m *ServerMetrics) IncPolicyError(kind string)            { m.errors.WithLabelValues(kind).Inc() }
func (m *ServerMetrics) ObservePolicyLoadDuration(sec float64) { m.loadDuration.Observe(sec) }
func (m *ServerMetrics) SetPolicyLastSuccess(unixSec float64)  { m.lastSuccess.Set(unixSec) }
func (m *ServerMetrics) SetPolicyStale(stale bool)             { m.stale.Set(boolValue(stale)) }

// SetPolicyTable replaces the policy_table_info series.
func (m *ServerMetrics) SetPolicyTable(version, sha256, source string, loadedAt time.Time) {
	m.tableInfo.Reset()
	m.tableInfo.WithLabelValues(version, sha256, source).Set(1)
	m.tableLoaded.Set(float64(loadedAt.Unix()))
}
