package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	RunCount        prometheus.Counter
	RunAborts       prometheus.Counter
	RunDuration     prometheus.Histogram
	LeadOutcomes    *prometheus.CounterVec
	LeadFailures    *prometheus.CounterVec
	ThreadFetches   prometheus.Counter
	DraftsCreated   prometheus.Counter
	StalledDrafts   prometheus.Gauge
	LastRunUnixTime prometheus.Gauge
	ProspectsAdded  prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "lead_nurture_run_count",
			Help: "Total number of lifecycle runs",
		}),
		RunAborts: factory.NewCounter(prometheus.CounterOpts{
			Name: "lead_nurture_run_aborts",
			Help: "Total number of runs aborted because the lead store was unavailable",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lead_nurture_run_duration_seconds",
			Help:    "Time spent in one lifecycle run",
			Buckets: prometheus.DefBuckets,
		}),
		LeadOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lead_nurture_lead_outcomes",
			Help: "Per-lead outcomes by phase and result",
		}, []string{"phase", "outcome"}),
		LeadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lead_nurture_lead_failures",
			Help: "Per-lead failures by error kind",
		}, []string{"kind"}),
		ThreadFetches: factory.NewCounter(prometheus.CounterOpts{
			Name: "lead_nurture_thread_fetches",
			Help: "Total number of mail thread fetches",
		}),
		DraftsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "lead_nurture_drafts_created",
			Help: "Total number of outreach drafts created",
		}),
		StalledDrafts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lead_nurture_stalled_drafts",
			Help: "Leads whose draft has waited longer than the stale threshold in the last run",
		}),
		LastRunUnixTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lead_nurture_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
		ProspectsAdded: factory.NewCounter(prometheus.CounterOpts{
			Name: "lead_nurture_prospects_added",
			Help: "Total number of prospects added as new leads",
		}),
	}
}
