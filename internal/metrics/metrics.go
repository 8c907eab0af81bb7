package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the pipeline counters. The zero value is not usable; a nil
// *Recorder is, and records nothing.
type Recorder struct {
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	commits     *prometheus.CounterVec
	fetchErrors *prometheus.CounterVec
	summaries   *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	rebalances  *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_kitchen_pipeline_runs_total",
				Help: "Pipeline runs per timeframe and outcome",
			},
			[]string{"timeframe", "outcome"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signal_kitchen_pipeline_run_duration_seconds",
				Help:    "Duration of a pipeline run per timeframe",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"timeframe"},
		),
		commits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_kitchen_record_writes_total",
				Help: "Record writes by record kind and result (committed or duplicate)",
			},
			[]string{"kind", "result"},
		),
		fetchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_kitchen_fetch_failures_total",
				Help: "Market data fetches that ended unavailable",
			},
			[]string{"asset"},
		),
		summaries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_kitchen_summaries_total",
				Help: "Summary attempts by outcome",
			},
			[]string{"outcome"},
		),
		deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_kitchen_deliveries_total",
				Help: "Record deliveries by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		rebalances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_kitchen_rebalances_total",
				Help: "Trading actor rebalance requests by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (r *Recorder) RecordRun(timeframe, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(timeframe, outcome).Inc()
	r.runDuration.WithLabelValues(timeframe).Observe(elapsed.Seconds())
}

func (r *Recorder) RecordWrite(kind string, committed bool) {
	if r == nil {
		return
	}
	result := "duplicate"
	if committed {
		result = "committed"
	}
	r.commits.WithLabelValues(kind, result).Inc()
}

func (r *Recorder) RecordFetchFailure(asset string) {
	if r == nil {
		return
	}
	r.fetchErrors.WithLabelValues(asset).Inc()
}

func (r *Recorder) RecordSummary(outcome string) {
	if r == nil {
		return
	}
	r.summaries.WithLabelValues(outcome).Inc()
}

func (r *Recorder) RecordDelivery(channel, outcome string) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(channel, outcome).Inc()
}

func (r *Recorder) RecordRebalance(outcome string) {
	if r == nil {
		return
	}
	r.rebalances.WithLabelValues(outcome).Inc()
}
