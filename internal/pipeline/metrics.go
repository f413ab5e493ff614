package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/shipwright/internal/model"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipwright_pipeline_runs_total",
			Help: "Total number of finished pipeline runs by round and terminal state.",
		},
		[]string{"round", "state"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipwright_pipeline_run_seconds",
			Help:    "Duration of a pipeline run from start to terminal state, in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 480},
		},
		[]string{"round"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shipwright_pipeline_step_seconds",
			Help:    "Duration of individual pipeline steps, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shipwright_pipeline_in_flight",
			Help: "Number of pipeline runs currently executing.",
		},
	)

	tasksAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shipwright_pipeline_tasks_accepted_total",
			Help: "Total number of task requests scheduled, by round.",
		},
		[]string{"round"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(inFlight)
	prometheus.MustRegister(tasksAccepted)

	// Pre-initialize label combinations so they appear in /metrics with value 0.
	for _, round := range []int{model.RoundCreate, model.RoundModify} {
		label := roundLabel(round)
		runsTotal.WithLabelValues(label, model.StateDone)
		runsTotal.WithLabelValues(label, model.StateFailed)
		tasksAccepted.WithLabelValues(label)
	}
}
