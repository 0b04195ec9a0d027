package orchestrator

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	admissions   *prometheus.CounterVec
	finished     *prometheus.CounterVec
	activeJobs   prometheus.Gauge
	jobDuration  *prometheus.HistogramVec
	cancelSignal prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "florique_job_admissions_total",
			Help: "Start requests by admission result.",
		}, []string{"result"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "florique_jobs_finished_total",
			Help: "Execution units that exited, by exit route.",
		}, []string{"outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "florique_jobs_active",
			Help: "Execution units currently running in this process.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "florique_job_duration_seconds",
			Help:    "Wall time of each execution unit.",
			Buckets: []float64{0.5, 1, 2, 3, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		cancelSignal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "florique_job_cancellations_total",
			Help: "Cancel requests that found a live job.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.admissions, m.finished, m.activeJobs, m.jobDuration, m.cancelSignal)
	}
	return m
}
