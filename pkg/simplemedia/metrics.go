package simplemedia

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue and ingestion metrics. They register with the default registry and
// are served by the HTTP layer under /metrics.
var (
	queuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simplemedia_queue_pending",
		Help: "Optimization jobs accepted but not yet started.",
	})
	queueActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simplemedia_queue_active_workers",
		Help: "Optimization workers currently running a job.",
	})
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplemedia_jobs_total",
		Help: "Optimization jobs by outcome.",
	}, []string{"outcome"})
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "simplemedia_job_duration_seconds",
		Help:    "Wall time of optimization jobs that started.",
		Buckets: prometheus.DefBuckets,
	})
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplemedia_ingest_total",
		Help: "Ingestion requests by result.",
	}, []string{"result"})
	problemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplemedia_problems_total",
		Help: "Problems reported by the problem scanner, by code.",
	}, []string{"code"})
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplemedia_record_cache_lookups_total",
		Help: "Record cache lookups by result.",
	}, []string{"result"})
)

// Job outcomes for simplemedia_jobs_total.
const (
	outcomeDone      = "done"
	outcomeFailed    = "failed"
	outcomeTimeout   = "timeout"
	outcomeExpired   = "queue_timeout"
	outcomeAbandoned = "abandoned"
)
