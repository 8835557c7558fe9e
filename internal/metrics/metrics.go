package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ObjectsUploaded counts objects written to the object store, by path
	// (immediate or queued)
	ObjectsUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportsync_objects_uploaded_total",
			Help: "Total number of objects written to the object store",
		},
		[]string{"path"},
	)

	// DedupHits counts uploads skipped because a matching object existed
	DedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportsync_dedup_hits_total",
			Help: "Total number of uploads skipped because the object already existed",
		},
		[]string{"path"},
	)

	ItemFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportsync_item_failures_total",
			Help: "Total number of failed item uploads by classified kind",
		},
		[]string{"path", "kind"},
	)

	BatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportsync_batch_outcomes_total",
			Help: "Total number of coordinator batches by outcome",
		},
		[]string{"mode", "outcome"},
	)

	UploadLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportsync_upload_seconds",
			Help:    "Object upload latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	// TaskResults counts durable task executions by result
	TaskResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportsync_task_results_total",
			Help: "Total number of durable retry task executions by result",
		},
		[]string{"result"},
	)

	TasksEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportsync_tasks_enqueued_total",
			Help: "Total number of durable retry tasks enqueued",
		},
	)

	CacheFilesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportsync_cache_files_deleted_total",
			Help: "Total number of local cache files deleted",
		},
		[]string{"reason"},
	)
)
