package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters of the hot pipeline paths, labeled with closed enum values only
// (never per-user or per-image labels, which would explode cardinality).
var (
	UploadsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yorutsuke_uploads_started_total",
		Help: "Count of receipt uploads dispatched to the object store.",
	})
	UploadsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yorutsuke_uploads_failed_total",
		Help: "Count of receipt uploads that failed, by error kind.",
	}, []string{"kind"})
	QuotaRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yorutsuke_quota_rejections_total",
		Help: "Count of uploads rejected by quota enforcement, by reason.",
	}, []string{"reason"})
	BatchJobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yorutsuke_batch_jobs_submitted_total",
		Help: "Count of OCR batch jobs submitted to the vendor.",
	})
	ResultsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yorutsuke_results_ingested_total",
		Help: "Count of OCR results ingested, by disposition.",
	}, []string{"disposition"})
	SyncPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yorutsuke_sync_pushes_total",
		Help: "Count of transaction rows pushed, by outcome.",
	}, []string{"outcome"})
	SyncPullsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yorutsuke_sync_pulls_total",
		Help: "Count of transaction rows pulled and merged.",
	})
	PresignsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yorutsuke_presigns_issued_total",
		Help: "Count of presigned upload URLs issued by the gateway.",
	})
)
