package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UploadsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uploads_submitted_total",
		Help: "Total number of accepted CSV uploads",
	}, []string{"platform"})

	UploadsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uploads_rejected_total",
		Help: "Total number of CSV uploads rejected at submission",
	}, []string{"reason"})

	UploadsFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uploads_finalized_total",
		Help: "Total number of uploads that reached a terminal status",
	}, []string{"status"})

	ChunksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chunks_processed_total",
		Help: "Total number of chunk processing attempts by outcome",
	}, []string{"status"})

	RowsPersistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rows_persisted_total",
		Help: "Total number of CSV rows persisted as surveys",
	})

	RowsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rows_rejected_total",
		Help: "Total number of CSV rows rejected by validation",
	})

	ChunkProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chunk_processing_latency_seconds",
		Help:    "Latency of processing one chunk",
		Buckets: prometheus.DefBuckets,
	})

	QueueJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_total",
		Help: "Total number of queue jobs by result",
	}, []string{"queue", "result"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Number of queue jobs per state",
	}, []string{"queue", "state"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
