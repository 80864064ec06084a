package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dlqEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendgraph_dlq_events_total",
		Help: "Dead letter events by outcome (enqueued, processed, retried, failed).",
	}, []string{"outcome"})

	cacheWriteFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendgraph_cache_write_failures_total",
		Help: "Cache mirror writes that fell back to the dead letter queue.",
	}, []string{"kind"})

	rebuildRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendgraph_rebuild_rows_total",
		Help: "Source rows written to the cache by rebuild, per phase.",
	}, []string{"phase"})

	dlqTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "friendgraph_dlq_tick_duration_seconds",
		Help:    "Duration of one dead letter reprocessing tick.",
		Buckets: prometheus.DefBuckets,
	})
)
