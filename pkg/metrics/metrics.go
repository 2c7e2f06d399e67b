package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsSynced tracks per-entity throughput of the synchronizer
	// Labels: result (created/updated/unchanged/deleted/error), entity
	RecordsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cwmirror_records_synced_total",
		Help: "Total number of records processed by the synchronizer",
	}, []string{"result", "entity"})

	// SyncDuration measures how long one entity-type sync job takes
	// Use this to spot degradation on the ConnectWise side or in Postgres
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cwmirror_sync_duration_seconds",
		Help:    "Duration of one entity-type sync job in seconds",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"entity", "mode"}) // mode: full, partial

	// PagesFetched counts REST pages pulled per entity type
	PagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cwmirror_pages_fetched_total",
		Help: "Total number of result pages fetched from the ConnectWise API",
	}, []string{"entity"})

	// APIRetries counts transient-failure retries issued by the API client.
	// Frequent increments indicate instability on the ConnectWise side
	APIRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cwmirror_api_retries_total",
		Help: "Total number of retried ConnectWise API requests",
	})

	// StaleDeleted counts records removed by the stale-deletion pass
	StaleDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cwmirror_stale_deleted_total",
		Help: "Total number of local records deleted because they vanished upstream",
	}, []string{"entity"})

	// HealthStatus provides a binary 0/1 signal for the service's health
	// 1 = Healthy, 0 = Unhealthy (broker link down or last sync run failed)
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cwmirror_healthy",
		Help: "Current health status of the mirror (1 for healthy, 0 for unhealthy)",
	})
)
