package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallbackEvents tracks inbound webhook notifications by outcome
	// Labels: outcome (synced/deleted/bad_request/error), entity
	CallbackEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cwmirror_callback_events_total",
		Help: "Total number of inbound callback events processed",
	}, []string{"outcome", "entity"})

	// CallbackDuration tracks end-to-end latency of a single-record refresh
	// triggered by a webhook, from receipt to committed local write
	CallbackDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cwmirror_callback_duration_seconds",
		Help:    "Time taken to process one inbound callback event",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome", "entity"})

	// CallbackRegistrations tracks register/deregister calls against
	// the remote subscription API
	CallbackRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cwmirror_callback_registrations_total",
		Help: "Total number of webhook subscription changes pushed to ConnectWise",
	}, []string{"action", "type"}) // action: register, deregister
)
