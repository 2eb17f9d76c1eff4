package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of accepted order status transitions",
	}, []string{"from", "to"})

	InvalidTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invalid_transitions_total",
		Help: "Total number of rejected status transitions",
	}, []string{"entity"})

	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assignments_total",
		Help: "Total number of driver assignment attempts",
	}, []string{"kind", "result"})

	AssignmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "assignment_latency_seconds",
		Help:    "Latency of driver assignment operations",
		Buckets: prometheus.DefBuckets,
	})

	DriverReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driver_releases_total",
		Help: "Total number of driver releases",
	})

	StalledBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stalled_batches_total",
		Help: "Total number of in-progress batches left without a driver",
	})

	BatchesCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batches_completed_total",
		Help: "Total number of completed batches",
	}, []string{"trigger"})

	CartMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_mutations_total",
		Help: "Total number of authoritative cart mutations",
	}, []string{"kind", "result"})

	CartReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_reconciliations_total",
		Help: "Total number of client cart reconciliations",
	}, []string{"outcome"})

	NotificationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_failed_total",
		Help: "Total number of status notifications that could not be delivered",
	}, []string{"event"})

	EventRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "event_retries_total",
		Help: "Total number of failed event handler attempts that were retried",
	})

	DispatchSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_sweeps_total",
		Help: "Total number of automatic dispatch sweep results",
	}, []string{"result"})

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
