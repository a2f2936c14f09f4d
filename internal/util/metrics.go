package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procurement_orders_created_total",
		Help: "Total number of purchase orders created",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "procurement_order_transitions_total",
		Help: "Total number of committed order status transitions",
	}, []string{"action", "status"})

	QuotationsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procurement_quotations_submitted_total",
		Help: "Total number of quotations submitted",
	})

	QuotationDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "procurement_quotation_decisions_total",
		Help: "Total number of quotations leaving the pending status",
	}, []string{"status"})

	TransitionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "procurement_transition_conflicts_total",
		Help: "Total number of requests that lost a race or hit an illegal transition",
	}, []string{"action", "code"})

	InvoicesGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procurement_invoices_generated_total",
		Help: "Total number of invoices generated",
	})

	DeliveryUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "procurement_delivery_updates_total",
		Help: "Total number of delivery stage updates",
	}, []string{"stage", "correction"})

	MessagesAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "procurement_messages_appended_total",
		Help: "Total number of messages appended to order logs",
	}, []string{"type"})

	OrderLockLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "procurement_order_lock_latency_seconds",
		Help:    "Latency of locked order read-modify-write units",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "procurement_events_published_total",
		Help: "Total number of realtime events published",
	}, []string{"type", "transport"})

	EventPublishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "procurement_event_publish_failures_total",
		Help: "Total number of realtime events that failed to publish",
	}, []string{"transport"})

	RealtimeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "procurement_realtime_sessions",
		Help: "Number of connected websocket sessions",
	})

	IdempotentReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procurement_idempotent_replays_total",
		Help: "Total number of responses replayed for a repeated Idempotency-Key",
	})

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
