// Package metrics holds the prometheus collectors shared by the sync and settlement components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PendingRequests is the number of correlated requests awaiting a response.
	PendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "merchant_rpc_pending_requests",
		Help: "Requests sent and not yet resolved or rejected",
	})

	// RequestOutcomes counts request resolutions by outcome kind (ok, protocol, timeout, ...).
	RequestOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merchant_rpc_request_outcomes_total",
		Help: "Resolved requests by outcome kind",
	}, []string{"kind"})

	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "merchant_ws_reconnect_attempts_total",
		Help: "Reconnection attempts made by the supervisor",
	})

	TransportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merchant_ws_transport_errors_total",
		Help: "Inbound frames rejected or socket failures",
	}, []string{"reason"})

	PushOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merchant_push_dispatch_total",
		Help: "Push events by dispatch outcome",
	}, []string{"event", "outcome"})

	BatchFlushSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "merchant_batch_flush_size",
		Help:    "Number of orders written per batch flush",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"order_type"})

	SettlementOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merchant_settlement_outcomes_total",
		Help: "Settlement attempts by order type and outcome",
	}, []string{"order_type", "outcome"})
)

func init() {
	prometheus.MustRegister(PendingRequests, RequestOutcomes)
	prometheus.MustRegister(ReconnectAttempts, TransportErrors)
	prometheus.MustRegister(PushOutcomes, BatchFlushSize, SettlementOutcomes)
}
