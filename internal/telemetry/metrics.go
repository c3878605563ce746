/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reckless_api_requests_total",
		Help: "Total HTTP API requests",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reckless_api_request_duration_seconds",
		Help:    "HTTP API request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reckless_api_active_connections",
		Help: "Currently active HTTP connections",
	})

	// SessionsActive tracks currently open payment sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reckless_payment_sessions_active",
		Help: "Currently open viewer payment sessions",
	})

	// SessionMessagesTotal counts inbound session messages by type.
	SessionMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reckless_session_messages_total",
		Help: "Inbound payment session messages",
	}, []string{"type"})

	// InvoicesIssuedTotal counts Lightning invoices created for viewers.
	InvoicesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reckless_invoices_issued_total",
		Help: "Lightning invoices issued",
	})

	// SettlementsTotal counts settlement events by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reckless_settlements_total",
		Help: "Settlement events processed, by outcome",
	}, []string{"outcome"})

	// TokensGrantedTotal counts stream tokens created or extended.
	TokensGrantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reckless_stream_tokens_granted_total",
		Help: "Stream tokens created or extended",
	}, []string{"kind"})

	// NodeConnectionsActive tracks pooled Lightning node connections.
	NodeConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reckless_node_connections_active",
		Help: "Active pooled Lightning node connections",
	})

	// NodeReconnectsTotal counts settlement feed reconnect attempts.
	NodeReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reckless_node_reconnects_total",
		Help: "Settlement subscription reconnect attempts",
	})

	// LivenessTicksTotal counts liveness reconciliation ticks.
	LivenessTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reckless_liveness_ticks_total",
		Help: "Liveness reconciler ticks",
	})

	// LivenessRepairsTotal counts reconciliation actions by kind.
	LivenessRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reckless_liveness_repairs_total",
		Help: "Liveness reconciliation repairs, by action",
	}, []string{"action"})

	// LeaderElectionStatus reports whether this instance holds the lease.
	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reckless_leader_election_status",
		Help: "1 when this instance is the leader",
	}, []string{"instance"})

	// LeaderElectionChanges counts leadership transitions.
	LeaderElectionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reckless_leader_election_changes_total",
		Help: "Leadership transitions, by direction",
	}, []string{"instance", "change"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
