// Package metrics defines prometheus metric types for the session manager
// and tag runtime. Metrics are auto-registered against the default
// registry on package load, the way the teacher's pack registers metrics;
// callers wire the default registry into their own /metrics handler, this
// package does not serve one itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsInFlight tracks the number of CIP requests a session has sent
	// but not yet received a reply for.
	RequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plctag_requests_in_flight",
			Help: "CIP requests awaiting a reply, by session gateway.",
		}, []string{"gateway"})

	// RequestLatency tracks round-trip time from request send to reply
	// delivery, by request kind ("unconnected" or "connected").
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "plctag_request_latency_seconds",
			Help: "CIP request round-trip latency distribution.",
			Buckets: []float64{
				0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5,
			},
		}, []string{"service"})

	// CIPStatusTotal counts replies by their general CIP status code.
	CIPStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plctag_cip_status_total",
			Help: "CIP replies received, by general status code.",
		}, []string{"status"})

	// SessionRegistrations counts successful RegisterSession completions.
	SessionRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plctag_session_registrations_total",
			Help: "Successful EtherNet/IP session registrations, by gateway.",
		}, []string{"gateway"})

	// SessionFailures counts session establishment failures, by the stage
	// they occurred at ("dial" or "register").
	SessionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plctag_session_failures_total",
			Help: "Session establishment failures, by stage.",
		}, []string{"gateway", "stage"})

	// ActiveSessions tracks the number of live, reference-counted sessions
	// held by the registry.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plctag_active_sessions",
			Help: "Currently open EtherNet/IP sessions.",
		})

	// ActiveTags tracks the number of live tag handles in the handle table.
	ActiveTags = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plctag_active_tags",
			Help: "Currently allocated tag handles.",
		})
)
