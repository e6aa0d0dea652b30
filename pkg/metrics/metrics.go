package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydeck_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// TokenRevocations counts refresh-token revocations by reason.
	TokenRevocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydeck_token_revocations_total",
			Help: "Total number of refresh token revocations",
		},
		[]string{"reason"},
	)

	// ActiveSessions tracks active sessions (not expired/revoked).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "querydeck_active_sessions",
			Help: "Number of active login sessions",
		},
	)

	// SuspiciousSessions counts sessions flagged by anomaly detection.
	SuspiciousSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_suspicious_sessions_total",
			Help: "Number of sessions flagged as suspicious",
		},
	)

	// RateLimitRejections counts requests rejected by the rate limiter, by tier.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydeck_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"tier", "category"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querydeck_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
