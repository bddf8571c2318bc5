package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/quorumledger/internal/approval"
	"github.com/jmerrifield20/quorumledger/internal/ledger"
)

var (
	quorumRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	quorumRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quorum_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	quorumLedgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_ledger_appends_total",
		Help: "Total audit ledger entries appended by action.",
	}, []string{"action"})

	quorumLedgerAppendRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_ledger_append_retries_total",
		Help: "Total append attempts lost to a concurrent commit.",
	})

	quorumLedgerTailSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quorum_ledger_tail_sequence",
		Help: "Sequence number of the most recent ledger entry.",
	})

	quorumVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_ledger_verifications_total",
		Help: "Total chain verification runs by outcome.",
	}, []string{"outcome"})

	quorumVerificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quorum_ledger_verification_duration_seconds",
		Help:    "Duration of full chain verification runs.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	quorumApprovalTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_approval_transitions_total",
		Help: "Total approval request transitions by ledger action and resulting status.",
	}, []string{"action", "status"})

	quorumGrantEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_access_grant_events_total",
		Help: "Total access grant events by ledger action.",
	}, []string{"action"})

	quorumExecutorDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_executor_deliveries_total",
		Help: "Total execution orders delivered by action and success status.",
	}, []string{"action", "status"})

	quorumRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_http_rate_limited_total",
		Help: "Total requests rejected by the per-client rate limiter.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		quorumRequestsTotal.WithLabelValues(method, path, status).Inc()
		quorumRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLedgerAppend records an appended entry. It is a ledger.AppendObserver.
func RecordLedgerAppend(e *ledger.Entry, attempts int) {
	quorumLedgerAppendsTotal.WithLabelValues(e.Action).Inc()
	if attempts > 1 {
		quorumLedgerAppendRetriesTotal.Add(float64(attempts - 1))
	}
	quorumLedgerTailSequence.Set(float64(e.Sequence))
}

// RecordVerification records a chain verification run.
func RecordVerification(outcome string, d time.Duration) {
	quorumVerificationsTotal.WithLabelValues(outcome).Inc()
	quorumVerificationDuration.Observe(d.Seconds())
}

// RecordApprovalTransition records an approval request transition.
func RecordApprovalTransition(action string, status approval.Status) {
	quorumApprovalTransitionsTotal.WithLabelValues(action, string(status)).Inc()
}

// RecordGrantEvent records an access grant being issued or revoked.
func RecordGrantEvent(action string) {
	quorumGrantEventsTotal.WithLabelValues(action).Inc()
}

// RecordExecutorDelivery records an execution order delivery attempt.
func RecordExecutorDelivery(action string, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	quorumExecutorDeliveriesTotal.WithLabelValues(action, status).Inc()
}
