package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_delivery_attempts_total",
			Help: "Recorded delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_send_latency_seconds",
			Help:    "Provider send call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	reschedules = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_dispatch_reschedules_total",
			Help: "Sends deferred without consuming an attempt, by reason",
		},
		[]string{"channel", "reason"},
	)

	lockReleases = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_dispatch_lock_releases_total",
			Help: "Claims handed back because another worker held the recipient lock",
		},
	)

	retryDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_retry_decisions_total",
			Help: "Retry engine decisions by channel and kind",
		},
		[]string{"channel", "decision"},
	)

	campaignTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_campaign_transitions_total",
			Help: "Campaign state transitions",
		},
		[]string{"from", "to"},
	)

	rateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_rate_limit_denials_total",
			Help: "Sends denied by the rate limiter",
		},
		[]string{"channel"},
	)

	automationFirings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_automation_firings_total",
			Help: "Automation rule evaluations by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	automationActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_automation_actions_total",
			Help: "Executed automation actions by type and status",
		},
		[]string{"type", "status"},
	)

	isolationViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_tenant_isolation_violations_total",
			Help: "Cross-tenant references detected",
		},
		[]string{"entity"},
	)

	callbackDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_status_callback_duplicates_total",
			Help: "Provider status callbacks dropped as duplicates",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outreach_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	eventsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outreach_events_in_flight",
			Help: "Events received from the queue and not yet acknowledged",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordAttempt counts a DeliveryAttempt row.
func RecordAttempt(channel, outcome string) {
	deliveryAttempts.WithLabelValues(channel, outcome).Inc()
}

func RecordSendLatency(channel string, latency time.Duration) {
	sendLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordReschedule reasons: window, rate_limit, paused, limiter_unavailable.
func RecordReschedule(channel, reason string) {
	reschedules.WithLabelValues(channel, reason).Inc()
}

func RecordLockRelease() {
	lockReleases.Inc()
}

func RecordRetryDecision(channel, decision string) {
	retryDecisions.WithLabelValues(channel, decision).Inc()
}

func RecordCampaignTransition(from, to string) {
	campaignTransitions.WithLabelValues(from, to).Inc()
}

func RecordRateLimitDenial(channel string) {
	rateLimitDenials.WithLabelValues(channel).Inc()
}

// RecordAutomationFiring results: fired, duplicate, no_match.
func RecordAutomationFiring(trigger, result string) {
	automationFirings.WithLabelValues(trigger, result).Inc()
}

func RecordAutomationAction(actionType, status string) {
	automationActions.WithLabelValues(actionType, status).Inc()
}

func RecordIsolationViolation(entity string) {
	isolationViolations.WithLabelValues(entity).Inc()
}

func RecordCallbackDuplicate() {
	callbackDuplicates.Inc()
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

func SetEventsInFlight(count int) {
	eventsInFlight.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by the chi route pattern, so
// ids in paths do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
