/*
Package observability exposes Prometheus metrics for the guard
service's gates, using the real client_golang registry instead of a
hand-rolled one: promauto for registration, promhttp for the /metrics
handler.
*/
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram the gates record against.
type Metrics struct {
	RateLimitChecks     *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec
	Bans                *prometheus.CounterVec
	ViolationCount      *prometheus.CounterVec
	ChallengeIssued     *prometheus.CounterVec
	ChallengeValidated  *prometheus.CounterVec
	BotCheckFailures    prometheus.Counter
	CostThrottleEvents  *prometheus.CounterVec
	WebhookRejections   *prometheus.CounterVec
	RetryAfterSeconds   *prometheus.HistogramVec
	RequestDuration     *prometheus.HistogramVec
	StoreErrors         *prometheus.CounterVec
}

// New registers and returns the full metric set against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RateLimitChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guard",
			Subsystem: "ratelimit",
			Name:      "checks_total",
			Help:      "Total rate-limit checks performed, by scope and outcome.",
		}, []string{"scope", "outcome"}),

		RateLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guard",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total requests rejected by the rate limiter, by scope.",
		}, []string{"scope"}),

		Bans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guard",
			Subsystem: "ratelimit",
			Name:      "bans_total",
			Help:      "Total progressive bans issued, by scope.",
		}, []string{"scope"}),

		ViolationCount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guard",
			Subsystem: "ratelimit",
			Name:      "violations_total",
			Help:      "Total violation events recorded for ban escalation, by scope.",
		}, []string{"scope"}),

		ChallengeIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guard",
			Subsystem: "challenge",
			Name:      "issued_total",
			Help:      "Total challenges issued, by outcome kind.",
		}, []string{"outcome"}),

		ChallengeValidated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guard",
			Subsystem: "challenge",
			Name:      "validated_total",
			Help:      "Total challenge validations, by outcome kind.",
		}, []string{"outcome"}),

		BotCheckFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "guard",
			Subsystem: "botcheck",
			Name:      "failures_total",
			Help:      "Total bot-check verification failures.",
		}),

		CostThrottleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guard",
			Subsystem: "costguard",
			Name:      "throttle_events_total",
			Help:      "Total cost-throttle events, by outcome kind.",
		}, []string{"outcome"}),

		WebhookRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guard",
			Subsystem: "webhook",
			Name:      "rejections_total",
			Help:      "Total webhook authentication rejections, by reason.",
		}, []string{"reason"}),

		RetryAfterSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guard",
			Subsystem: "ratelimit",
			Name:      "retry_after_seconds",
			Help:      "Distribution of retry-after values returned to rejected clients.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}, []string{"scope"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guard",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration by route and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status_class"}),

		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guard",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Total store operation errors, by op.",
		}, []string{"op"}),
	}
}

// Handler returns the standard Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
