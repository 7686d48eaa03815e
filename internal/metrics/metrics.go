package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for monitoring service health and performance
var (
	WebhookEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of webhook events received",
		},
	)

	WebhookEventsMatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_events_matched_total",
			Help: "Total number of webhook events mapped to a device",
		},
	)

	WebhookEventsQuarantinedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_events_quarantined_total",
			Help: "Total number of webhook events quarantined as unmappable",
		},
	)

	WebhookEventsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_events_rejected_total",
			Help: "Total number of webhook events rejected by auth or validation",
		},
	)

	TokensIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tokens_issued_total",
			Help: "Total number of single-use tokens issued",
		},
	)

	TokenRedemptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "token_redemptions_total",
			Help: "Total number of successful token redemptions",
		},
	)

	TokenRedemptionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "token_redemption_failures_total",
			Help: "Total number of failed token redemptions (missing, expired, or replayed)",
		},
	)

	ClipUploadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clip_uploads_total",
			Help: "Total number of audio clips accepted",
		},
	)

	StoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Total number of state store failures",
		},
	)

	WebhookProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_processing_duration_seconds",
			Help:    "Duration of webhook event processing",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(WebhookEventsMatchedTotal)
	prometheus.MustRegister(WebhookEventsQuarantinedTotal)
	prometheus.MustRegister(WebhookEventsRejectedTotal)
	prometheus.MustRegister(TokensIssuedTotal)
	prometheus.MustRegister(TokenRedemptionsTotal)
	prometheus.MustRegister(TokenRedemptionFailuresTotal)
	prometheus.MustRegister(ClipUploadsTotal)
	prometheus.MustRegister(StoreErrorsTotal)
	prometheus.MustRegister(WebhookProcessingDuration)
}
