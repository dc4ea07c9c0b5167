package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dzvin",
		Name:      "webhook_total",
		Help:      "Inbound payment webhooks by outcome",
	}, []string{"outcome"})

	DonationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dzvin",
		Name:      "donations_total",
		Help:      "Donation registrations by result",
	}, []string{"result"})

	CacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dzvin",
		Name:      "content_cache_total",
		Help:      "Content cache lookups by language and result",
	}, []string{"lang", "result"})

	TranslateCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dzvin",
		Name:      "translate_calls_total",
		Help:      "Translation provider batch calls by status",
	}, []string{"status"})

	EmailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dzvin",
		Name:      "receipt_email_total",
		Help:      "Receipt email sends by status",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(
		WebhookTotal, DonationsTotal, CacheTotal, TranslateCalls, EmailTotal,
	)
}
