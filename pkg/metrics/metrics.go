package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EmailVerifications records verification attempts by outcome
	// (succeeded|failed|expired|redundant|stymied|missing).
	EmailVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gratipay_email_verifications_total",
			Help: "Total number of email verification attempts",
		},
		[]string{"result"},
	)

	// QueuedEmails counts messages spooled into the outbound email queue.
	QueuedEmails = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gratipay_queued_emails_total",
			Help: "Total number of emails spooled for delivery",
		},
		[]string{"template"},
	)

	// FlushedEmails counts messages delivered out of the queue.
	FlushedEmails = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gratipay_flushed_emails_total",
			Help: "Total number of spooled emails delivered",
		},
	)

	// PackageClaims counts teams created or looked up for npm packages.
	PackageClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gratipay_package_claims_total",
			Help: "Total number of package claim resolutions",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gratipay_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
