// Package metrics exposes Prometheus instruments for dispatch and webhook
// processing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wa_jobs_submitted_total",
		Help: "The total number of submitted bulk jobs",
	})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_jobs_finished_total",
		Help: "The total number of finished bulk jobs",
	}, []string{"status"})

	SendAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_send_attempts_total",
		Help: "Provider send attempts by outcome",
	}, []string{"outcome"}) // outcome: sent, retried, failed, aborted

	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wa_send_duration_seconds",
		Help:    "Duration of provider send calls.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wa_sends_in_flight",
		Help: "Provider send calls currently in flight",
	})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wa_webhook_events_total",
		Help: "Webhook status events by status and correlation outcome",
	}, []string{"status", "outcome"})

	JobsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wa_jobs_purged_total",
		Help: "Finished jobs removed by retention",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
