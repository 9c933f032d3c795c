// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal             *prometheus.CounterVec
	bytesTotal             *prometheus.CounterVec
	jobsTotal              *prometheus.CounterVec
	activeJobs             prometheus.Gauge
	fetchDurationSeconds   *prometheus.HistogramVec
	gateWaitSeconds        prometheus.Histogram
	webhookDeliveriesTotal *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legalcrawl_pages_total",
				Help: "Pages processed, labeled by outcome (crawled, failed, skipped).",
			},
			[]string{"outcome"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legalcrawl_bytes_total",
				Help: "Bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legalcrawl_jobs_total",
				Help: "Jobs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "legalcrawl_active_jobs",
				Help: "Jobs currently running in this process.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "legalcrawl_fetch_duration_seconds",
				Help:    "HTTP fetch latency, labeled by status class.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"class"},
		)

		gateWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "legalcrawl_gate_wait_seconds",
				Help:    "Time spent waiting at the politeness gate.",
				Buckets: []float64{.001, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
			},
		)

		webhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legalcrawl_webhook_deliveries_total",
				Help: "Webhook delivery outcomes.",
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// PageOutcome counts one page with the given outcome label.
func PageOutcome(outcome string) {
	if pagesTotal != nil {
		pagesTotal.WithLabelValues(outcome).Inc()
	}
}

// BytesFetched adds fetched bytes for a host.
func BytesFetched(host string, n int) {
	if bytesTotal != nil {
		bytesTotal.WithLabelValues(host).Add(float64(n))
	}
}

// JobFinished counts a terminal job status.
func JobFinished(status string) {
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(status).Inc()
	}
}

// JobStarted and JobDone track the running-jobs gauge.
func JobStarted() {
	if activeJobs != nil {
		activeJobs.Inc()
	}
}

// JobDone decrements the running-jobs gauge.
func JobDone() {
	if activeJobs != nil {
		activeJobs.Dec()
	}
}

// FetchObserved records one fetch latency under a status class like "2xx".
func FetchObserved(class string, d time.Duration) {
	if fetchDurationSeconds != nil {
		fetchDurationSeconds.WithLabelValues(class).Observe(d.Seconds())
	}
}

// GateWait records time spent blocked at the politeness gate.
func GateWait(d time.Duration) {
	if gateWaitSeconds != nil {
		gateWaitSeconds.Observe(d.Seconds())
	}
}

// WebhookDelivery counts a delivery outcome.
func WebhookDelivery(outcome string) {
	if webhookDeliveriesTotal != nil {
		webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
	}
}
