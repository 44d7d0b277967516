package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	casesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psf_cases_total",
			Help: "Total number of processed cases by final status.",
		},
		[]string{"status"},
	)

	caseDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "psf_case_duration_seconds",
			Help:    "Wall-clock duration of one case from load to finalize.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	timestepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "psf_timesteps_total",
			Help: "Total number of propagated timesteps.",
		},
	)

	deviceRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "psf_device_retries_total",
			Help: "Total number of per-timestep device retries.",
		},
	)

	activeCases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "psf_active_cases",
			Help: "Number of cases currently being processed.",
		},
	)
)

func init() {
	prometheus.MustRegister(casesTotal)
	prometheus.MustRegister(caseDurationSeconds)
	prometheus.MustRegister(timestepsTotal)
	prometheus.MustRegister(deviceRetriesTotal)
	prometheus.MustRegister(activeCases)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCase records the completion of one case.
func RecordCase(status string, duration time.Duration) {
	casesTotal.WithLabelValues(status).Inc()
	caseDurationSeconds.Observe(duration.Seconds())
}

// IncTimesteps counts one propagated timestep.
func IncTimesteps() {
	timestepsTotal.Inc()
}

// IncDeviceRetries counts one device retry.
func IncDeviceRetries() {
	deviceRetriesTotal.Inc()
}

// CaseStarted increments the in-flight case gauge.
func CaseStarted() { activeCases.Inc() }

// CaseEnded decrements the in-flight case gauge.
func CaseEnded() { activeCases.Dec() }
