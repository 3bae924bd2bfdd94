package ocr

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	backendCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocr_backend_calls_total",
			Help: "OCR backend calls by backend and outcome.",
		},
		[]string{"backend", "outcome"}, // ok|error|timeout
	)
	backendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocr_backend_duration_seconds",
			Help:    "OCR backend call latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(backendCalls, backendLatency)
}

func observe(backend string, d time.Duration, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	backendCalls.WithLabelValues(backend, outcome).Inc()
	backendLatency.WithLabelValues(backend).Observe(d.Seconds())
}
