// Package telemetry provides observability primitives for the cache engine.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the cache engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Emissions     *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	StoreErrors   *prometheus.CounterVec
	Corruptions   prometheus.Counter
	Evicted       prometheus.Counter
	Flushed       prometheus.Counter
	PayloadBytes  prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Emissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stalecache",
			Name:      "emissions_total",
			Help:      "Total responses emitted, by cache status.",
		}, []string{"status"}),

		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "stalecache",
			Name:                            "fetch_duration_seconds",
			Help:                            "Network fetch duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"outcome"}),

		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stalecache",
			Name:      "store_errors_total",
			Help:      "Total store errors absorbed by the engine, by operation.",
		}, []string{"op"}),

		Corruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stalecache",
			Name:      "corruptions_total",
			Help:      "Total payloads that could not be decoded.",
		}),

		Evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stalecache",
			Name:      "evicted_rows_total",
			Help:      "Total rows removed by age-based eviction.",
		}),

		Flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stalecache",
			Name:      "flushed_rows_total",
			Help:      "Total rows removed by flushes.",
		}),

		PayloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stalecache",
			Name:      "payload_bytes",
			Help:      "Size of encoded payloads written to the store.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),
	}

	reg.MustRegister(
		m.Emissions,
		m.FetchDuration,
		m.StoreErrors,
		m.Corruptions,
		m.Evicted,
		m.Flushed,
		m.PayloadBytes,
	)

	return m
}

func (m *Metrics) Emitted(status string) {
	if m == nil {
		return
	}
	m.Emissions.WithLabelValues(status).Inc()
}

func (m *Metrics) Fetched(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Corrupted() {
	if m == nil {
		return
	}
	m.Corruptions.Inc()
}

func (m *Metrics) RowsEvicted(n int64) {
	if m == nil {
		return
	}
	m.Evicted.Add(float64(n))
}

func (m *Metrics) RowsFlushed(n int64) {
	if m == nil {
		return
	}
	m.Flushed.Add(float64(n))
}

func (m *Metrics) PayloadWritten(n int) {
	if m == nil {
		return
	}
	m.PayloadBytes.Observe(float64(n))
}
