// Package metrics owns the Prometheus registry and the instruments the
// serving paths record into.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridtiles/server/internal/cache"
)

// Provider bundles the registry with the server's instruments. Serving
// paths treat a nil Provider as metrics disabled.
type Provider struct {
	registry *prometheus.Registry

	RenderSeconds *prometheus.HistogramVec
	ChunkSeconds  *prometheus.HistogramVec
	RequestsTotal *prometheus.CounterVec
}

// New creates a registry with the runtime collectors and the serving
// instruments registered.
func New(namespace string) *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	p := &Provider{
		registry: reg,
		RenderSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_seconds",
			Help:      "Wall-clock time of tile renders, by dataset.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"dataset"}),
		ChunkSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_encode_seconds",
			Help:      "Wall-clock time of chunk extract and encode, by dataset.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"dataset"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Served HTTP requests by route class and status.",
		}, []string{"route", "status"}),
	}
	reg.MustRegister(p.RenderSeconds, p.ChunkSeconds, p.RequestsTotal)
	return p
}

// ObserveCache exposes cache counters as collector-backed metrics reading
// the given snapshot function at scrape time.
func (p *Provider) ObserveCache(namespace string, stats func() cache.Stats) {
	if p == nil {
		return
	}
	p.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Cache lookups that found an entry.",
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total",
			Help: "Cache lookups that found nothing.",
		}, func() float64 { return float64(stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_evictions_total",
			Help: "Entries dropped to stay under the payload budget.",
		}, func() float64 { return float64(stats().Evictions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_payload_bytes",
			Help: "Bytes resident in the payload tier.",
		}, func() float64 { return float64(stats().PayloadBytes) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_payload_entries",
			Help: "Entries resident in the payload tier.",
		}, func() float64 { return float64(stats().PayloadEntries) }),
	)
}

// Handler serves the registry in exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }
