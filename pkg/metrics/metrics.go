package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Generation metrics
	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_generations_total",
			Help: "Total number of generation attempts",
		},
		[]string{"provider", "model", "status"}, // status: success|error|cached
	)

	GenerationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelmux_generation_latency_seconds",
			Help:    "Generation latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	GenerationCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_generation_cost_usd",
			Help: "Total generation cost in USD",
		},
		[]string{"provider", "model"},
	)

	GenerationTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_generation_tokens_total",
			Help: "Total tokens consumed by generations",
		},
		[]string{"provider", "model", "type"}, // type: input|output
	)

	// Cache metrics
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_cache_lookups_total",
			Help: "Total response cache lookups",
		},
		[]string{"result"}, // result: hit|miss
	)

	// Fallback metrics
	FallbackAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_fallback_attempts_total",
			Help: "Total fallback chain attempts",
		},
		[]string{"provider", "status"}, // status: success|error
	)

	// Health metrics
	ProviderUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelmux_provider_up",
			Help: "Provider health probe result (0=down, 1=up)",
		},
		[]string{"provider"},
	)
)

// Init registers all metrics with Prometheus
func Init() {
	prometheus.MustRegister(GenerationsTotal)
	prometheus.MustRegister(GenerationLatency)
	prometheus.MustRegister(GenerationCost)
	prometheus.MustRegister(GenerationTokens)
	prometheus.MustRegister(CacheLookups)
	prometheus.MustRegister(FallbackAttempts)
	prometheus.MustRegister(ProviderUp)
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordGeneration records one generation attempt against a provider.
func RecordGeneration(provider, model string, latency time.Duration, cost float64, inputTokens, outputTokens int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	GenerationsTotal.WithLabelValues(provider, model, status).Inc()
	GenerationLatency.WithLabelValues(provider, model).Observe(latency.Seconds())

	if cost > 0 {
		GenerationCost.WithLabelValues(provider, model).Add(cost)
	}

	if inputTokens > 0 {
		GenerationTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		GenerationTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordCacheHit records a generation served from the response cache.
func RecordCacheHit(provider, model string) {
	GenerationsTotal.WithLabelValues(provider, model, "cached").Inc()
	CacheLookups.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a cache lookup that fell through to a provider.
func RecordCacheMiss() {
	CacheLookups.WithLabelValues("miss").Inc()
}

// RecordFallbackAttempt records one step of a fallback chain.
func RecordFallbackAttempt(provider string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	FallbackAttempts.WithLabelValues(provider, status).Inc()
}

// SetProviderUp records a health probe result.
func SetProviderUp(provider string, up bool) {
	value := 0.0
	if up {
		value = 1.0
	}
	ProviderUp.WithLabelValues(provider).Set(value)
}
