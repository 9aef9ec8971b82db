// Package orchestrator routes generation requests to provider
// adapters and threads every call through the response cache and the
// audit recorder. Provider and model resolution, cost accounting and
// fallback policy all live here; adapters stay dumb transports.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/recorder"
	"github.com/modelmux/modelmux/pkg/metrics"
)

// Defaults fill what a request leaves unset. Provider may be empty,
// in which case requests without an explicit provider fail.
type Defaults struct {
	Provider  string
	MaxTokens int
}

type Orchestrator struct {
	registry *provider.Registry
	cache    cache.Store
	recorder recorder.Recorder
	defaults Defaults
	logger   zerolog.Logger
	tracer   trace.Tracer
}

func New(registry *provider.Registry, store cache.Store, rec recorder.Recorder, defaults Defaults, logger zerolog.Logger, tracer trace.Tracer) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		cache:    store,
		recorder: rec,
		defaults: defaults,
		logger:   logger,
		tracer:   tracer,
	}
}

// Generate resolves the provider and model for req, then serves the
// response from cache or dispatches to the adapter. Exactly one usage
// event is recorded per terminal outcome, cache hits included.
// Concurrent identical requests may each reach the provider before
// either caches; the last Put wins.
func (o *Orchestrator) Generate(ctx context.Context, req *provider.Request, providerID string) (*provider.Response, error) {
	resp, _, err := o.generate(ctx, req, providerID)
	return resp, err
}

// generate also returns the recorded request id so chat turns can
// reference it. The id is empty on cache hits and when recording
// failed.
func (o *Orchestrator) generate(ctx context.Context, req *provider.Request, providerID string) (*provider.Response, string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.generate")
	defer span.End()

	adapter, err := o.resolveProvider(providerID)
	if err != nil {
		return nil, "", err
	}

	// Work on a copy so concurrent callers sharing a request are safe.
	r := *req
	if r.MaxTokens <= 0 {
		r.MaxTokens = o.defaults.MaxTokens
	}
	model, err := o.resolveModel(ctx, adapter, r.Model)
	if err != nil {
		return nil, "", err
	}
	r.Model = model

	span.SetAttributes(
		attribute.String("provider", adapter.Name()),
		attribute.String("model", model),
		attribute.Bool("stream", r.Stream),
	)

	start := time.Now()

	key, err := cache.Fingerprint(&r)
	if err != nil {
		// An unfingerprintable request just skips the cache.
		o.logger.Warn().Err(err).Msg("fingerprint failed, bypassing cache")
		key = ""
	}
	if key != "" {
		if cached, ok := o.lookupCache(ctx, key); ok {
			hit := *cached
			hit.Cached = true
			hit.LatencyMs = time.Since(start).Milliseconds()
			span.SetAttributes(attribute.Bool("cache_hit", true))
			metrics.RecordCacheHit(hit.Provider, hit.Model)
			o.recordUsage(ctx, recorder.UsageEvent{
				Provider:  hit.Provider,
				Model:     hit.Model,
				Success:   true,
				LatencyMs: hit.LatencyMs,
				Cached:    true,
			})
			o.logger.Info().
				Str("provider", hit.Provider).
				Str("model", hit.Model).
				Msg("generation served from cache")
			return &hit, "", nil
		}
		metrics.RecordCacheMiss()
	}

	requestID, err := o.recorder.RecordRequest(ctx, recorder.RequestMeta{
		Provider:    adapter.Name(),
		Model:       r.Model,
		Prompt:      r.Prompt,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Stream:      r.Stream,
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("request record failed")
		requestID = ""
	}

	resp, genErr := adapter.Generate(ctx, &r)
	elapsed := time.Since(start)
	if genErr != nil {
		metrics.RecordGeneration(adapter.Name(), r.Model, elapsed, 0, 0, 0, genErr)
		o.recordUsage(ctx, recorder.UsageEvent{
			Provider:  adapter.Name(),
			Model:     r.Model,
			Success:   false,
			LatencyMs: elapsed.Milliseconds(),
		})
		o.logger.Warn().
			Str("provider", adapter.Name()).
			Str("model", r.Model).
			Err(genErr).
			Msg("generation failed")
		return nil, requestID, genErr
	}

	if key != "" {
		if err := o.cache.Put(ctx, key, resp); err != nil {
			o.logger.Warn().Err(err).Msg("cache put failed")
		}
	}
	if requestID != "" {
		if err := o.recorder.RecordResponse(ctx, requestID, resp, elapsed); err != nil {
			o.logger.Warn().Err(err).Msg("response record failed")
		}
	}
	o.recordUsage(ctx, recorder.UsageEvent{
		Provider:     resp.Provider,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Cost:         resp.Cost,
		Success:      true,
		LatencyMs:    resp.LatencyMs,
	})
	metrics.RecordGeneration(resp.Provider, resp.Model, elapsed, resp.Cost, resp.InputTokens, resp.OutputTokens, nil)

	o.logger.Info().
		Str("provider", resp.Provider).
		Str("model", resp.Model).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Float64("cost_usd", resp.Cost).
		Int64("latency_ms", resp.LatencyMs).
		Msg("generation complete")
	return resp, requestID, nil
}

// EstimateCost predicts what req would cost without dispatching it.
// Estimation is advisory: an unknown or unconfigured provider
// estimates to zero rather than failing.
func (o *Orchestrator) EstimateCost(req *provider.Request, providerID string) float64 {
	adapter, err := o.resolveProvider(providerID)
	if err != nil {
		return 0
	}
	r := *req
	if r.MaxTokens <= 0 {
		r.MaxTokens = o.defaults.MaxTokens
	}
	return adapter.EstimateCost(&r)
}

// Providers lists the registered provider ids in sorted order.
func (o *Orchestrator) Providers() []string {
	return o.registry.Names()
}

// Models lists the models the given provider currently offers. An
// empty id resolves to the configured default provider.
func (o *Orchestrator) Models(ctx context.Context, providerID string) ([]string, error) {
	adapter, err := o.resolveProvider(providerID)
	if err != nil {
		return nil, err
	}
	return adapter.Models(ctx)
}

// Usage returns aggregated usage buckets for one period granularity.
func (o *Orchestrator) Usage(ctx context.Context, period string, since time.Time) ([]recorder.UsageBucket, error) {
	return o.recorder.Usage(ctx, period, since)
}

// History returns the last limit turns of a conversation in order.
func (o *Orchestrator) History(ctx context.Context, sessionID string, limit int) ([]recorder.TurnRecord, error) {
	return o.recorder.History(ctx, sessionID, limit)
}

// Close releases every adapter, the cache and the recorder. The first
// error wins; the rest still get their shot at cleanup.
func (o *Orchestrator) Close() error {
	var first error
	if err := o.registry.CloseAll(); err != nil {
		first = err
	}
	if err := o.cache.Close(); err != nil && first == nil {
		first = err
	}
	if err := o.recorder.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func (o *Orchestrator) resolveProvider(id string) (provider.Adapter, error) {
	if id == "" {
		id = o.defaults.Provider
	}
	if id == "" {
		return nil, provider.ErrNoProvider
	}
	return o.registry.Get(id)
}

// resolveModel validates an explicit model against what the provider
// offers, or falls back to the provider's first model.
func (o *Orchestrator) resolveModel(ctx context.Context, a provider.Adapter, requested string) (string, error) {
	models, err := a.Models(ctx)
	if err != nil {
		return "", fmt.Errorf("listing %s models: %w", a.Name(), err)
	}
	if requested != "" {
		for _, m := range models {
			if m == requested {
				return requested, nil
			}
		}
		return "", fmt.Errorf("%w: %q not offered by %s", provider.ErrUnknownModel, requested, a.Name())
	}
	if len(models) == 0 {
		return "", fmt.Errorf("%w: %s", provider.ErrNoModel, a.Name())
	}
	return models[0], nil
}

func (o *Orchestrator) lookupCache(ctx context.Context, key string) (*provider.Response, bool) {
	resp, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		// A broken cache degrades to a miss, never to a failure.
		o.logger.Warn().Err(err).Msg("cache lookup failed")
		return nil, false
	}
	return resp, ok
}

func (o *Orchestrator) recordUsage(ctx context.Context, ev recorder.UsageEvent) {
	if err := o.recorder.RecordUsage(ctx, ev); err != nil {
		o.logger.Warn().Err(err).Str("provider", ev.Provider).Msg("usage record failed")
	}
}
