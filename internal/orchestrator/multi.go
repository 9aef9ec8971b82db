package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/recorder"
	"github.com/modelmux/modelmux/pkg/metrics"
)

// probeMaxTokens caps health probe completions. Probes are real
// generations, so keep them as small as providers allow.
const probeMaxTokens = 8

// GenerateWithFallback tries each provider in order and returns the
// first success. Every attempt is a full generation: failed attempts
// record usage and a success lands in the cache. When the whole chain
// fails the returned error carries every attempt.
func (o *Orchestrator) GenerateWithFallback(ctx context.Context, req *provider.Request, providers []string) (*provider.Response, error) {
	if len(providers) == 0 {
		return nil, provider.ErrNoProvider
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.fallback")
	defer span.End()
	span.SetAttributes(attribute.StringSlice("providers", providers))

	attempts := make([]provider.Attempt, 0, len(providers))
	for _, id := range providers {
		resp, err := o.Generate(ctx, req, id)
		metrics.RecordFallbackAttempt(id, err)
		if err == nil {
			span.SetAttributes(attribute.String("served_by", id))
			return resp, nil
		}
		o.logger.Warn().Str("provider", id).Err(err).Msg("fallback attempt failed")
		attempts = append(attempts, provider.Attempt{Provider: id, Err: err})
	}
	return nil, &provider.FallbackError{Attempts: attempts}
}

// ComparisonResult is how one provider settled in a comparison run.
// Exactly one of Response and Err is set.
type ComparisonResult struct {
	Provider string
	Response *provider.Response
	Err      error
}

// Compare fans req out to the given providers concurrently and waits
// for all of them. One provider failing or stalling never cancels the
// rest. Results come back in input order.
func (o *Orchestrator) Compare(ctx context.Context, req *provider.Request, providers []string) []ComparisonResult {
	ctx, span := o.tracer.Start(ctx, "orchestrator.compare")
	defer span.End()
	span.SetAttributes(attribute.Int("providers", len(providers)))

	results := make([]ComparisonResult, len(providers))
	var wg sync.WaitGroup
	for i, id := range providers {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			resp, err := o.Generate(ctx, req, id)
			results[i] = ComparisonResult{Provider: id, Response: resp, Err: err}
		}(i, id)
	}
	wg.Wait()
	return results
}

// HealthCheck probes every registered provider with a tiny real
// generation, concurrently. Probes go straight to the adapters so a
// cached response can never mask a dead provider; being real
// invocations, they still count toward usage.
func (o *Orchestrator) HealthCheck(ctx context.Context) map[string]bool {
	ctx, span := o.tracer.Start(ctx, "orchestrator.health")
	defer span.End()

	names := o.registry.Names()
	health := make(map[string]bool, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			up := o.probe(ctx, name)
			mu.Lock()
			health[name] = up
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return health
}

func (o *Orchestrator) probe(ctx context.Context, name string) bool {
	adapter, err := o.registry.Get(name)
	if err != nil {
		return false
	}

	req := &provider.Request{Prompt: "ping", MaxTokens: probeMaxTokens}
	start := time.Now()
	resp, err := adapter.Generate(ctx, req)
	elapsed := time.Since(start)

	ev := recorder.UsageEvent{Provider: name, LatencyMs: elapsed.Milliseconds()}
	if err != nil {
		o.recordUsage(ctx, ev)
		metrics.SetProviderUp(name, false)
		o.logger.Warn().Str("provider", name).Err(err).Msg("health probe failed")
		return false
	}

	ev.Model = resp.Model
	ev.Success = true
	ev.InputTokens = resp.InputTokens
	ev.OutputTokens = resp.OutputTokens
	ev.Cost = resp.Cost
	o.recordUsage(ctx, ev)
	metrics.SetProviderUp(name, true)
	o.logger.Debug().
		Str("provider", name).
		Int64("latency_ms", elapsed.Milliseconds()).
		Msg("health probe ok")
	return true
}
