// Package recorder persists the orchestration audit trail: request
// and response records, rolling usage buckets, and multi-turn
// conversations. Storage is behind the Recorder interface with a
// Postgres store for production and an in-memory store for
// development and tests. Recording failures are logged by callers and
// never veto a generation result.
package recorder

import (
	"context"
	"time"

	"github.com/modelmux/modelmux/internal/provider"
)

// Bucket period granularities.
const (
	PeriodHour  = "hour"
	PeriodDay   = "day"
	PeriodMonth = "month"
)

// Periods lists every granularity a usage event is folded into.
var Periods = []string{PeriodHour, PeriodDay, PeriodMonth}

// BucketStart truncates t to the start of its period bucket, in UTC.
func BucketStart(t time.Time, period string) time.Time {
	t = t.UTC()
	switch period {
	case PeriodHour:
		return t.Truncate(time.Hour)
	case PeriodDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// RequestMeta describes a generation request at dispatch time.
type RequestMeta struct {
	Provider    string
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
	Stream      bool
}

// ResponseRecord is a persisted response summary tied to its request.
type ResponseRecord struct {
	RequestID    string
	Provider     string
	Model        string
	Content      string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Cached       bool
	LatencyMs    int64
	CreatedAt    time.Time
}

// UsageEvent is one terminal outcome of an adapter invocation, or a
// cache hit standing in for one. Cost carries what the event actually
// charged: zero for cache hits and failures.
type UsageEvent struct {
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Success      bool
	LatencyMs    int64
	Cached       bool
}

// UsageBucket aggregates events under one (bucket, period, provider,
// model) key. Updates only increment counters or recompute the
// running latency average, never decrement.
type UsageBucket struct {
	Bucket       time.Time
	Period       string
	Provider     string
	Model        string
	RequestCount int64
	SuccessCount int64
	FailureCount int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	AvgLatencyMs float64
	CacheHits    int64
}

// apply folds one event into the bucket. The running latency average
// uses the pre-increment count.
func (b *UsageBucket) apply(ev UsageEvent) {
	prev := float64(b.RequestCount)
	b.RequestCount++
	if ev.Success {
		b.SuccessCount++
	} else {
		b.FailureCount++
	}
	b.InputTokens += int64(ev.InputTokens)
	b.OutputTokens += int64(ev.OutputTokens)
	b.CostUSD += ev.Cost
	if ev.Cached {
		b.CacheHits++
	}
	b.AvgLatencyMs = (b.AvgLatencyMs*prev + float64(ev.LatencyMs)) / float64(b.RequestCount)
}

// CacheHitRatio is CacheHits over RequestCount, 0 for an empty bucket.
func (b *UsageBucket) CacheHitRatio() float64 {
	if b.RequestCount == 0 {
		return 0
	}
	return float64(b.CacheHits) / float64(b.RequestCount)
}

// TurnInput describes one conversation turn to append. Assistant
// turns carry the originating request id, provider, model, cost and
// token count.
type TurnInput struct {
	SessionID string
	Role      string
	Content   string
	RequestID string
	Provider  string
	Model     string
	Cost      float64
	Tokens    int
}

// TurnRecord is a persisted turn. Seq increases monotonically within
// a conversation.
type TurnRecord struct {
	ID        string
	SessionID string
	Seq       int
	Role      string
	Content   string
	RequestID string
	Provider  string
	Model     string
	Cost      float64
	Tokens    int
	CreatedAt time.Time
}

// Recorder is the write-through boundary the orchestrator records
// into. Implementations are safe for concurrent use.
type Recorder interface {
	RecordRequest(ctx context.Context, meta RequestMeta) (string, error)
	RecordResponse(ctx context.Context, requestID string, resp *provider.Response, latency time.Duration) error
	RecordUsage(ctx context.Context, ev UsageEvent) error
	Usage(ctx context.Context, period string, since time.Time) ([]UsageBucket, error)
	AppendTurn(ctx context.Context, turn TurnInput) (string, error)
	History(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}
