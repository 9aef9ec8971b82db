package recorder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/internal/provider"
)

type bucketKey struct {
	bucket   int64
	period   string
	provider string
	model    string
}

// MemoryStore keeps the full audit trail in process memory. Used when
// no Postgres DSN is configured, and by tests; bucket arithmetic is
// identical to the Postgres store's.
type MemoryStore struct {
	now func() time.Time

	mu        sync.Mutex
	requests  map[string]RequestMeta
	responses map[string]ResponseRecord
	buckets   map[bucketKey]*UsageBucket
	sessions  map[string][]TurnRecord
}

var _ Recorder = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		requests:  make(map[string]RequestMeta),
		responses: make(map[string]ResponseRecord),
		buckets:   make(map[bucketKey]*UsageBucket),
		sessions:  make(map[string][]TurnRecord),
	}
}

func (s *MemoryStore) RecordRequest(ctx context.Context, meta RequestMeta) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	s.requests[id] = meta
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) RecordResponse(ctx context.Context, requestID string, resp *provider.Response, latency time.Duration) error {
	rec := ResponseRecord{
		RequestID:    requestID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		Content:      resp.Content,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Cost:         resp.Cost,
		Cached:       resp.Cached,
		LatencyMs:    latency.Milliseconds(),
		CreatedAt:    s.now(),
	}
	s.mu.Lock()
	s.responses[requestID] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RecordUsage(ctx context.Context, ev UsageEvent) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, period := range Periods {
		start := BucketStart(now, period)
		key := bucketKey{bucket: start.Unix(), period: period, provider: ev.Provider, model: ev.Model}
		b, ok := s.buckets[key]
		if !ok {
			b = &UsageBucket{Bucket: start, Period: period, Provider: ev.Provider, Model: ev.Model}
			s.buckets[key] = b
		}
		b.apply(ev)
	}
	return nil
}

func (s *MemoryStore) Usage(ctx context.Context, period string, since time.Time) ([]UsageBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UsageBucket
	for key, b := range s.buckets {
		if key.period != period || b.Bucket.Before(since) {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Bucket.Equal(out[j].Bucket) {
			return out[i].Bucket.Before(out[j].Bucket)
		}
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, turn TurnInput) (string, error) {
	if turn.SessionID == "" {
		return "", fmt.Errorf("append turn: session id required")
	}
	id := uuid.NewString()
	s.mu.Lock()
	seq := len(s.sessions[turn.SessionID]) + 1
	s.sessions[turn.SessionID] = append(s.sessions[turn.SessionID], TurnRecord{
		ID:        id,
		SessionID: turn.SessionID,
		Seq:       seq,
		Role:      turn.Role,
		Content:   turn.Content,
		RequestID: turn.RequestID,
		Provider:  turn.Provider,
		Model:     turn.Model,
		Cost:      turn.Cost,
		Tokens:    turn.Tokens,
		CreatedAt: s.now(),
	})
	s.mu.Unlock()
	return id, nil
}

// History returns the last limit turns in ascending sequence order;
// limit <= 0 returns the whole conversation.
func (s *MemoryStore) History(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.Lock()
	turns := s.sessions[sessionID]
	out := make([]TurnRecord, len(turns))
	copy(out, turns)
	s.mu.Unlock()

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
