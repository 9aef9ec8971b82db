package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/modelmux/modelmux/internal/provider"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists the audit trail in four tables: requests,
// responses, usage_buckets and conversation_turns. Ids are generated
// here, not by the database, so the store works against any schema
// bootstrap.
type PostgresStore struct {
	db  DB
	now func() time.Time
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

var _ Recorder = (*PostgresStore)(nil)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt TEXT NOT NULL,
		temperature DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_tokens INT NOT NULL DEFAULT 0,
		stream BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS responses (
		request_id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		content TEXT NOT NULL,
		input_tokens INT NOT NULL DEFAULT 0,
		output_tokens INT NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		cached BOOLEAN NOT NULL DEFAULT FALSE,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS usage_buckets (
		bucket TIMESTAMPTZ NOT NULL,
		period TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		request_count BIGINT NOT NULL DEFAULT 0,
		success_count BIGINT NOT NULL DEFAULT 0,
		failure_count BIGINT NOT NULL DEFAULT 0,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		cache_hits BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (bucket, period, provider, model)
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		tokens INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (session_id, seq)
	)`,
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) RecordRequest(ctx context.Context, meta RequestMeta) (string, error) {
	id := uuid.NewString()
	query := `
		INSERT INTO requests (id, provider, model, prompt, temperature, max_tokens, stream)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.Exec(ctx, query,
		id, meta.Provider, meta.Model, meta.Prompt,
		meta.Temperature, meta.MaxTokens, meta.Stream,
	)
	if err != nil {
		return "", fmt.Errorf("failed to record request: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) RecordResponse(ctx context.Context, requestID string, resp *provider.Response, latency time.Duration) error {
	query := `
		INSERT INTO responses (request_id, provider, model, content, input_tokens, output_tokens, cost_usd, cached, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query,
		requestID, resp.Provider, resp.Model, resp.Content,
		resp.InputTokens, resp.OutputTokens, resp.Cost, resp.Cached, latency.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record response: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordUsage(ctx context.Context, ev UsageEvent) error {
	success := 0
	failure := 0
	if ev.Success {
		success = 1
	} else {
		failure = 1
	}
	cacheHit := 0
	if ev.Cached {
		cacheHit = 1
	}

	// The SET expressions read the pre-update row, so the running
	// average folds in the new latency before the count moves.
	query := `
		INSERT INTO usage_buckets (bucket, period, provider, model, request_count, success_count, failure_count, input_tokens, output_tokens, cost_usd, avg_latency_ms, cache_hits)
		VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (bucket, period, provider, model) DO UPDATE SET
			request_count = usage_buckets.request_count + 1,
			success_count = usage_buckets.success_count + EXCLUDED.success_count,
			failure_count = usage_buckets.failure_count + EXCLUDED.failure_count,
			input_tokens = usage_buckets.input_tokens + EXCLUDED.input_tokens,
			output_tokens = usage_buckets.output_tokens + EXCLUDED.output_tokens,
			cost_usd = usage_buckets.cost_usd + EXCLUDED.cost_usd,
			avg_latency_ms = (usage_buckets.avg_latency_ms * usage_buckets.request_count + EXCLUDED.avg_latency_ms) / (usage_buckets.request_count + 1),
			cache_hits = usage_buckets.cache_hits + EXCLUDED.cache_hits
	`
	now := s.now()
	for _, period := range Periods {
		_, err := s.db.Exec(ctx, query,
			BucketStart(now, period), period, ev.Provider, ev.Model,
			success, failure, ev.InputTokens, ev.OutputTokens,
			ev.Cost, float64(ev.LatencyMs), cacheHit,
		)
		if err != nil {
			return fmt.Errorf("failed to record usage: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Usage(ctx context.Context, period string, since time.Time) ([]UsageBucket, error) {
	query := `
		SELECT bucket, period, provider, model, request_count, success_count, failure_count, input_tokens, output_tokens, cost_usd, avg_latency_ms, cache_hits
		FROM usage_buckets
		WHERE period = $1 AND bucket >= $2
		ORDER BY bucket, provider, model
	`
	rows, err := s.db.Query(ctx, query, period, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage buckets: %w", err)
	}
	defer rows.Close()

	var buckets []UsageBucket
	for rows.Next() {
		var b UsageBucket
		err := rows.Scan(
			&b.Bucket, &b.Period, &b.Provider, &b.Model,
			&b.RequestCount, &b.SuccessCount, &b.FailureCount,
			&b.InputTokens, &b.OutputTokens, &b.CostUSD, &b.AvgLatencyMs, &b.CacheHits,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage buckets: %w", err)
	}
	return buckets, nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn TurnInput) (string, error) {
	if turn.SessionID == "" {
		return "", fmt.Errorf("append turn: session id required")
	}
	id := uuid.NewString()
	query := `
		INSERT INTO conversation_turns (id, session_id, seq, role, content, request_id, provider, model, cost_usd, tokens)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6, $7, $8, $9
		FROM conversation_turns WHERE session_id = $2
	`
	_, err := s.db.Exec(ctx, query,
		id, turn.SessionID, turn.Role, turn.Content,
		turn.RequestID, turn.Provider, turn.Model, turn.Cost, turn.Tokens,
	)
	if err != nil {
		return "", fmt.Errorf("failed to append turn: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) History(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	query := `
		SELECT id, session_id, seq, role, content, request_id, provider, model, cost_usd, tokens, created_at
		FROM conversation_turns
		WHERE session_id = $1
		ORDER BY seq
	`
	args := []any{sessionID}
	if limit > 0 {
		// last N turns, still in ascending order
		query = `
			SELECT id, session_id, seq, role, content, request_id, provider, model, cost_usd, tokens, created_at
			FROM (
				SELECT id, session_id, seq, role, content, request_id, provider, model, cost_usd, tokens, created_at
				FROM conversation_turns
				WHERE session_id = $1
				ORDER BY seq DESC
				LIMIT $2
			) recent
			ORDER BY seq
		`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []TurnRecord
	for rows.Next() {
		var t TurnRecord
		err := rows.Scan(
			&t.ID, &t.SessionID, &t.Seq, &t.Role, &t.Content,
			&t.RequestID, &t.Provider, &t.Model, &t.Cost, &t.Tokens, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}
	return turns, nil
}

// Close is a no-op: the connection pool's lifecycle belongs to the
// caller that built it.
func (s *PostgresStore) Close() error {
	return nil
}
