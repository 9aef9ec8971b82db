package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/orchestrator"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/recorder"
	"github.com/modelmux/modelmux/pkg/ratelimit"
)

// Mock Adapter
type mockAdapter struct {
	name   string
	models []string
	reply  string
	cost   float64
	genErr error

	mu   sync.Mutex
	last *provider.Request
}

func (m *mockAdapter) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.mu.Lock()
	captured := *req
	m.last = &captured
	m.mu.Unlock()

	if m.genErr != nil {
		return nil, m.genErr
	}
	return &provider.Response{
		Content:      m.reply,
		Provider:     m.name,
		Model:        req.Model,
		InputTokens:  10,
		OutputTokens: 20,
		Cost:         m.cost,
		LatencyMs:    3,
	}, nil
}

func (m *mockAdapter) ValidateConfig() error                      { return nil }
func (m *mockAdapter) Models(ctx context.Context) ([]string, error) { return m.models, nil }
func (m *mockAdapter) EstimateCost(req *provider.Request) float64 { return m.cost }
func (m *mockAdapter) Name() string                               { return m.name }
func (m *mockAdapter) Close() error                               { return nil }

func (m *mockAdapter) lastRequest() *provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

// Test Suite
func setupTest(defaultProvider string, limiter *ratelimit.Limiter, adapters ...provider.Adapter) *Server {
	registry := provider.NewRegistry()
	for _, a := range adapters {
		registry.Register(a)
	}
	orch := orchestrator.New(
		registry,
		cache.NewMemory(time.Hour),
		recorder.NewMemoryStore(),
		orchestrator.Defaults{Provider: defaultProvider, MaxTokens: 256},
		zerolog.Nop(),
		noop.NewTracerProvider().Tracer("test"),
	)
	return New(orch, limiter, Options{DefaultTemperature: 0.7, DailyCostCeiling: 25}, zerolog.Nop())
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleGenerate_InvalidBody(t *testing.T) {
	s := setupTest("", nil)

	w := doJSON(s, "POST", "/v1/generate", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["error"] != "invalid request body" {
		t.Errorf("Expected 'invalid request body', got %s", resp["error"])
	}
}

func TestHandleGenerate_MissingPrompt(t *testing.T) {
	s := setupTest("", nil)

	w := doJSON(s, "POST", "/v1/generate", `{"provider": "mock"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["error"] != "prompt is required" {
		t.Errorf("Expected 'prompt is required', got %s", resp["error"])
	}
}

func TestHandleGenerate_Success(t *testing.T) {
	mock := &mockAdapter{name: "mock", models: []string{"m-1"}, reply: "generated text", cost: 0.001}
	s := setupTest("mock", nil, mock)

	w := doJSON(s, "POST", "/v1/generate", `{"prompt": "hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp provider.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decoding response failed: %v", err)
	}
	if resp.Content != "generated text" {
		t.Errorf("Expected 'generated text', got %s", resp.Content)
	}
	if resp.Provider != "mock" || resp.Model != "m-1" {
		t.Errorf("Expected mock/m-1, got %s/%s", resp.Provider, resp.Model)
	}
	if resp.Cached {
		t.Error("Expected uncached first response")
	}
}

func TestHandleGenerate_DefaultTemperature(t *testing.T) {
	mock := &mockAdapter{name: "mock", models: []string{"m-1"}, reply: "ok"}
	s := setupTest("mock", nil, mock)

	doJSON(s, "POST", "/v1/generate", `{"prompt": "hi"}`)
	if got := mock.lastRequest().Temperature; got != 0.7 {
		t.Errorf("Expected default temperature 0.7, got %f", got)
	}

	doJSON(s, "POST", "/v1/generate", `{"prompt": "hi there", "temperature": 0}`)
	if got := mock.lastRequest().Temperature; got != 0 {
		t.Errorf("Expected explicit zero temperature kept, got %f", got)
	}
}

func TestHandleGenerate_UnknownProvider(t *testing.T) {
	mock := &mockAdapter{name: "mock", models: []string{"m-1"}, reply: "ok"}
	s := setupTest("mock", nil, mock)

	w := doJSON(s, "POST", "/v1/generate", `{"prompt": "hi", "provider": "ghost"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandleGenerate_NoProviderConfigured(t *testing.T) {
	s := setupTest("", nil)

	w := doJSON(s, "POST", "/v1/generate", `{"prompt": "hi"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleGenerate_ProviderRateLimited(t *testing.T) {
	mock := &mockAdapter{
		name:   "mock",
		models: []string{"m-1"},
		genErr: provider.StatusError("mock", http.StatusTooManyRequests, []byte("slow down")),
	}
	s := setupTest("mock", nil, mock)

	w := doJSON(s, "POST", "/v1/generate", `{"prompt": "hi"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
}

func TestHandleGenerate_Fallback(t *testing.T) {
	down := &mockAdapter{name: "down", models: []string{"d-1"}, genErr: errors.New("down")}
	up := &mockAdapter{name: "up", models: []string{"u-1"}, reply: "rescued"}
	s := setupTest("", nil, down, up)

	w := doJSON(s, "POST", "/v1/generate", `{"prompt": "hi", "fallback": ["down", "up"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp provider.Response
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Provider != "up" {
		t.Errorf("Expected fallback to up, got %s", resp.Provider)
	}
}

func TestHandleGenerate_FallbackAllFail(t *testing.T) {
	a := &mockAdapter{name: "a", models: []string{"a-1"}, genErr: errors.New("a down")}
	b := &mockAdapter{name: "b", models: []string{"b-1"}, genErr: errors.New("b down")}
	s := setupTest("", nil, a, b)

	w := doJSON(s, "POST", "/v1/generate", `{"prompt": "hi", "fallback": ["a", "b"]}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", w.Code)
	}

	var resp struct {
		Error    string `json:"error"`
		Attempts []struct {
			Provider string `json:"provider"`
			Error    string `json:"error"`
		} `json:"attempts"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decoding response failed: %v", err)
	}
	if len(resp.Attempts) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(resp.Attempts))
	}
	if resp.Attempts[0].Provider != "a" || resp.Attempts[1].Provider != "b" {
		t.Errorf("Expected attempts in order, got %+v", resp.Attempts)
	}
}

func TestHandleCompare_MissingProviders(t *testing.T) {
	s := setupTest("", nil)

	w := doJSON(s, "POST", "/v1/compare", `{"prompt": "hi"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["error"] != "providers list is required" {
		t.Errorf("Expected 'providers list is required', got %s", resp["error"])
	}
}

func TestHandleCompare_MixedResults(t *testing.T) {
	up := &mockAdapter{name: "up", models: []string{"u-1"}, reply: "from up"}
	down := &mockAdapter{name: "down", models: []string{"d-1"}, genErr: errors.New("down")}
	s := setupTest("", nil, up, down)

	w := doJSON(s, "POST", "/v1/compare", `{"prompt": "hi", "providers": ["up", "down"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decoding response failed: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0]["provider"] != "up" {
		t.Errorf("Expected input order, got %v", resp.Results[0]["provider"])
	}
	if _, ok := resp.Results[0]["response"]; !ok {
		t.Error("Expected a response for up")
	}
	if _, ok := resp.Results[1]["error"]; !ok {
		t.Error("Expected an error for down")
	}
}

func TestHandleChat(t *testing.T) {
	mock := &mockAdapter{name: "mock", models: []string{"m-1"}, reply: "hello back", cost: 0.0002}
	s := setupTest("mock", nil, mock)

	w := doJSON(s, "POST", "/v1/chat", `{"message": "hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		SessionID string             `json:"session_id"`
		Response  *provider.Response `json:"response"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decoding response failed: %v", err)
	}
	if !strings.HasPrefix(resp.SessionID, "sess_") {
		t.Errorf("Expected a generated session id, got %q", resp.SessionID)
	}
	if resp.Response.Content != "hello back" {
		t.Errorf("Expected 'hello back', got %s", resp.Response.Content)
	}

	// The transcript is readable back through the conversations route.
	w = doJSON(s, "GET", "/v1/conversations/"+resp.SessionID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var conv struct {
		SessionID string `json:"session_id"`
		Turns     []struct {
			Seq     int    `json:"seq"`
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"turns"`
	}
	if err := json.NewDecoder(w.Body).Decode(&conv); err != nil {
		t.Fatalf("Decoding conversation failed: %v", err)
	}
	if len(conv.Turns) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(conv.Turns))
	}
	if conv.Turns[0].Role != "user" || conv.Turns[1].Role != "assistant" {
		t.Errorf("Expected user then assistant, got %+v", conv.Turns)
	}
}

func TestHandleChat_MissingMessage(t *testing.T) {
	s := setupTest("", nil)

	w := doJSON(s, "POST", "/v1/chat", `{"session_id": "sess_x"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["error"] != "message is required" {
		t.Errorf("Expected 'message is required', got %s", resp["error"])
	}
}

func TestHandleStructured_Success(t *testing.T) {
	mock := &mockAdapter{name: "mock", models: []string{"m-1"}, reply: "```json\n{\"sentiment\": \"positive\"}\n```"}
	s := setupTest("mock", nil, mock)

	w := doJSON(s, "POST", "/v1/structured", `{"prompt": "classify"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data map[string]any `json:"data"`
		Raw  string         `json:"raw"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decoding response failed: %v", err)
	}
	if resp.Data["sentiment"] != "positive" {
		t.Errorf("Expected parsed sentiment, got %v", resp.Data)
	}
	if resp.Raw == "" {
		t.Error("Expected raw reply alongside parsed data")
	}
}

func TestHandleStructured_NotJSON(t *testing.T) {
	mock := &mockAdapter{name: "mock", models: []string{"m-1"}, reply: "I would rather not."}
	s := setupTest("mock", nil, mock)

	w := doJSON(s, "POST", "/v1/structured", `{"prompt": "classify"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", w.Code)
	}

	var resp struct {
		Error string `json:"error"`
		Raw   string `json:"raw"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Raw != "I would rather not." {
		t.Errorf("Expected the raw reply surfaced, got %q", resp.Raw)
	}
	if resp.Error == "" {
		t.Error("Expected a parse error message")
	}
}

func TestHandleEstimate(t *testing.T) {
	mock := &mockAdapter{name: "mock", models: []string{"m-1"}, cost: 0.0125}
	s := setupTest("mock", nil, mock)

	w := doJSON(s, "POST", "/v1/estimate", `{"prompt": "hi", "provider": "mock"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Provider string  `json:"provider"`
		Cost     float64 `json:"estimated_cost_usd"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Cost != 0.0125 {
		t.Errorf("Expected estimate 0.0125, got %f", resp.Cost)
	}

	// Unknown providers estimate to zero rather than failing.
	w = doJSON(s, "POST", "/v1/estimate", `{"prompt": "hi", "provider": "ghost"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Cost != 0 {
		t.Errorf("Expected zero estimate for unknown provider, got %f", resp.Cost)
	}
}

func TestHandleProviders(t *testing.T) {
	b := &mockAdapter{name: "bravo", models: []string{"b-1"}}
	a := &mockAdapter{name: "alpha", models: []string{"a-1"}}
	s := setupTest("", nil, b, a)

	w := doJSON(s, "GET", "/v1/providers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Providers []string `json:"providers"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Providers) != 2 || resp.Providers[0] != "alpha" {
		t.Errorf("Expected sorted providers, got %v", resp.Providers)
	}
}

func TestHandleModels(t *testing.T) {
	mock := &mockAdapter{name: "mock", models: []string{"m-1", "m-2"}}
	s := setupTest("", nil, mock)

	w := doJSON(s, "GET", "/v1/providers/mock/models", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Provider string   `json:"provider"`
		Models   []string `json:"models"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Provider != "mock" || len(resp.Models) != 2 {
		t.Errorf("Expected mock with 2 models, got %+v", resp)
	}

	w = doJSON(s, "GET", "/v1/providers/ghost/models", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown provider, got %d", w.Code)
	}
}

func TestHandleConversation_InvalidLimit(t *testing.T) {
	s := setupTest("", nil)

	w := doJSON(s, "GET", "/v1/conversations/sess_x?limit=banana", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["error"] != "invalid 'limit' parameter" {
		t.Errorf("Expected limit error, got %s", resp["error"])
	}
}

func TestHandleHealth(t *testing.T) {
	mock := &mockAdapter{name: "mock", models: []string{"m-1"}, reply: "pong"}
	s := setupTest("", nil, mock)

	w := doJSON(s, "GET", "/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Providers map[string]bool `json:"providers"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Providers["mock"] {
		t.Errorf("Expected mock healthy, got %v", resp.Providers)
	}
}

func TestHandleUsage_InvalidParams(t *testing.T) {
	s := setupTest("", nil)

	w := doJSON(s, "GET", "/v1/usage?period=week", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad period, got %d", w.Code)
	}

	w = doJSON(s, "GET", "/v1/usage?since=yesterday", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad since, got %d", w.Code)
	}
}

func TestHandleUsage(t *testing.T) {
	mock := &mockAdapter{name: "mock", models: []string{"m-1"}, reply: "ok", cost: 0.003}
	s := setupTest("mock", nil, mock)

	doJSON(s, "POST", "/v1/generate", `{"prompt": "hi"}`)

	w := doJSON(s, "GET", "/v1/usage", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Period        string  `json:"period"`
		TotalRequests int64   `json:"total_requests"`
		TotalCost     float64 `json:"total_cost_usd"`
		Ceiling       float64 `json:"daily_cost_ceiling_usd"`
		Buckets       []struct {
			Provider      string  `json:"provider"`
			Requests      int64   `json:"requests"`
			CacheHitRatio float64 `json:"cache_hit_ratio"`
		} `json:"buckets"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decoding usage failed: %v", err)
	}
	if resp.Period != "day" {
		t.Errorf("Expected default period day, got %s", resp.Period)
	}
	if resp.TotalRequests != 1 {
		t.Errorf("Expected 1 request, got %d", resp.TotalRequests)
	}
	if resp.TotalCost != 0.003 {
		t.Errorf("Expected total cost 0.003, got %f", resp.TotalCost)
	}
	if resp.Ceiling != 25 {
		t.Errorf("Expected configured ceiling surfaced, got %f", resp.Ceiling)
	}
	if len(resp.Buckets) != 1 || resp.Buckets[0].Provider != "mock" {
		t.Errorf("Expected one mock bucket, got %+v", resp.Buckets)
	}
}

func TestHealthz(t *testing.T) {
	s := setupTest("", nil)

	w := doJSON(s, "GET", "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != `{"status":"ok","service":"modelmux"}` {
		t.Errorf("Unexpected healthz body: %s", w.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	s := setupTest("", nil)

	w := doJSON(s, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestRateLimit_Exceeded(t *testing.T) {
	mock := &mockAdapter{name: "mock", models: []string{"m-1"}, reply: "ok"}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: false})
	s := setupTest("mock", limiter, mock)

	w := doJSON(s, "POST", "/v1/generate", `{"prompt": "hi"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After 60, got %q", w.Header().Get("Retry-After"))
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["error"] != "rate limit exceeded" {
		t.Errorf("Expected 'rate limit exceeded', got %s", resp["error"])
	}

	// Liveness stays outside the limited group.
	w = doJSON(s, "GET", "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 on healthz while limited, got %d", w.Code)
	}
}

func TestRateLimit_Allowed(t *testing.T) {
	mock := &mockAdapter{name: "mock", models: []string{"m-1"}, reply: "ok"}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: true})
	s := setupTest("mock", limiter, mock)

	w := doJSON(s, "POST", "/v1/generate", `{"prompt": "hi"}`)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
