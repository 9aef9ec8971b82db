package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelmux/modelmux/internal/orchestrator"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/recorder"
)

// generateRequest is the JSON body shared by the generate, compare,
// structured and estimate endpoints. A nil temperature means "use the
// configured default"; zero is a real temperature.
type generateRequest struct {
	Prompt      string          `json:"prompt"`
	Provider    string          `json:"provider,omitempty"`
	Model       string          `json:"model,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	System      string          `json:"system,omitempty"`
	History     []provider.Turn `json:"history,omitempty"`
	Extras      map[string]any  `json:"extras,omitempty"`
	Fallback    []string        `json:"fallback,omitempty"`
	Providers   []string        `json:"providers,omitempty"`
}

func (s *Server) toRequest(body *generateRequest) *provider.Request {
	temperature := s.opts.DefaultTemperature
	if body.Temperature != nil {
		temperature = *body.Temperature
	}
	req := &provider.Request{
		Prompt:      body.Prompt,
		Model:       body.Model,
		Temperature: temperature,
		MaxTokens:   body.MaxTokens,
		TopP:        body.TopP,
		Stream:      body.Stream,
	}
	if body.System != "" || len(body.History) > 0 || len(body.Extras) > 0 {
		req.Context = &provider.RequestContext{
			System:  body.System,
			History: body.History,
			Extras:  body.Extras,
		}
	}
	return req
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	req := s.toRequest(&body)

	var resp *provider.Response
	var err error
	if len(body.Fallback) > 0 {
		resp, err = s.orch.GenerateWithFallback(r.Context(), req, body.Fallback)
	} else {
		resp, err = s.orch.Generate(r.Context(), req, body.Provider)
	}
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if len(body.Providers) == 0 {
		writeError(w, http.StatusBadRequest, "providers list is required")
		return
	}

	results := s.orch.Compare(r.Context(), s.toRequest(&body), body.Providers)

	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			out = append(out, map[string]any{
				"provider": res.Provider,
				"error":    res.Err.Error(),
			})
			continue
		}
		out = append(out, map[string]any{
			"provider": res.Provider,
			"response": res.Response,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

type chatBody struct {
	SessionID   string   `json:"session_id,omitempty"`
	Message     string   `json:"message"`
	System      string   `json:"system,omitempty"`
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	temperature := s.opts.DefaultTemperature
	if body.Temperature != nil {
		temperature = *body.Temperature
	}

	result, err := s.orch.Chat(r.Context(), orchestrator.ChatRequest{
		SessionID:   body.SessionID,
		Message:     body.Message,
		System:      body.System,
		Provider:    body.Provider,
		Model:       body.Model,
		Temperature: temperature,
		MaxTokens:   body.MaxTokens,
	})
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": result.SessionID,
		"response":   result.Response,
	})
}

func (s *Server) handleStructured(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	result, err := s.orch.GenerateStructured(r.Context(), s.toRequest(&body), body.Provider)
	if err != nil {
		if result != nil {
			// The generation worked but the reply was not JSON.
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error": err.Error(),
				"raw":   result.Raw,
			})
			return
		}
		s.writeGenerationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":     result.Data,
		"raw":      result.Raw,
		"response": result.Response,
	})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cost := s.orch.EstimateCost(s.toRequest(&body), body.Provider)
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":           body.Provider,
		"model":              body.Model,
		"estimated_cost_usd": cost,
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.orch.Providers()})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "provider")
	models, err := s.orch.Models(r.Context(), id)
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": id,
		"models":   models,
	})
}

type turnJSON struct {
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	CostUSD   float64   `json:"cost_usd,omitempty"`
	Tokens    int       `json:"tokens,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = n
	}

	turns, err := s.orch.History(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]turnJSON, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnJSON{
			Seq:       t.Seq,
			Role:      t.Role,
			Content:   t.Content,
			Provider:  t.Provider,
			Model:     t.Model,
			CostUSD:   t.Cost,
			Tokens:    t.Tokens,
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"turns":      out,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.orch.HealthCheck(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"providers": health})
}

type bucketJSON struct {
	Bucket        time.Time `json:"bucket"`
	Period        string    `json:"period"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Requests      int64     `json:"requests"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	CostUSD       float64   `json:"cost_usd"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	CacheHits     int64     `json:"cache_hits"`
	CacheHitRatio float64   `json:"cache_hit_ratio"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = recorder.PeriodDay
	}
	if !validPeriod(period) {
		writeError(w, http.StatusBadRequest, "invalid 'period' (use hour, day or month)")
		return
	}

	since := time.Now().AddDate(0, 0, -30) // Default: last 30 days
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'since' date format (use RFC3339)")
			return
		}
		since = parsed
	}

	buckets, err := s.orch.Usage(r.Context(), period, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var totalCost float64
	var totalRequests int64
	out := make([]bucketJSON, 0, len(buckets))
	for _, b := range buckets {
		totalCost += b.CostUSD
		totalRequests += b.RequestCount
		out = append(out, bucketJSON{
			Bucket:        b.Bucket,
			Period:        b.Period,
			Provider:      b.Provider,
			Model:         b.Model,
			Requests:      b.RequestCount,
			Successes:     b.SuccessCount,
			Failures:      b.FailureCount,
			InputTokens:   b.InputTokens,
			OutputTokens:  b.OutputTokens,
			CostUSD:       b.CostUSD,
			AvgLatencyMs:  b.AvgLatencyMs,
			CacheHits:     b.CacheHits,
			CacheHitRatio: b.CacheHitRatio(),
		})
	}
	result := map[string]any{
		"period":         period,
		"since":          since,
		"total_requests": totalRequests,
		"total_cost_usd": totalCost,
		"buckets":        out,
	}
	if s.opts.DailyCostCeiling > 0 {
		result["daily_cost_ceiling_usd"] = s.opts.DailyCostCeiling
	}
	writeJSON(w, http.StatusOK, result)
}

// writeGenerationError maps orchestration and provider errors to HTTP
// statuses. Upstream provider failures surface as 502: the gateway is
// fine, the provider is not.
func (s *Server) writeGenerationError(w http.ResponseWriter, err error) {
	var fe *provider.FallbackError
	if errors.As(err, &fe) {
		attempts := make([]map[string]string, 0, len(fe.Attempts))
		for _, a := range fe.Attempts {
			attempts = append(attempts, map[string]string{
				"provider": a.Provider,
				"error":    a.Err.Error(),
			})
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":    err.Error(),
			"attempts": attempts,
		})
		return
	}

	writeError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, provider.ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrNoProvider), errors.Is(err, provider.ErrNoModel):
		return http.StatusBadRequest
	}

	var pe *provider.ProviderError
	if errors.As(err, &pe) {
		switch pe.Category {
		case provider.CategoryRateLimit:
			return http.StatusTooManyRequests
		case provider.CategoryInvalidRequest:
			return http.StatusBadRequest
		default:
			return http.StatusBadGateway
		}
	}

	return http.StatusBadGateway
}

func validPeriod(period string) bool {
	for _, p := range recorder.Periods {
		if p == period {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
