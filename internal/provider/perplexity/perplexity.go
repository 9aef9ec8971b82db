// Package perplexity adapts the Perplexity search-augmented API. The
// wire format is OpenAI-compatible with two additions: search filter
// fields on the request (fed from context extras) and a citations list
// on the response, surfaced through response metadata.
package perplexity

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelmux/modelmux/internal/provider"
)

const (
	defaultBaseURL = "https://api.perplexity.ai"
	defaultModel   = "sonar"
	costDecimals   = 6
)

// Extras keys recognized by this adapter.
const (
	ExtraDomainFilter  = "search_domain_filter"
	ExtraRecencyFilter = "search_recency_filter"
)

var pricing = map[string]provider.Pricing{
	"sonar":           {InputPer1K: 0.001, OutputPer1K: 0.001},
	"sonar-pro":       {InputPer1K: 0.003, OutputPer1K: 0.015},
	"sonar-reasoning": {InputPer1K: 0.001, OutputPer1K: 0.005},
}

type Adapter struct {
	apiKey       string
	baseURL      string
	defaultModel string
	models       []string
	client       *http.Client
	logger       zerolog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

type Option func(*Adapter)

func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		if url != "" {
			a.baseURL = strings.TrimSuffix(url, "/")
		}
	}
}

func WithModel(model string) Option {
	return func(a *Adapter) {
		if model != "" {
			a.defaultModel = model
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 2 * time.Minute},
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.models = []string{a.defaultModel}
	rest := make([]string, 0, len(pricing))
	for m := range pricing {
		if m != a.defaultModel {
			rest = append(rest, m)
		}
	}
	sort.Strings(rest)
	a.models = append(a.models, rest...)
	return a
}

func (a *Adapter) Name() string {
	return "perplexity"
}

func (a *Adapter) ValidateConfig() error {
	if a.apiKey == "" {
		return fmt.Errorf("perplexity: %w", provider.ErrCredentialRequired)
	}
	return nil
}

func (a *Adapter) Models(ctx context.Context) ([]string, error) {
	out := make([]string, len(a.models))
	copy(out, a.models)
	return out, nil
}

func (a *Adapter) EstimateCost(req *provider.Request) float64 {
	return provider.EstimateCost(req, a.priceFor(a.model(req)), costDecimals)
}

func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *Adapter) model(req *provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return a.defaultModel
}

func (a *Adapter) priceFor(model string) provider.Pricing {
	if p, ok := pricing[model]; ok {
		return p
	}
	return pricing[defaultModel]
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Temperature   float64       `json:"temperature,omitempty"`
	TopP          float64       `json:"top_p,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	DomainFilter  []string      `json:"search_domain_filter,omitempty"`
	RecencyFilter string        `json:"search_recency_filter,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID        string       `json:"id"`
	Model     string       `json:"model"`
	Choices   []chatChoice `json:"choices"`
	Usage     chatUsage    `json:"usage"`
	Citations []string     `json:"citations"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	Delta        chatDelta   `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type chatDelta struct {
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// mapRequest builds the OpenAI-shaped message list and lifts the
// search filters out of context extras. Extras arrive as decoded JSON,
// so the domain filter may be []any rather than []string.
func (a *Adapter) mapRequest(req *provider.Request, model string) chatRequest {
	var messages []chatMessage
	if s := req.System(); s != "" {
		messages = append(messages, chatMessage{Role: provider.RoleSystem, Content: s})
	}
	for _, t := range req.History() {
		messages = append(messages, chatMessage{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, chatMessage{Role: provider.RoleUser, Content: req.Prompt})

	wireReq := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	if v, ok := req.Extra(ExtraDomainFilter); ok {
		wireReq.DomainFilter = toStringSlice(v)
	}
	if v, ok := req.Extra(ExtraRecencyFilter); ok {
		if s, ok := v.(string); ok {
			wireReq.RecencyFilter = s
		}
	}
	return wireReq
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (a *Adapter) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	model := a.model(req)
	wireReq := a.mapRequest(req, model)
	start := time.Now()

	if req.Stream {
		return a.generateStream(ctx, wireReq, req, model, start)
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.NetworkError(a.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.StatusError(a.Name(), resp.StatusCode, respBody)
	}

	var wireResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, provider.MalformedError(a.Name(), err)
	}

	if len(wireResp.Choices) == 0 {
		return nil, provider.MalformedError(a.Name(), errors.New("no choices in completion"))
	}

	choice := wireResp.Choices[0]
	inTokens := wireResp.Usage.PromptTokens
	outTokens := wireResp.Usage.CompletionTokens
	if inTokens == 0 && outTokens == 0 {
		inTokens = provider.ApproxRequestTokens(req)
		outTokens = provider.ApproxTokens(choice.Message.Content)
	}

	return &provider.Response{
		Content:      choice.Message.Content,
		Provider:     a.Name(),
		Model:        model,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		Cost:         provider.Cost(inTokens, outTokens, a.priceFor(model), costDecimals),
		LatencyMs:    time.Since(start).Milliseconds(),
		Metadata:     responseMetadata(wireResp.ID, choice.FinishReason, wireResp.Citations, false),
	}, nil
}

func (a *Adapter) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/chat/completions", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", a.apiKey))
	return httpReq, nil
}

func responseMetadata(id, finishReason string, citations []string, streamed bool) map[string]any {
	md := map[string]any{
		"id":            id,
		"finish_reason": finishReason,
	}
	if len(citations) > 0 {
		md["citations"] = citations
	}
	if streamed {
		md["streamed"] = true
	}
	return md
}

// generateStream buffers the SSE stream; citations repeat on every
// chunk once resolved, so the last seen set wins.
func (a *Adapter) generateStream(ctx context.Context, wireReq chatRequest, req *provider.Request, model string, start time.Time) (*provider.Response, error) {
	wireReq.Stream = true
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.NetworkError(a.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.StatusError(a.Name(), resp.StatusCode, respBody)
	}

	var content strings.Builder
	var id, finishReason string
	var citations []string
	reader := bufio.NewReader(resp.Body)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, provider.NetworkError(a.Name(), err)
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, provider.MalformedError(a.Name(), err)
		}
		if chunk.ID != "" {
			id = chunk.ID
		}
		if len(chunk.Citations) > 0 {
			citations = chunk.Citations
		}
		if len(chunk.Choices) > 0 {
			content.WriteString(chunk.Choices[0].Delta.Content)
			if fr := chunk.Choices[0].FinishReason; fr != "" {
				finishReason = fr
			}
		}
	}

	text := content.String()
	inTokens := provider.ApproxRequestTokens(req)
	outTokens := provider.ApproxTokens(text)

	return &provider.Response{
		Content:      text,
		Provider:     a.Name(),
		Model:        model,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		Cost:         provider.Cost(inTokens, outTokens, a.priceFor(model), costDecimals),
		LatencyMs:    time.Since(start).Milliseconds(),
		Metadata:     responseMetadata(id, finishReason, citations, true),
	}, nil
}
