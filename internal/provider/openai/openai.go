// Package openai adapts the OpenAI chat completions API. The base URL
// is configurable so OpenAI-compatible endpoints (vLLM, DeepSeek,
// gateway fronts) can be driven with the same wire format.
package openai

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
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	costDecimals   = 6
)

var pricing = map[string]provider.Pricing{
	"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
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
	a.models = modelList(a.defaultModel)
	return a
}

// modelList puts the default model first; callers omitting a model get
// the list head.
func modelList(first string) []string {
	models := []string{first}
	rest := make([]string, 0, len(pricing))
	for m := range pricing {
		if m != first {
			rest = append(rest, m)
		}
	}
	sort.Strings(rest)
	return append(models, rest...)
}

func (a *Adapter) Name() string {
	return "openai"
}

func (a *Adapter) ValidateConfig() error {
	if a.apiKey == "" {
		return fmt.Errorf("openai: %w", provider.ErrCredentialRequired)
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

// priceFor falls back to the default model's row for models missing
// from the table, so estimates stay total.
func (a *Adapter) priceFor(model string) provider.Pricing {
	if p, ok := pricing[model]; ok {
		return p
	}
	return pricing[defaultModel]
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
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

// mapRequest flattens the uniform shape into the chat message list:
// system instruction as a leading system-role message, history in
// order, the prompt as the final user turn.
func (a *Adapter) mapRequest(req *provider.Request, model string) chatRequest {
	var messages []chatMessage
	if s := req.System(); s != "" {
		messages = append(messages, chatMessage{Role: provider.RoleSystem, Content: s})
	}
	for _, t := range req.History() {
		messages = append(messages, chatMessage{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, chatMessage{Role: provider.RoleUser, Content: req.Prompt})

	return chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
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

	url := fmt.Sprintf("%s/chat/completions", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", a.apiKey))

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

	latency := time.Since(start).Milliseconds()
	a.logger.Debug().
		Str("model", model).
		Int("input_tokens", inTokens).
		Int("output_tokens", outTokens).
		Int64("latency_ms", latency).
		Msg("completion finished")

	return &provider.Response{
		Content:      choice.Message.Content,
		Provider:     a.Name(),
		Model:        model,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		Cost:         provider.Cost(inTokens, outTokens, a.priceFor(model), costDecimals),
		LatencyMs:    latency,
		Metadata: map[string]any{
			"id":            wireResp.ID,
			"finish_reason": choice.FinishReason,
		},
	}, nil
}

// generateStream consumes the SSE stream and buffers every delta into
// one materialized response. Streamed calls carry no usage block, so
// token accounting falls back to the word-count approximation.
func (a *Adapter) generateStream(ctx context.Context, wireReq chatRequest, req *provider.Request, model string, start time.Time) (*provider.Response, error) {
	wireReq.Stream = true
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", a.apiKey))

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
		Metadata: map[string]any{
			"id":            id,
			"finish_reason": finishReason,
			"streamed":      true,
		},
	}, nil
}
