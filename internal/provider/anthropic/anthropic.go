// Package anthropic adapts the Anthropic Messages API. Unlike the
// chat-completion shape, the system instruction travels in a dedicated
// top-level field and max_tokens is mandatory upstream.
package anthropic

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
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultModel     = "claude-3-5-sonnet-20241022"
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
	costDecimals     = 6
)

var pricing = map[string]provider.Pricing{
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
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
	return "anthropic"
}

func (a *Adapter) ValidateConfig() error {
	if a.apiKey == "" {
		return fmt.Errorf("anthropic: %w", provider.ErrCredentialRequired)
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

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type  string       `json:"type"`
	Delta streamDelta  `json:"delta"`
	Error *streamError `json:"error,omitempty"`
}

type streamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type streamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// mapRequest moves the system instruction (and any system-role history
// turns) into the dedicated system field; remaining turns keep their
// order, with roles the API does not accept folded to user.
func (a *Adapter) mapRequest(req *provider.Request, model string) messagesRequest {
	system := req.System()
	var messages []message
	for _, t := range req.History() {
		if t.Role == provider.RoleSystem {
			if system == "" {
				system = t.Content
			} else {
				system = system + "\n" + t.Content
			}
			continue
		}
		role := t.Role
		if role != provider.RoleAssistant {
			role = provider.RoleUser
		}
		messages = append(messages, message{Role: role, Content: t.Content})
	}
	messages = append(messages, message{Role: provider.RoleUser, Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return messagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
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

	var wireResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, provider.MalformedError(a.Name(), err)
	}

	if len(wireResp.Content) == 0 {
		return nil, provider.MalformedError(a.Name(), errors.New("no content blocks in reply"))
	}

	var text strings.Builder
	for _, block := range wireResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	inTokens := wireResp.Usage.InputTokens
	outTokens := wireResp.Usage.OutputTokens
	if inTokens == 0 && outTokens == 0 {
		inTokens = provider.ApproxRequestTokens(req)
		outTokens = provider.ApproxTokens(text.String())
	}

	latency := time.Since(start).Milliseconds()
	a.logger.Debug().
		Str("model", model).
		Int("input_tokens", inTokens).
		Int("output_tokens", outTokens).
		Int64("latency_ms", latency).
		Msg("message finished")

	return &provider.Response{
		Content:      text.String(),
		Provider:     a.Name(),
		Model:        model,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		Cost:         provider.Cost(inTokens, outTokens, a.priceFor(model), costDecimals),
		LatencyMs:    latency,
		Metadata: map[string]any{
			"id":            wireResp.ID,
			"finish_reason": wireResp.StopReason,
		},
	}, nil
}

func (a *Adapter) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

// generateStream buffers the event stream into one response. Event
// framing is event:/data: pairs; text arrives as content_block_delta
// and the stop reason as a message_delta.
func (a *Adapter) generateStream(ctx context.Context, wireReq messagesRequest, req *provider.Request, model string, start time.Time) (*provider.Response, error) {
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
	var stopReason string
	var currentEvent string
	reader := bufio.NewReader(resp.Body)

stream:
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, provider.NetworkError(a.Name(), err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "content_block_delta":
			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if ev.Delta.Type == "text_delta" {
				content.WriteString(ev.Delta.Text)
			}
		case "message_delta":
			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
		case "error":
			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Error != nil {
				return nil, &provider.ProviderError{
					Provider: a.Name(),
					Category: provider.CategoryUpstream,
					Message:  fmt.Sprintf("stream error: %s", ev.Error.Message),
				}
			}
		case "message_stop":
			break stream
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
			"finish_reason": stopReason,
			"streamed":      true,
		},
	}, nil
}
