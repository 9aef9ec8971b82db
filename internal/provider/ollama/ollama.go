// Package ollama adapts a local Ollama daemon. No credential, no
// cost: every response is priced at exactly 0. The model list comes
// from a one-time probe of the daemon's tag endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelmux/modelmux/internal/provider"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3.2"
)

type Adapter struct {
	baseURL      string
	defaultModel string
	client       *http.Client
	logger       zerolog.Logger

	mu     sync.Mutex
	models []string // nil until the first successful probe
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

func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL:      defaultBaseURL,
		defaultModel: defaultModel,
		// local generation on CPU can be slow; give it headroom
		client: &http.Client{Timeout: 5 * time.Minute},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string {
	return "ollama"
}

// ValidateConfig is trivially satisfied: local inference needs no
// credential.
func (a *Adapter) ValidateConfig() error {
	return nil
}

// EstimateCost is always 0 for local inference, regardless of prompt
// length.
func (a *Adapter) EstimateCost(req *provider.Request) float64 {
	return 0
}

func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

type tagsResponse struct {
	Models []tagModel `json:"models"`
}

type tagModel struct {
	Name string `json:"name"`
}

// Models probes the daemon once and memoizes the result. When the
// probe fails but a model is configured, that model is returned
// un-memoized so the next call probes again.
func (a *Adapter) Models(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.models == nil {
		tags, err := a.probeTags(ctx)
		if err != nil {
			if a.defaultModel != "" {
				a.logger.Warn().Err(err).Msg("tag probe failed, using configured model only")
				return []string{a.defaultModel}, nil
			}
			return nil, err
		}
		a.models = orderModels(tags, a.defaultModel)
		a.logger.Debug().Strs("models", a.models).Msg("tag probe complete")
	}

	out := make([]string, len(a.models))
	copy(out, a.models)
	return out, nil
}

func (a *Adapter) probeTags(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/api/tags", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
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

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, provider.MalformedError(a.Name(), err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, strings.TrimSuffix(m.Name, ":latest"))
	}
	return names, nil
}

// orderModels puts the configured model first, keeping the daemon's
// order for the rest.
func orderModels(tags []string, first string) []string {
	if first == "" {
		return tags
	}
	models := []string{first}
	for _, t := range tags {
		if t != first {
			models = append(models, t)
		}
	}
	return models
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	// the daemon streams by default, so stream is always explicit
	Stream  bool         `json:"stream"`
	Options *chatOptions `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

func (a *Adapter) mapRequest(req *provider.Request, model string) chatRequest {
	var messages []chatMessage
	if s := req.System(); s != "" {
		messages = append(messages, chatMessage{Role: provider.RoleSystem, Content: s})
	}
	for _, t := range req.History() {
		messages = append(messages, chatMessage{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, chatMessage{Role: provider.RoleUser, Content: req.Prompt})

	var opts *chatOptions
	if req.Temperature != 0 || req.TopP != 0 || req.MaxTokens != 0 {
		opts = &chatOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
		}
	}

	return chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   req.Stream,
		Options:  opts,
	}
}

func (a *Adapter) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	wireReq := a.mapRequest(req, model)
	start := time.Now()

	if req.Stream {
		return a.generateStream(ctx, wireReq, req, model, start)
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/chat", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	if wireResp.Message.Content == "" && !wireResp.Done {
		return nil, provider.MalformedError(a.Name(), errors.New("empty reply from daemon"))
	}

	inTokens := wireResp.PromptEvalCount
	outTokens := wireResp.EvalCount
	if inTokens == 0 && outTokens == 0 {
		inTokens = provider.ApproxRequestTokens(req)
		outTokens = provider.ApproxTokens(wireResp.Message.Content)
	}

	return &provider.Response{
		Content:      wireResp.Message.Content,
		Provider:     a.Name(),
		Model:        model,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		Cost:         0,
		LatencyMs:    time.Since(start).Milliseconds(),
		Metadata: map[string]any{
			"finish_reason": wireResp.DoneReason,
		},
	}, nil
}

// generateStream buffers the daemon's NDJSON stream (one JSON object
// per line, no SSE framing) into a single response.
func (a *Adapter) generateStream(ctx context.Context, wireReq chatRequest, req *provider.Request, model string, start time.Time) (*provider.Response, error) {
	wireReq.Stream = true
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/chat", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
	var doneReason string
	dec := json.NewDecoder(resp.Body)

	for {
		var chunk chatResponse
		if err := dec.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, provider.MalformedError(a.Name(), err)
		}
		content.WriteString(chunk.Message.Content)
		if chunk.Done {
			doneReason = chunk.DoneReason
			break
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
		Cost:         0,
		LatencyMs:    time.Since(start).Milliseconds(),
		Metadata: map[string]any{
			"finish_reason": doneReason,
			"streamed":      true,
		},
	}, nil
}
