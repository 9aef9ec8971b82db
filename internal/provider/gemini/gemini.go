// Package gemini adapts the Google Generative Language API: contents
// with typed parts, the model in the URL path, the credential in a
// query parameter, and assistant turns under the role "model".
package gemini

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
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-1.5-flash"
	// Flash-class pricing is sub-cent per 1K, so cost keeps more
	// decimals than the cent-level providers.
	costDecimals = 8
)

var pricing = map[string]provider.Pricing{
	"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
	"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
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
	return "gemini"
}

func (a *Adapter) ValidateConfig() error {
	if a.apiKey == "" {
		return fmt.Errorf("gemini: %w", provider.ErrCredentialRequired)
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

type generateRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// mapRequest moves the system instruction into systemInstruction and
// renames assistant turns to the API's "model" role; anything else
// becomes "user".
func (a *Adapter) mapRequest(req *provider.Request) generateRequest {
	var system *content
	if s := req.System(); s != "" {
		system = &content{Parts: []part{{Text: s}}}
	}

	history := req.History()
	contents := make([]content, 0, len(history)+1)
	for _, t := range history {
		role := "user"
		if t.Role == provider.RoleAssistant {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: t.Content}}})
	}
	contents = append(contents, content{Role: "user", Parts: []part{{Text: req.Prompt}}})

	return generateRequest{
		SystemInstruction: system,
		Contents:          contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
		},
	}
}

func (a *Adapter) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	model := a.model(req)
	wireReq := a.mapRequest(req)
	start := time.Now()

	if req.Stream {
		return a.generateStream(ctx, wireReq, req, model, start)
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.baseURL, model, a.apiKey)
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

	var wireResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, provider.MalformedError(a.Name(), err)
	}

	if len(wireResp.Candidates) == 0 || len(wireResp.Candidates[0].Content.Parts) == 0 {
		return nil, provider.MalformedError(a.Name(), errors.New("no candidates in reply"))
	}

	cand := wireResp.Candidates[0]
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		text.WriteString(p.Text)
	}

	inTokens := wireResp.UsageMetadata.PromptTokenCount
	outTokens := wireResp.UsageMetadata.CandidatesTokenCount
	if inTokens == 0 && outTokens == 0 {
		inTokens = provider.ApproxRequestTokens(req)
		outTokens = provider.ApproxTokens(text.String())
	}

	return &provider.Response{
		Content:      text.String(),
		Provider:     a.Name(),
		Model:        model,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		Cost:         provider.Cost(inTokens, outTokens, a.priceFor(model), costDecimals),
		LatencyMs:    time.Since(start).Milliseconds(),
		Metadata: map[string]any{
			"finish_reason": cand.FinishReason,
		},
	}, nil
}

// generateStream reads the alt=sse variant and buffers candidate parts
// into one response; streamed token accounting uses the word-count
// approximation.
func (a *Adapter) generateStream(ctx context.Context, wireReq generateRequest, req *provider.Request, model string, start time.Time) (*provider.Response, error) {
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", a.baseURL, model, a.apiKey)
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

	var text strings.Builder
	var finishReason string
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

		var chunk generateResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, provider.MalformedError(a.Name(), err)
		}
		if len(chunk.Candidates) > 0 {
			for _, p := range chunk.Candidates[0].Content.Parts {
				text.WriteString(p.Text)
			}
			if fr := chunk.Candidates[0].FinishReason; fr != "" {
				finishReason = fr
			}
		}
	}

	out := text.String()
	inTokens := provider.ApproxRequestTokens(req)
	outTokens := provider.ApproxTokens(out)

	return &provider.Response{
		Content:      out,
		Provider:     a.Name(),
		Model:        model,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
		Cost:         provider.Cost(inTokens, outTokens, a.priceFor(model), costDecimals),
		LatencyMs:    time.Since(start).Milliseconds(),
		Metadata: map[string]any{
			"finish_reason": finishReason,
			"streamed":      true,
		},
	}, nil
}
