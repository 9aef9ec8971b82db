// Package provider defines the uniform contract every upstream LLM
// backend is adapted to: one request/response shape, one capability
// interface, shared pricing arithmetic and a registry of live adapters.
package provider

import (
	"context"
)

// Roles used in conversation turns.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior message in a conversation, oldest first.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RequestContext carries the conversational surround of a request: a
// system instruction, prior turns in order, and provider-specific
// extras (search filters and the like). Adapters ignore extras they do
// not understand.
type RequestContext struct {
	System  string         `json:"system,omitempty"`
	History []Turn         `json:"history,omitempty"`
	Extras  map[string]any `json:"extras,omitempty"`
}

// Request describes one generation call. Treated as immutable once
// submitted; it is both the adapter input and the cache fingerprint
// source.
type Request struct {
	Prompt      string          `json:"prompt"`
	Model       string          `json:"model,omitempty"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Context     *RequestContext `json:"context,omitempty"`
}

// System returns the system instruction, or "" when no context is set.
func (r *Request) System() string {
	if r.Context == nil {
		return ""
	}
	return r.Context.System
}

// History returns prior turns, or nil when no context is set.
func (r *Request) History() []Turn {
	if r.Context == nil {
		return nil
	}
	return r.Context.History
}

// Extra returns a provider-specific extra by key.
func (r *Request) Extra(key string) (any, bool) {
	if r.Context == nil || r.Context.Extras == nil {
		return nil, false
	}
	v, ok := r.Context.Extras[key]
	return v, ok
}

// Response is the provider-independent result. Cost and token counts
// are always populated: zero means free or unknown, never missing, so
// downstream aggregation stays total. Metadata carries per-provider
// detail (upstream id, finish reason, citations) without widening the
// struct.
type Response struct {
	Content      string         `json:"content"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	Cost         float64        `json:"cost"`
	Cached       bool           `json:"cached"`
	LatencyMs    int64          `json:"latency_ms"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TotalTokens returns input plus output tokens.
func (r *Response) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Adapter is the capability surface of one upstream provider.
//
// Generate blocks until a full response is materialized. When
// req.Stream is set the adapter consumes the upstream stream and
// buffers it into one Response; partial output never crosses this
// boundary. ValidateConfig checks credential presence without network
// I/O. Models returns the ordered model list; the first entry is the
// model used when callers omit one. Close releases transport
// resources. Adapters are safe for concurrent use between New and
// Close.
type Adapter interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	ValidateConfig() error
	Models(ctx context.Context) ([]string, error)
	EstimateCost(req *Request) float64
	Name() string
	Close() error
}
