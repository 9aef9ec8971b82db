package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelmux/modelmux/internal/provider"
)

func TestGenerate_Mock(t *testing.T) {
	var gotKey, gotVersion string
	var gotReq messagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		json.NewDecoder(r.Body).Decode(&gotReq)

		resp := messagesResponse{
			ID:    "msg-test",
			Model: "claude-3-5-sonnet-20241022",
			Content: []contentBlock{
				{Type: "text", Text: "Hello from "},
				{Type: "text", Text: "Claude mock!"},
			},
			StopReason: "end_turn",
			Usage:      usage{InputTokens: 10, OutputTokens: 20},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	a := New("test-key", WithBaseURL(server.URL))

	resp, err := a.Generate(context.Background(), &provider.Request{Prompt: "hi", MaxTokens: 100})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if gotKey != "test-key" {
		t.Errorf("Expected x-api-key header, got %q", gotKey)
	}
	if gotVersion != apiVersion {
		t.Errorf("Expected version header %s, got %s", apiVersion, gotVersion)
	}
	if resp.Content != "Hello from Claude mock!" {
		t.Errorf("Expected concatenated text blocks, got %s", resp.Content)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("Expected provider anthropic, got %s", resp.Provider)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 20 {
		t.Errorf("Expected 10/20 tokens, got %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	// 10 in + 20 out at sonnet rates, rounded to 6 decimals.
	if resp.Cost != 0.00033 {
		t.Errorf("Expected cost 0.00033, got %f", resp.Cost)
	}
	if resp.Metadata["finish_reason"] != "end_turn" {
		t.Errorf("Expected finish_reason end_turn, got %v", resp.Metadata["finish_reason"])
	}
}

func TestGenerate_SystemField(t *testing.T) {
	var gotReq messagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(messagesResponse{
			Content: []contentBlock{{Type: "text", Text: "ok"}},
			Usage:   usage{InputTokens: 1, OutputTokens: 1},
		})
	}))
	defer server.Close()

	a := New("test-key", WithBaseURL(server.URL))

	req := &provider.Request{
		Prompt: "next",
		Context: &provider.RequestContext{
			System: "be terse",
			History: []provider.Turn{
				{Role: provider.RoleSystem, Content: "and precise"},
				{Role: provider.RoleUser, Content: "first"},
				{Role: provider.RoleAssistant, Content: "second"},
			},
		},
	}
	if _, err := a.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if gotReq.System != "be terse\nand precise" {
		t.Errorf("Expected system turns folded into the system field, got %q", gotReq.System)
	}
	if len(gotReq.Messages) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(gotReq.Messages))
	}
	if gotReq.Messages[0].Role != "user" || gotReq.Messages[0].Content != "first" {
		t.Errorf("Expected user turn first, got %+v", gotReq.Messages[0])
	}
	if gotReq.Messages[1].Role != "assistant" {
		t.Errorf("Expected assistant turn kept, got %+v", gotReq.Messages[1])
	}
	if gotReq.Messages[2].Content != "next" {
		t.Errorf("Expected prompt last, got %+v", gotReq.Messages[2])
	}
}

func TestGenerate_DefaultMaxTokens(t *testing.T) {
	var gotReq messagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(messagesResponse{
			Content: []contentBlock{{Type: "text", Text: "ok"}},
			Usage:   usage{InputTokens: 1, OutputTokens: 1},
		})
	}))
	defer server.Close()

	a := New("test-key", WithBaseURL(server.URL))

	// max_tokens is mandatory upstream, so an unset budget gets the
	// adapter default.
	if _, err := a.Generate(context.Background(), &provider.Request{Prompt: "hi"}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if gotReq.MaxTokens != defaultMaxTokens {
		t.Errorf("Expected default max tokens %d, got %d", defaultMaxTokens, gotReq.MaxTokens)
	}
}

func TestGenerate_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "invalid x-api-key"}}`))
	}))
	defer server.Close()

	a := New("bad-key", WithBaseURL(server.URL))

	_, err := a.Generate(context.Background(), &provider.Request{Prompt: "hi"})
	var pe *provider.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}
	if pe.Category != provider.CategoryAuth {
		t.Errorf("Expected auth category, got %s", pe.Category)
	}
	if pe.Transient() {
		t.Error("Expected an auth failure to be permanent")
	}
}

func TestGenerate_NoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(messagesResponse{ID: "msg-empty"})
	}))
	defer server.Close()

	a := New("test-key", WithBaseURL(server.URL))

	_, err := a.Generate(context.Background(), &provider.Request{Prompt: "hi"})
	var pe *provider.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}
	if pe.Category != provider.CategoryMalformed {
		t.Errorf("Expected malformed category, got %s", pe.Category)
	}
}

func TestGenerate_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprint(w, "event: message_start\ndata: {\"type\": \"message_start\"}\n\n")
		for _, text := range []string{"Hello", " from", " Claude!"} {
			data, _ := json.Marshal(streamEvent{
				Type:  "content_block_delta",
				Delta: streamDelta{Type: "text_delta", Text: text},
			})
			fmt.Fprintf(w, "event: content_block_delta\ndata: %s\n\n", data)
		}
		data, _ := json.Marshal(streamEvent{
			Type:  "message_delta",
			Delta: streamDelta{StopReason: "end_turn"},
		})
		fmt.Fprintf(w, "event: message_delta\ndata: %s\n\n", data)
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\": \"message_stop\"}\n\n")
	}))
	defer server.Close()

	a := New("test-key", WithBaseURL(server.URL))

	resp, err := a.Generate(context.Background(), &provider.Request{Prompt: "hi", Stream: true})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Content != "Hello from Claude!" {
		t.Errorf("Expected 'Hello from Claude!', got %s", resp.Content)
	}
	if resp.Metadata["finish_reason"] != "end_turn" {
		t.Errorf("Expected finish_reason end_turn, got %v", resp.Metadata["finish_reason"])
	}
	if resp.Metadata["streamed"] != true {
		t.Error("Expected streamed metadata flag")
	}
}

func TestGenerate_StreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"type\": \"error\", \"error\": {\"type\": \"overloaded_error\", \"message\": \"Overloaded\"}}\n\n")
	}))
	defer server.Close()

	a := New("test-key", WithBaseURL(server.URL))

	_, err := a.Generate(context.Background(), &provider.Request{Prompt: "hi", Stream: true})
	var pe *provider.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}
	if pe.Category != provider.CategoryUpstream {
		t.Errorf("Expected upstream category, got %s", pe.Category)
	}
}

func TestName(t *testing.T) {
	a := New("key")
	if a.Name() != "anthropic" {
		t.Errorf("Expected 'anthropic', got %s", a.Name())
	}
}

func TestModels_DefaultFirst(t *testing.T) {
	a := New("key", WithModel("claude-3-5-haiku-20241022"))
	models, err := a.Models(context.Background())
	if err != nil {
		t.Fatalf("Models failed: %v", err)
	}
	if models[0] != "claude-3-5-haiku-20241022" {
		t.Errorf("Expected configured default first, got %s", models[0])
	}
}

func TestValidateConfig(t *testing.T) {
	if err := New("").ValidateConfig(); !errors.Is(err, provider.ErrCredentialRequired) {
		t.Errorf("Expected ErrCredentialRequired, got %v", err)
	}
	if err := New("key").ValidateConfig(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}
