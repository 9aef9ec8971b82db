package factory

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/modelmux/modelmux/config"
	"github.com/modelmux/modelmux/internal/provider"
)

func TestNew_UnknownID(t *testing.T) {
	_, err := New("watson", config.Provider{}, zerolog.Nop())
	if !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("Expected ErrUnknownProvider, got %v", err)
	}
}

func TestNew_HostedWithoutKey(t *testing.T) {
	for _, id := range []string{"openai", "anthropic", "gemini", "perplexity"} {
		_, err := New(id, config.Provider{}, zerolog.Nop())
		if !errors.Is(err, provider.ErrCredentialRequired) {
			t.Errorf("Expected ErrCredentialRequired for %s, got %v", id, err)
		}
	}
}

func TestNew_OllamaNeedsNoKey(t *testing.T) {
	a, err := New("ollama", config.Provider{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.Name() != "ollama" {
		t.Errorf("Expected ollama, got %s", a.Name())
	}
}

func TestNew_Hosted(t *testing.T) {
	a, err := New("openai", config.Provider{APIKey: "sk-test"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.Name() != "openai" {
		t.Errorf("Expected openai, got %s", a.Name())
	}
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{
		OpenAI:     config.Provider{Enabled: true, APIKey: "sk-test"},
		Anthropic:  config.Provider{Enabled: true}, // no key, skipped
		Gemini:     config.Provider{Enabled: false, APIKey: "g-test"},
		Perplexity: config.Provider{Enabled: true, APIKey: "pplx-test"},
		Ollama:     config.Provider{Enabled: true},
	}

	registry := FromConfig(cfg, zerolog.Nop())

	names := registry.Names()
	want := []string{"ollama", "openai", "perplexity"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i, name := range want {
		if names[i] != name {
			t.Errorf("Expected %s at %d, got %s", name, i, names[i])
		}
	}

	if registry.Has("anthropic") {
		t.Error("Expected anthropic skipped without a key")
	}
	if registry.Has("gemini") {
		t.Error("Expected disabled gemini skipped")
	}
}

func TestFromConfig_Empty(t *testing.T) {
	registry := FromConfig(&config.Config{}, zerolog.Nop())
	if registry.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", registry.Len())
	}
}
