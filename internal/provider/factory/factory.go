// Package factory constructs provider adapters from configuration and
// assembles the startup registry.
package factory

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/modelmux/modelmux/config"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/provider/anthropic"
	"github.com/modelmux/modelmux/internal/provider/gemini"
	"github.com/modelmux/modelmux/internal/provider/ollama"
	"github.com/modelmux/modelmux/internal/provider/openai"
	"github.com/modelmux/modelmux/internal/provider/perplexity"
)

// New constructs the adapter for a provider id. Construction performs
// no network I/O. The credential gate runs through the adapter's own
// ValidateConfig, so every hosted provider without a key fails here
// with ErrCredentialRequired while ollama needs none.
func New(id string, settings config.Provider, logger zerolog.Logger) (provider.Adapter, error) {
	log := logger.With().Str("provider", id).Logger()

	var a provider.Adapter
	switch id {
	case "openai":
		a = openai.New(settings.APIKey,
			openai.WithBaseURL(settings.BaseURL),
			openai.WithModel(settings.Model),
			openai.WithLogger(log))
	case "anthropic":
		a = anthropic.New(settings.APIKey,
			anthropic.WithBaseURL(settings.BaseURL),
			anthropic.WithModel(settings.Model),
			anthropic.WithLogger(log))
	case "gemini":
		a = gemini.New(settings.APIKey,
			gemini.WithBaseURL(settings.BaseURL),
			gemini.WithModel(settings.Model),
			gemini.WithLogger(log))
	case "perplexity":
		a = perplexity.New(settings.APIKey,
			perplexity.WithBaseURL(settings.BaseURL),
			perplexity.WithModel(settings.Model),
			perplexity.WithLogger(log))
	case "ollama":
		a = ollama.New(
			ollama.WithBaseURL(settings.BaseURL),
			ollama.WithModel(settings.Model),
			ollama.WithLogger(log))
	default:
		return nil, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, id)
	}

	if err := a.ValidateConfig(); err != nil {
		return nil, err
	}
	return a, nil
}

// FromConfig builds a registry of every enabled, properly configured
// provider. A provider failing its credential check is skipped with a
// warning; one bad provider never takes the whole service down.
func FromConfig(cfg *config.Config, logger zerolog.Logger) *provider.Registry {
	registry := provider.NewRegistry()
	for _, id := range config.ProviderIDs {
		settings, _ := cfg.ProviderByID(id)
		if !settings.Enabled {
			logger.Debug().Str("provider", id).Msg("provider disabled")
			continue
		}
		a, err := New(id, settings, logger)
		if err != nil {
			logger.Warn().Err(err).Str("provider", id).Msg("skipping provider")
			continue
		}
		registry.Register(a)
		logger.Info().Str("provider", id).Msg("provider registered")
	}
	return registry
}
