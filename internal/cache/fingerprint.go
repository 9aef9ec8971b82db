// Package cache content-addresses finalized generation responses by a
// deterministic request fingerprint, with TTL expiry. Two backends:
// an in-process map and Redis.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/modelmux/modelmux/internal/provider"
)

// fingerprintPayload pins the set of semantically relevant fields. The
// stream flag is delivery mechanics and stays out. encoding/json emits
// struct fields in declaration order and map keys sorted, so equal
// requests serialize identically no matter how their extras maps were
// built up.
type fingerprintPayload struct {
	Prompt      string                   `json:"prompt"`
	Model       string                   `json:"model"`
	Temperature float64                  `json:"temperature"`
	MaxTokens   int                      `json:"max_tokens"`
	TopP        float64                  `json:"top_p"`
	Context     *provider.RequestContext `json:"context,omitempty"`
}

// Fingerprint derives the cache key of a request: hex SHA-256 over the
// canonical serialization. The full context, history included, is part
// of the key, so each turn of a long chat keys separately.
func Fingerprint(req *provider.Request) (string, error) {
	payload := fingerprintPayload{
		Prompt:      req.Prompt,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Context:     req.Context,
	}
	// a context holding nothing keys the same as no context at all
	if payload.Context != nil && payload.Context.System == "" &&
		len(payload.Context.History) == 0 && len(payload.Context.Extras) == 0 {
		payload.Context = nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprinting request: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
