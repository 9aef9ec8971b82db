package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelmux/modelmux/internal/provider"
)

// structuredInstruction rides after the caller's prompt so the model
// emits bare JSON.
const structuredInstruction = "Respond with a single valid JSON object only. No prose, no markdown fences."

// StructuredResult pairs the parsed object with the raw reply text.
// Raw survives even when parsing fails so callers can see what the
// model actually said.
type StructuredResult struct {
	Data     map[string]any
	Raw      string
	Response *provider.Response
}

// GenerateStructured asks for a JSON object reply and parses it. The
// generation itself goes through the normal pipeline, cache and
// recording included.
func (o *Orchestrator) GenerateStructured(ctx context.Context, req *provider.Request, providerID string) (*StructuredResult, error) {
	r := *req
	r.Prompt = req.Prompt + "\n\n" + structuredInstruction

	resp, err := o.Generate(ctx, &r, providerID)
	if err != nil {
		return nil, err
	}

	result := &StructuredResult{Raw: resp.Content, Response: resp}
	data, perr := ParseStructured(resp.Content)
	if perr != nil {
		return result, fmt.Errorf("structured reply not parseable: %w", perr)
	}
	result.Data = data
	return result, nil
}

// ParseStructured extracts a JSON object from model output. Models
// wrap JSON in markdown fences or lead-in prose despite instructions,
// so a strict parse falls back to fence stripping and then to the
// widest brace span.
func ParseStructured(content string) (map[string]any, error) {
	trimmed := strings.TrimSpace(content)

	var data map[string]any
	if err := json.Unmarshal([]byte(trimmed), &data); err == nil {
		return data, nil
	}

	if fenced := stripFences(trimmed); fenced != trimmed {
		if err := json.Unmarshal([]byte(fenced), &data); err == nil {
			return data, nil
		}
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &data); err == nil {
			return data, nil
		}
	}

	return nil, fmt.Errorf("no JSON object found in reply")
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
