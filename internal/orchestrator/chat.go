package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/recorder"
)

// historyWindow caps how many prior turns ride along as context.
const historyWindow = 20

// ChatRequest is one turn of a persisted conversation. An empty
// SessionID starts a fresh conversation.
type ChatRequest struct {
	SessionID   string
	Message     string
	System      string
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
}

type ChatResult struct {
	SessionID string
	Response  *provider.Response
}

// Chat generates a reply with the conversation's recent turns as
// context, then appends the user and assistant turns to the
// transcript. Turns are appended only after the generation succeeds,
// so a failed call leaves the transcript untouched.
func (o *Orchestrator) Chat(ctx context.Context, chat ChatRequest) (*ChatResult, error) {
	if chat.Message == "" {
		return nil, fmt.Errorf("chat: message required")
	}
	sessionID := chat.SessionID
	if sessionID == "" {
		sessionID = "sess_" + uuid.NewString()
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.chat")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	turns, err := o.recorder.History(ctx, sessionID, historyWindow)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", sessionID, err)
	}
	history := make([]provider.Turn, 0, len(turns))
	for _, t := range turns {
		history = append(history, provider.Turn{Role: t.Role, Content: t.Content})
	}

	req := &provider.Request{
		Prompt:      chat.Message,
		Model:       chat.Model,
		Temperature: chat.Temperature,
		MaxTokens:   chat.MaxTokens,
	}
	if len(history) > 0 || chat.System != "" {
		req.Context = &provider.RequestContext{System: chat.System, History: history}
	}

	resp, requestID, err := o.generate(ctx, req, chat.Provider)
	if err != nil {
		return nil, err
	}

	if _, err := o.recorder.AppendTurn(ctx, recorder.TurnInput{
		SessionID: sessionID,
		Role:      provider.RoleUser,
		Content:   chat.Message,
		RequestID: requestID,
	}); err != nil {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("append user turn failed")
	}
	if _, err := o.recorder.AppendTurn(ctx, recorder.TurnInput{
		SessionID: sessionID,
		Role:      provider.RoleAssistant,
		Content:   resp.Content,
		RequestID: requestID,
		Provider:  resp.Provider,
		Model:     resp.Model,
		Cost:      resp.Cost,
		Tokens:    resp.TotalTokens(),
	}); err != nil {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("append assistant turn failed")
	}

	return &ChatResult{SessionID: sessionID, Response: resp}, nil
}
