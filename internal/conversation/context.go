package conversation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/s33g/promptkit/pkg/prompt"
)

// ContextBuilder builds the prompt for a chat turn: the system prompt, the
// conversation history and the new user message, pruned to the budget.
type ContextBuilder struct {
	renderer   *prompt.Renderer
	keepRecent int
	logger     zerolog.Logger
}

// NewContextBuilder creates a new context builder
func NewContextBuilder(renderer *prompt.Renderer, keepRecent int, logger zerolog.Logger) *ContextBuilder {
	return &ContextBuilder{
		renderer:   renderer,
		keepRecent: keepRecent,
		logger:     logger,
	}
}

// Build renders the system prompt, history and user message. The system
// prompt and the user message are never pruned before history.
func (cb *ContextBuilder) Build(ctx context.Context, history *History, systemPrompt, userMessage string) (*prompt.RenderResult, error) {
	h := *history
	if h.KeepRecent == 0 {
		h.KeepRecent = cb.keepRecent
	}
	h.Logger = cb.logger

	var pieces []prompt.Piece
	if systemPrompt != "" {
		pieces = append(pieces, prompt.System(prompt.Props{}, prompt.Text(systemPrompt)))
	}
	pieces = append(pieces, prompt.El(&h, prompt.Props{PassPriority: true}))
	// The user message renders first so the history sees what is left.
	if userMessage != "" {
		pieces = append(pieces, prompt.User(prompt.Props{FlexGrow: 1}, prompt.Text(userMessage)))
	}

	result, err := cb.renderer.Render(ctx, prompt.Fragment(pieces...))
	if err != nil {
		return nil, fmt.Errorf("failed to build context: %w", err)
	}

	cb.logger.Debug().
		Int("messages", len(result.Messages)).
		Int("tokens", result.TokenCount).
		Int("pruned", result.Removed).
		Msg("Built context")

	return result, nil
}
