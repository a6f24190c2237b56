package prompt

import "context"

// Sizing is the budget an element renders within. It also tracks how many
// tokens have been consumed by content rendered so far at its level.
type Sizing struct {
	// TokenBudget is the share of the budget given to the element.
	TokenBudget int

	endpointBudget int
	consumed       int
	tokenizer      Tokenizer
	ids            *idSource
}

func newSizing(budget int, r *Renderer) *Sizing {
	return &Sizing{
		TokenBudget:    max(budget, 0),
		endpointBudget: r.budget,
		tokenizer:      r.tokenizer,
		ids:            &r.ids,
	}
}

// MaxPromptTokens is the budget of the whole render.
func (s *Sizing) MaxPromptTokens() int { return s.endpointBudget }

// Consumed returns the tokens consumed at this level so far.
func (s *Sizing) Consumed() int { return s.consumed }

// RemainingTokenBudget returns the unconsumed part of TokenBudget.
func (s *Sizing) RemainingTokenBudget() int { return max(s.TokenBudget-s.consumed, 0) }

func (s *Sizing) consume(n int) { s.consumed += n }

// CountTokens counts the tokens of text.
func (s *Sizing) CountTokens(ctx context.Context, text string) (int, error) {
	return s.CountPart(ctx, TextPart{Text: text})
}

// CountPart counts the tokens of a content part.
func (s *Sizing) CountPart(ctx context.Context, part ContentPart) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	return s.tokenizer.TokenLength(ctx, part)
}

// CountMessage counts the tokens of a whole message.
func (s *Sizing) CountMessage(ctx context.Context, msg ChatMessage) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	return s.tokenizer.CountMessageTokens(ctx, msg)
}

// NewKeepWith mints a keep-with group from the renderer's counter.
func (s *Sizing) NewKeepWith() KeepWith { return s.ids.keepWith() }
