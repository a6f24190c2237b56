package tokenizer

import (
	"context"

	"github.com/s33g/promptkit/pkg/prompt"
)

// Estimator approximates token counts from byte length. It needs no
// encoding data and is safe for concurrent use.
type Estimator struct {
	bytesPerToken   int
	messageOverhead int
	mode            prompt.OutputMode
}

// NewEstimator creates an estimator. Zero values select 4 bytes per token and
// the default message overhead.
func NewEstimator(bytesPerToken, messageOverhead int, mode prompt.OutputMode) *Estimator {
	if bytesPerToken <= 0 {
		bytesPerToken = 4
	}
	if messageOverhead <= 0 {
		messageOverhead = DefaultMessageOverhead
	}
	if mode == 0 {
		mode = prompt.ModeRaw
	}
	return &Estimator{bytesPerToken: bytesPerToken, messageOverhead: messageOverhead, mode: mode}
}

// Count estimates the tokens in text, rounding up.
func (e *Estimator) Count(text string) int {
	return (len(text) + e.bytesPerToken - 1) / e.bytesPerToken
}

func (e *Estimator) Mode() prompt.OutputMode { return e.mode }

func (e *Estimator) TokenLength(ctx context.Context, part prompt.ContentPart) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	switch p := part.(type) {
	case prompt.TextPart:
		return e.Count(p.Text), nil
	case prompt.ImagePart:
		return imageTokens(p), nil
	case prompt.OpaquePart:
		return p.TokenUsage, nil
	}
	return 0, nil
}

func (e *Estimator) CountMessageTokens(ctx context.Context, msg prompt.ChatMessage) (int, error) {
	return countMessage(ctx, e, msg, e.messageOverhead, DefaultNameOverhead)
}
