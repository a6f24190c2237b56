package tokenizer

import (
	"context"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"

	"github.com/s33g/promptkit/pkg/prompt"
)

// Default message accounting used by the OpenAI chat format.
const (
	DefaultMessageOverhead = 3
	DefaultNameOverhead    = 1
	// DefaultReplyPriming is added once per request for the assistant reply
	// header.
	DefaultReplyPriming = 3
)

// Image costs for OpenAI vision models.
const (
	lowDetailImageTokens  = 85
	highDetailImageTokens = 765
)

// Options configures a Tiktoken tokenizer.
type Options struct {
	// Encoding is a tiktoken encoding name. When empty it is derived from Model.
	Encoding        string
	Model           string
	MessageOverhead int
	NameOverhead    int
	ReplyPriming    int
	Mode            prompt.OutputMode
	Logger          zerolog.Logger
}

// Tiktoken counts tokens with a tiktoken encoding. It falls back to a
// character estimate when the encoding cannot be loaded.
type Tiktoken struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken

	encoding        string
	messageOverhead int
	nameOverhead    int
	replyPriming    int
	mode            prompt.OutputMode
	fallback        *Estimator
	logger          zerolog.Logger
	warned          bool
}

// New creates a tiktoken-backed tokenizer.
func New(opts Options) *Tiktoken {
	encoding := opts.Encoding
	if encoding == "" {
		encoding = EncodingForModel(opts.Model)
	}
	if opts.MessageOverhead <= 0 {
		opts.MessageOverhead = DefaultMessageOverhead
	}
	if opts.NameOverhead <= 0 {
		opts.NameOverhead = DefaultNameOverhead
	}
	if opts.ReplyPriming <= 0 {
		opts.ReplyPriming = DefaultReplyPriming
	}
	if opts.Mode == 0 {
		opts.Mode = prompt.ModeOpenAI
	}
	return &Tiktoken{
		encoders:        make(map[string]*tiktoken.Tiktoken),
		encoding:        encoding,
		messageOverhead: opts.MessageOverhead,
		nameOverhead:    opts.NameOverhead,
		replyPriming:    opts.ReplyPriming,
		mode:            opts.Mode,
		fallback:        NewEstimator(0, opts.MessageOverhead, opts.Mode),
		logger:          opts.Logger,
	}
}

// EncodingForModel returns the tiktoken encoding for a model name.
func EncodingForModel(model string) string {
	model = strings.ToLower(model)
	switch {
	case strings.Contains(model, "gpt-4o"), strings.Contains(model, "gpt-4.1"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return "o200k_base"
	case strings.Contains(model, "gpt-4"), strings.Contains(model, "gpt-3.5"), strings.Contains(model, "gpt-35"):
		return "cl100k_base"
	}
	// Claude and most other modern models are close enough to cl100k_base.
	return "cl100k_base"
}

// Encoding returns the encoding name in use.
func (t *Tiktoken) Encoding() string { return t.encoding }

func (t *Tiktoken) Mode() prompt.OutputMode { return t.mode }

// Count returns the number of tokens in text.
func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	encoder, ok := t.encoders[t.encoding]
	if !ok {
		var err error
		encoder, err = tiktoken.GetEncoding(t.encoding)
		if err != nil {
			if !t.warned {
				t.logger.Warn().
					Err(err).
					Str("encoding", t.encoding).
					Msg("Failed to load tiktoken encoding, estimating token counts")
				t.warned = true
			}
			return t.fallback.Count(text)
		}
		t.encoders[t.encoding] = encoder
	}
	return len(encoder.Encode(text, nil, nil))
}

func (t *Tiktoken) TokenLength(ctx context.Context, part prompt.ContentPart) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	switch p := part.(type) {
	case prompt.TextPart:
		return t.Count(p.Text), nil
	case prompt.ImagePart:
		return imageTokens(p), nil
	case prompt.OpaquePart:
		return p.TokenUsage, nil
	}
	return 0, nil
}

func (t *Tiktoken) CountMessageTokens(ctx context.Context, msg prompt.ChatMessage) (int, error) {
	return countMessage(ctx, t, msg, t.messageOverhead, t.nameOverhead)
}

// CountMessages counts a whole request including reply priming.
func (t *Tiktoken) CountMessages(ctx context.Context, msgs []prompt.ChatMessage) (int, error) {
	total := t.replyPriming
	for _, m := range msgs {
		n, err := t.CountMessageTokens(ctx, m)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func imageTokens(p prompt.ImagePart) int {
	if p.Detail == "low" {
		return lowDetailImageTokens
	}
	return highDetailImageTokens
}

type counter interface {
	Count(text string) int
	TokenLength(ctx context.Context, part prompt.ContentPart) (int, error)
}

// countMessage applies the chat format accounting shared by all tokenizers.
func countMessage(ctx context.Context, c counter, msg prompt.ChatMessage, overhead, nameOverhead int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	total := overhead + c.Count(msg.Role.String())
	if msg.Name != "" {
		total += c.Count(msg.Name) + nameOverhead
	}
	for _, tc := range msg.ToolCalls {
		total += overhead + c.Count(tc.Name) + c.Count(tc.Arguments)
	}
	if msg.ToolCallID != "" {
		total += c.Count(msg.ToolCallID)
	}
	for _, part := range msg.Content {
		n, err := c.TokenLength(ctx, part)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
