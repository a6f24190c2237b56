package tokenizer

import (
	"context"
	"testing"

	"github.com/pkoukk/tiktoken-go"

	"github.com/s33g/promptkit/pkg/prompt"
)

func TestEncodingForModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "o200k_base"},
		{"gpt-4o-mini", "o200k_base"},
		{"o1-preview", "o200k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"gpt-3.5-turbo", "cl100k_base"},
		{"claude-3-opus", "cl100k_base"},
		{"", "cl100k_base"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := EncodingForModel(tt.model); got != tt.want {
				t.Errorf("EncodingForModel(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}
}

func TestEstimator_Count(t *testing.T) {
	e := NewEstimator(0, 0, 0)
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"twelve chars", 3},
	}

	for _, tt := range tests {
		if got := e.Count(tt.text); got != tt.want {
			t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
	if e.Mode() != prompt.ModeRaw {
		t.Errorf("Mode() = %v, want raw", e.Mode())
	}
}

func TestEstimator_Parts(t *testing.T) {
	e := NewEstimator(4, 3, prompt.ModeOpenAI)
	ctx := context.Background()

	tests := []struct {
		name string
		part prompt.ContentPart
		want int
	}{
		{"text", prompt.TextPart{Text: "abcdefgh"}, 2},
		{"low image", prompt.ImagePart{URL: "a.png", Detail: "low"}, lowDetailImageTokens},
		{"high image", prompt.ImagePart{URL: "a.png", Detail: "high"}, highDetailImageTokens},
		{"opaque", prompt.OpaquePart{Value: 1, TokenUsage: 42}, 42},
		{"breakpoint", prompt.CacheBreakpointPart{Type: "ephemeral"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.TokenLength(ctx, tt.part)
			if err != nil {
				t.Fatalf("TokenLength() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("TokenLength() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEstimator_CountMessageTokens(t *testing.T) {
	e := NewEstimator(4, 3, prompt.ModeOpenAI)
	ctx := context.Background()

	// overhead 3 + "user" 1 + "abcdefgh" 2
	plain := prompt.ChatMessage{Role: prompt.RoleUser, Content: []prompt.ContentPart{prompt.TextPart{Text: "abcdefgh"}}}
	got, err := e.CountMessageTokens(ctx, plain)
	if err != nil {
		t.Fatalf("CountMessageTokens() error = %v", err)
	}
	if got != 6 {
		t.Errorf("CountMessageTokens() = %d, want 6", got)
	}

	named := plain
	named.Name = "bob"
	got, err = e.CountMessageTokens(ctx, named)
	if err != nil {
		t.Fatalf("CountMessageTokens() error = %v", err)
	}
	// + "bob" 1 + name overhead 1
	if got != 8 {
		t.Errorf("CountMessageTokens(named) = %d, want 8", got)
	}

	calls := prompt.ChatMessage{Role: prompt.RoleAssistant, ToolCalls: []prompt.ToolCall{
		{ID: "c1", Name: "grep", Arguments: `{"q":1}`},
	}}
	got, err = e.CountMessageTokens(ctx, calls)
	if err != nil {
		t.Fatalf("CountMessageTokens() error = %v", err)
	}
	// overhead 3 + "assistant" 3 + call overhead 3 + "grep" 1 + args 2
	if got != 12 {
		t.Errorf("CountMessageTokens(tool calls) = %d, want 12", got)
	}
}

func TestEstimator_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewEstimator(0, 0, 0).TokenLength(ctx, prompt.TextPart{Text: "x"}); err == nil {
		t.Error("TokenLength() should fail on a cancelled context")
	}
}

func TestTiktoken_Count(t *testing.T) {
	if _, err := tiktoken.GetEncoding("cl100k_base"); err != nil {
		t.Skipf("cl100k_base not available: %v", err)
	}
	tok := New(Options{Encoding: "cl100k_base"})

	if got := tok.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}
	if got := tok.Count("hello world"); got != 2 {
		t.Errorf("Count(hello world) = %d, want 2", got)
	}

	msgs := []prompt.ChatMessage{
		{Role: prompt.RoleSystem, Content: []prompt.ContentPart{prompt.TextPart{Text: "hello world"}}},
	}
	total, err := tok.CountMessages(context.Background(), msgs)
	if err != nil {
		t.Fatalf("CountMessages() error = %v", err)
	}
	// priming 3 + overhead 3 + "system" 1 + 2
	if total != 9 {
		t.Errorf("CountMessages() = %d, want 9", total)
	}
}

func TestTiktoken_FallsBack(t *testing.T) {
	tok := New(Options{Encoding: "no_such_encoding"})
	if got := tok.Count("abcdefgh"); got != 2 {
		t.Errorf("Count() = %d, want the estimate 2", got)
	}
	if tok.Mode() != prompt.ModeOpenAI {
		t.Errorf("Mode() = %v, want openai", tok.Mode())
	}
}

func TestTiktoken_Concurrent(t *testing.T) {
	tok := New(Options{Model: "gpt-4"})
	done := make(chan int, 8)
	for i := 0; i < 8; i++ {
		go func() { done <- tok.Count("the quick brown fox") }()
	}
	first := <-done
	for i := 1; i < 8; i++ {
		if got := <-done; got != first {
			t.Errorf("Count() = %d, want %d from every goroutine", got, first)
		}
	}
}
