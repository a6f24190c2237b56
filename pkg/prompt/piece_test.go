package prompt

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestIntrinsic(t *testing.T) {
	tests := []struct {
		name     string
		intr     string
		attrs    map[string]any
		children []Piece
		wantErr  bool
	}{
		{name: "br", intr: "br"},
		{name: "br with children", intr: "br", children: []Piece{Text("x")}, wantErr: true},
		{name: "meta", intr: "meta", attrs: map[string]any{"value": "note", "local": true}},
		{name: "meta without value", intr: "meta", wantErr: true},
		{name: "references", intr: "references", attrs: map[string]any{"value": []Reference{{URI: "a"}}}},
		{name: "references wrong type", intr: "references", attrs: map[string]any{"value": "a"}, wantErr: true},
		{name: "ignoredFiles", intr: "ignoredFiles", attrs: map[string]any{"value": []string{"a"}}},
		{name: "cacheBreakpoint with children", intr: "cacheBreakpoint", children: []Piece{Text("x")}, wantErr: true},
		{name: "opaque", intr: "opaque", attrs: map[string]any{"value": 1, "tokenUsage": 5}},
		{name: "opaque negative usage", intr: "opaque", attrs: map[string]any{"tokenUsage": -1}, wantErr: true},
		{name: "elementJSON without data", intr: "elementJSON", wantErr: true},
		{name: "unknown", intr: "marquee", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Intrinsic(tt.intr, tt.attrs, tt.children...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Intrinsic(%q) error = %v, wantErr %v", tt.intr, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTemplate) {
				t.Errorf("error %v should match ErrInvalidTemplate", err)
			}
		})
	}
}

func TestIntrinsic_Renders(t *testing.T) {
	meta, err := Intrinsic("meta", map[string]any{"value": "global note"})
	if err != nil {
		t.Fatalf("Intrinsic() error = %v", err)
	}
	bp, err := Intrinsic("cacheBreakpoint", map[string]any{"type": "ephemeral"})
	if err != nil {
		t.Fatalf("Intrinsic() error = %v", err)
	}
	res := render(t, 100, User(Props{}, Text("cached"), bp, meta))

	if len(res.Metadata) != 1 || res.Metadata[0] != "global note" {
		t.Errorf("Metadata = %v, want the global note", res.Metadata)
	}
	if _, ok := res.Messages[0].Content[1].(CacheBreakpointPart); !ok {
		t.Errorf("Content = %v, want a breakpoint after the text", res.Messages[0].Content)
	}
}

func TestElementName(t *testing.T) {
	if got := El(&probe{}, Props{}).name; got != "probe" {
		t.Errorf("name = %q, want %q", got, "probe")
	}
	if got := El(&probe{}, Props{Name: "custom"}).name; got != "custom" {
		t.Errorf("name = %q, want %q", got, "custom")
	}
}

func TestRoleAndMode(t *testing.T) {
	for _, role := range []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool} {
		got, err := ParseRole(role.String())
		if err != nil || got != role {
			t.Errorf("ParseRole(%q) = %v, %v", role.String(), got, err)
		}
	}
	if _, err := ParseRole("robot"); err == nil {
		t.Error("ParseRole(robot) should fail")
	}
	if m, err := ParseOutputMode("openai"); err != nil || m != ModeOpenAI {
		t.Errorf("ParseOutputMode(openai) = %v, %v", m, err)
	}
	if got := (ModeOpenAI | ModeHostChat).String(); got != "openai|host" {
		t.Errorf("String() = %q", got)
	}
}

func TestToHostChat(t *testing.T) {
	msgs := []ChatMessage{
		{Role: RoleSystem, Content: []ContentPart{TextPart{Text: "rules"}}},
		{Role: RoleUser, Name: "bob", Content: []ContentPart{
			TextPart{Text: "look"},
			ImagePart{URL: "a.png", Detail: "high"},
			OpaquePart{Value: "openai only", Mode: ModeOpenAI},
			OpaquePart{Value: "host data", Mode: ModeHostChat},
		}},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "grep", Arguments: `{"pattern":"x"}`}}},
		{Role: RoleTool, ToolCallID: "c1", Content: []ContentPart{TextPart{Text: "found"}}},
	}

	out, err := ToHostChat(msgs)
	if err != nil {
		t.Fatalf("ToHostChat() error = %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	if out[1].Name != "bob" || len(out[1].Parts) != 3 {
		t.Errorf("user message = %+v, want text, image and host data", out[1])
	}
	call, ok := out[2].Parts[0].(HostToolCallPart)
	if !ok || call.Input["pattern"] != "x" {
		t.Errorf("assistant parts = %+v, want a parsed tool call", out[2].Parts)
	}
	result, ok := out[3].Parts[0].(HostToolResultPart)
	if out[3].Role != HostRoleUser || !ok || result.CallID != "c1" {
		t.Errorf("tool message = %+v, want a user message with a tool result", out[3])
	}

	_, err = ToHostChat([]ChatMessage{{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "x", Arguments: "{"}}}})
	if err == nil {
		t.Error("ToHostChat() should reject malformed arguments")
	}
}

func TestExpandable_Grows(t *testing.T) {
	var budgets []int
	grow := func(ctx context.Context, s *Sizing) (Piece, error) {
		budgets = append(budgets, s.TokenBudget)
		return Text(strings.Repeat("w ", min(s.TokenBudget, 30))), nil
	}

	res := render(t, 50, Fragment(
		System(Props{}, Text("sys words")),
		User(Props{}, Expandable(Props{}, grow)),
	))

	if len(budgets) != 2 {
		t.Fatalf("expand called %d times, want 2", len(budgets))
	}
	if budgets[0] != 22 || budgets[1] != 42 {
		t.Errorf("budgets = %v, want [22 42]", budgets)
	}
	if got := len(strings.Fields(res.Messages[1].Text())); got != 30 {
		t.Errorf("grown text has %d words, want 30", got)
	}
	if res.TokenCount != 38 {
		t.Errorf("TokenCount = %d, want 38", res.TokenCount)
	}
}

func TestExpandable_NoSlack(t *testing.T) {
	calls := 0
	grow := func(ctx context.Context, s *Sizing) (Piece, error) {
		calls++
		return Text(strings.Repeat("w ", s.TokenBudget)), nil
	}
	render(t, 10, User(Props{}, Expandable(Props{}, grow)))
	if calls != 1 {
		t.Errorf("expand called %d times, want 1", calls)
	}
}

func TestExpandable_ImageInMessage(t *testing.T) {
	calls := 0
	grow := func(ctx context.Context, s *Sizing) (Piece, error) {
		calls++
		return Fragment(Image(Props{}, "https://example.com/a.png", "low"), Text("more")), nil
	}

	res := render(t, 100, User(Props{}, Text("hello"), Expandable(Props{}, grow)))

	if calls != 2 {
		t.Fatalf("expand called %d times, want 2", calls)
	}
	var images int
	for _, part := range res.Messages[0].Content {
		if _, ok := part.(ImagePart); ok {
			images++
		}
	}
	if images != 1 {
		t.Errorf("Content = %v, want one image", res.Messages[0].Content)
	}
	if got := res.Messages[0].Text(); !strings.Contains(got, "more") {
		t.Errorf("Text() = %q, want the grown text", got)
	}
}

func TestExpandable_NestedMessageRejected(t *testing.T) {
	calls := 0
	grow := func(ctx context.Context, s *Sizing) (Piece, error) {
		calls++
		if calls == 1 {
			return Text("short"), nil
		}
		return User(Props{}, Text("nested")), nil
	}

	_, err := NewRenderer(wordTokenizer{}, 100).Render(context.Background(),
		User(Props{}, Expandable(Props{}, grow)))
	if !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("Render() error = %v, want ErrInvalidTemplate", err)
	}
}

func TestExpandable_GlobalMetadataOnce(t *testing.T) {
	calls := 0
	grow := func(ctx context.Context, s *Sizing) (Piece, error) {
		calls++
		return Fragment(IgnoredFiles("secret.txt"), Text("body")), nil
	}

	res := render(t, 100, User(Props{}, Expandable(Props{}, grow)))

	if calls != 2 {
		t.Fatalf("expand called %d times, want 2", calls)
	}
	ignored := MetadataOf[IgnoredFilesMetadata](res.Metadata)
	if len(ignored) != 1 || ignored[0].Paths[0] != "secret.txt" {
		t.Errorf("IgnoredFiles metadata = %v, want one entry", ignored)
	}
}
