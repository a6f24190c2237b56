package commands

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/s33g/promptkit/internal/config"
	"github.com/s33g/promptkit/pkg/prompt"
)

func sampleResult() *prompt.RenderResult {
	return &prompt.RenderResult{
		Messages: []prompt.ChatMessage{
			{Role: prompt.RoleSystem, Content: []prompt.ContentPart{prompt.TextPart{Text: "be brief"}}},
			{Role: prompt.RoleUser, Name: "alice", Content: []prompt.ContentPart{prompt.TextPart{Text: "hi"}}},
			{Role: prompt.RoleAssistant, ToolCalls: []prompt.ToolCall{{ID: "c1", Name: "grep", Arguments: `{"q":"x"}`}}},
			{Role: prompt.RoleTool, ToolCallID: "c1", Content: []prompt.ContentPart{prompt.TextPart{Text: "found"}}},
		},
		TokenCount: 42,
		Removed:    3,
		References: []prompt.Reference{{URI: "file:///a.go"}},
		Metadata:   []prompt.Metadata{prompt.IgnoredFilesMetadata{Paths: []string{"secret.env"}}},
	}
}

func TestWriteResult(t *testing.T) {
	tests := []struct {
		name string
		mode prompt.OutputMode
		want []string
	}{
		{
			name: "raw",
			mode: prompt.ModeRaw,
			want: []string{"### system\nbe brief", "### user (alice)\nhi", "-> grep({\"q\":\"x\"}) [c1]", "### tool [c1]\nfound"},
		},
		{
			name: "openai",
			mode: prompt.ModeOpenAI,
			want: []string{`"model": "gpt-4o"`, `"role": "tool"`, `"tool_call_id": "c1"`, `"name": "alice"`},
		},
		{
			name: "host",
			mode: prompt.ModeHostChat,
			want: []string{`"type": "tool_call"`, `"call_id": "c1"`, `"type": "tool_result"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeResult(&buf, sampleResult(), tt.mode, &config.Model{ID: "gpt-4o"}); err != nil {
				t.Fatalf("writeResult() error = %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
		})
	}
}

func TestWriteResult_HostJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeResult(&buf, sampleResult(), prompt.ModeHostChat, nil); err != nil {
		t.Fatalf("writeResult() error = %v", err)
	}
	var msgs []hostMessage
	if err := json.Unmarshal(buf.Bytes(), &msgs); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	if msgs[2].Parts[0].Input["q"] != "x" {
		t.Errorf("tool call input = %v, want parsed arguments", msgs[2].Parts[0].Input)
	}
	if msgs[3].Role != "user" || msgs[3].Parts[0].Content[0].Text != "found" {
		t.Errorf("tool result = %+v, want a user message carrying the result", msgs[3])
	}
}

func TestSummary(t *testing.T) {
	got := summary(sampleResult(), 100)
	for _, want := range []string{"4 messages, 42/100 tokens, 3 pruned", "references: file:///a.go", "ignored: secret.env"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
}

func TestTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"short question", "short question"},
		{"  spaced\n\tout  ", "spaced out"},
		{strings.Repeat("é", 70), strings.Repeat("é", 57) + "..."},
	}

	for _, tt := range tests {
		if got := title(tt.in); got != tt.want {
			t.Errorf("title(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
