package template

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/s33g/promptkit/internal/tokenizer"
	"github.com/s33g/promptkit/pkg/prompt"
)

const chatTemplate = `
name: chat
vars:
  tone: terse
prompt:
  - type: system
    text: "Be {{ .tone }}."
  - type: user
    children:
      - type: textChunk
        priority: 1
        text: aaaaaaaa
      - type: textChunk
        priority: 9
        text: bbbbbbbb
`

func renderTemplate(t *testing.T, budget int, data string, opts BuildOptions) *prompt.RenderResult {
	t.Helper()
	tmpl, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	root, err := tmpl.Build(opts)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	tok := tokenizer.NewEstimator(4, 3, prompt.ModeOpenAI)
	res, err := prompt.NewRenderer(tok, budget).Render(context.Background(), root)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	return res
}

func TestParse(t *testing.T) {
	tmpl, err := Parse([]byte(`
prompt:
  - type: user
    children:
      - plain text
      - type: br
      - text: implicit text node
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	kids := tmpl.Prompt[0].Children
	if len(kids) != 3 {
		t.Fatalf("len(Children) = %d, want 3", len(kids))
	}
	if kids[0].Type != "text" || kids[0].Text != "plain text" {
		t.Errorf("Children[0] = %+v, want a text node", kids[0])
	}
	if kids[2].Type != "text" {
		t.Errorf("Children[2].Type = %q, want text", kids[2].Type)
	}
	if kids[0].line != 5 {
		t.Errorf("line = %d, want 5", kids[0].line)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", "prompt: ["},
		{"empty prompt", "name: nothing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Error("Parse() expected error")
			}
		})
	}
}

func TestBuild_Renders(t *testing.T) {
	res := renderTemplate(t, 100, chatTemplate, BuildOptions{})

	if len(res.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(res.Messages))
	}
	if got := res.Messages[0].Text(); got != "Be terse." {
		t.Errorf("system = %q, want the default var", got)
	}
	if got := res.Messages[1].Text(); got != "aaaaaaaa\nbbbbbbbb" {
		t.Errorf("user = %q", got)
	}
}

func TestBuild_VarsOverride(t *testing.T) {
	res := renderTemplate(t, 100, chatTemplate, BuildOptions{Vars: map[string]string{"tone": "kind"}})
	if got := res.Messages[0].Text(); got != "Be kind." {
		t.Errorf("system = %q, want the override", got)
	}
}

func TestBuild_PrunesByPriority(t *testing.T) {
	// system 8 + user 9 = 17 tokens
	res := renderTemplate(t, 14, chatTemplate, BuildOptions{})
	if got := res.Messages[1].Text(); got != "bbbbbbbb" {
		t.Errorf("user = %q, want the low priority chunk pruned", got)
	}
}

func TestBuild_Intrinsics(t *testing.T) {
	res := renderTemplate(t, 100, `
prompt:
  - type: user
    children:
      - cached part
      - type: cacheBreakpoint
        attrs:
          type: ephemeral
      - type: image
        src: https://example.com/cat.png
        detail: low
      - type: opaque
        attrs:
          value: {kind: blob}
          tokenUsage: 4
          mode: openai
  - type: references
    refs:
      - uri: file:///a.go
        title: a.go
  - type: ignoredFiles
    paths: [secret.env]
  - type: meta
    text: note
`, BuildOptions{})

	content := res.Messages[0].Content
	if len(content) != 4 {
		t.Fatalf("len(Content) = %d, want 4: %+v", len(content), content)
	}
	if _, ok := content[1].(prompt.CacheBreakpointPart); !ok {
		t.Errorf("Content[1] = %#v, want a breakpoint", content[1])
	}
	if op, ok := content[3].(prompt.OpaquePart); !ok || op.Mode != prompt.ModeOpenAI || op.TokenUsage != 4 {
		t.Errorf("Content[3] = %#v, want the opaque part", content[3])
	}
	if len(res.References) != 1 || res.References[0].URI != "file:///a.go" {
		t.Errorf("References = %+v", res.References)
	}
	if files := prompt.MetadataOf[prompt.IgnoredFilesMetadata](res.Metadata); len(files) != 1 || files[0].Paths[0] != "secret.env" {
		t.Errorf("IgnoredFiles = %+v", files)
	}
	if notes := prompt.MetadataOf[string](res.Metadata); len(notes) != 1 || notes[0] != "note" {
		t.Errorf("meta = %+v", notes)
	}
}

func TestBuild_ToolMessages(t *testing.T) {
	res := renderTemplate(t, 100, `
prompt:
  - type: assistant
    tool_calls:
      - {id: c1, name: search, arguments: '{"q":"go"}'}
  - type: tool
    tool_call_id: c1
    text: results
`, BuildOptions{})

	if len(res.Messages[0].ToolCalls) != 1 || res.Messages[0].ToolCalls[0].Name != "search" {
		t.Errorf("Messages[0] = %+v, want the tool call", res.Messages[0])
	}
	if res.Messages[1].ToolCallID != "c1" || res.Messages[1].Text() != "results" {
		t.Errorf("Messages[1] = %+v, want the tool result", res.Messages[1])
	}
}

func TestBuild_Elements(t *testing.T) {
	called := false
	res := renderTemplate(t, 100, `
prompt:
  - type: element
    name: greeting
  - type: ifEmpty
    alternate:
      - type: user
        text: fallback
    children:
      - type: group
`, BuildOptions{Elements: map[string]ElementFactory{
		"greeting": func(n *Node) (prompt.Piece, error) {
			called = true
			return prompt.User(prompt.Props{}, prompt.Text("hello")), nil
		},
	}})

	if !called {
		t.Error("element factory was not called")
	}
	if got := strings.Join([]string{res.Messages[0].Text(), res.Messages[1].Text()}, " "); got != "hello fallback" {
		t.Errorf("messages = %q, want hello fallback", got)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		invalid bool
	}{
		{"unknown type", "prompt:\n  - type: marquee\n", true},
		{"missing var", "prompt:\n  - type: user\n    text: '{{ .missing }}'\n", true},
		{"tool without id", "prompt:\n  - type: tool\n    text: x\n", true},
		{"user tool calls", "prompt:\n  - type: user\n    tool_calls: [{id: a}]\n", true},
		{"bad reserve", "prompt:\n  - type: group\n    flex_reserve: /0\n", true},
		{"zero limit", "prompt:\n  - type: tokenLimit\n", true},
		{"unknown element", "prompt:\n  - type: element\n    name: nope\n", true},
		{"image without src", "prompt:\n  - type: image\n", true},
		{"missing file", "prompt:\n  - type: user\n    file: nope.txt\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := Parse([]byte(tt.data))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			_, err = tmpl.Build(BuildOptions{})
			if err == nil {
				t.Fatal("Build() expected error")
			}
			if errors.Is(err, prompt.ErrInvalidTemplate) != tt.invalid {
				t.Errorf("Build() error = %v, ErrInvalidTemplate = %v", err, tt.invalid)
			}
		})
	}
}

func TestLoad_ReadsFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rules.md"), []byte("Follow the rules."), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "review.yaml")
	if err := os.WriteFile(path, []byte("prompt:\n  - type: system\n    file: rules.md\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tmpl, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tmpl.Name != "review" {
		t.Errorf("Name = %q, want it derived from the file name", tmpl.Name)
	}
	if files := tmpl.Files(); len(files) != 1 || files[0] != filepath.Join(dir, "rules.md") {
		t.Errorf("Files() = %v", files)
	}

	root, err := tmpl.Build(BuildOptions{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	res, err := prompt.NewRenderer(tokenizer.NewEstimator(0, 0, 0), 100).Render(context.Background(), root)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got := res.Messages[0].Text(); got != "Follow the rules." {
		t.Errorf("system = %q", got)
	}
}

func TestBuild_ExpandsFileText(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rules.md"), []byte("Answer in {{ .lang }}."), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "rules.yaml")
	data := "vars:\n  lang: French\nprompt:\n  - type: system\n    file: rules.md\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	tmpl, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"default var", nil, "Answer in French."},
		{"override", map[string]string{"lang": "Dutch"}, "Answer in Dutch."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := tmpl.Build(BuildOptions{Vars: tt.vars})
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			res, err := prompt.NewRenderer(tokenizer.NewEstimator(0, 0, 0), 100).Render(context.Background(), root)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got := res.Messages[0].Text(); got != tt.want {
				t.Errorf("system = %q, want %q", got, tt.want)
			}
		})
	}
}
