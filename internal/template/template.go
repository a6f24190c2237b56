// Package template loads declarative YAML prompt templates and builds them
// into prompt element trees.
package template

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	texttemplate "text/template"

	"gopkg.in/yaml.v3"

	"github.com/s33g/promptkit/pkg/prompt"
)

// Template is a parsed prompt template file.
type Template struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Budget overrides the configured prompt budget when set.
	Budget int `yaml:"budget"`
	// Vars are default values for {{ .name }} references in text.
	Vars   map[string]string `yaml:"vars"`
	Prompt []Node            `yaml:"prompt"`

	dir string
}

// Node is one element of a template. A bare YAML string is a text node.
type Node struct {
	Type string `yaml:"type"`
	Text string `yaml:"text"`
	// File reads the text from a file relative to the template.
	File string `yaml:"file"`
	Name string `yaml:"name"`

	Priority     *uint  `yaml:"priority"`
	FlexGrow     int    `yaml:"flex_grow"`
	FlexBasis    int    `yaml:"flex_basis"`
	FlexReserve  string `yaml:"flex_reserve"`
	PassPriority bool   `yaml:"pass_priority"`

	Limit      int                `yaml:"limit"`
	BreakOn    string             `yaml:"break_on"`
	Src        string             `yaml:"src"`
	Detail     string             `yaml:"detail"`
	ToolCalls  []ToolCall         `yaml:"tool_calls"`
	ToolCallID string             `yaml:"tool_call_id"`
	Refs       []prompt.Reference `yaml:"refs"`
	Paths      []string           `yaml:"paths"`
	Attrs      map[string]any     `yaml:"attrs"`
	Alternate  []Node             `yaml:"alternate"`
	Children   []Node             `yaml:"children"`

	line int
}

// ToolCall is a tool call declared on an assistant node.
type ToolCall struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Arguments string `yaml:"arguments"`
}

// UnmarshalYAML accepts a bare string as a text node.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*n = Node{Type: "text", Text: value.Value, line: value.Line}
		return nil
	}
	type plain Node
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*n = Node(p)
	n.line = value.Line
	if n.Type == "" {
		n.Type = "text"
	}
	return nil
}

// Load reads and parses a template file.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.dir = filepath.Dir(path)
	if t.Name == "" {
		t.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return t, nil
}

// Parse parses template YAML.
func Parse(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	if len(t.Prompt) == 0 {
		return nil, fmt.Errorf("%w: template has no prompt", prompt.ErrInvalidTemplate)
	}
	return &t, nil
}

// Files returns the files the template reads, for watching.
func (t *Template) Files() []string {
	var files []string
	var walk func([]Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			if n.File != "" {
				files = append(files, t.resolve(n.File))
			}
			walk(n.Alternate)
			walk(n.Children)
		}
	}
	walk(t.Prompt)
	return files
}

func (t *Template) resolve(path string) string {
	if filepath.IsAbs(path) || t.dir == "" {
		return path
	}
	return filepath.Join(t.dir, path)
}

// expand substitutes vars into text.
func expand(text string, vars map[string]string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := texttemplate.New("text").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
