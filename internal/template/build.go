package template

import (
	"fmt"
	"maps"
	"os"

	"github.com/s33g/promptkit/pkg/prompt"
)

// ElementFactory builds a piece for a node of type "element". Hosts register
// factories for elements that need runtime state, such as chat history.
type ElementFactory func(n *Node) (prompt.Piece, error)

// BuildOptions configure Build.
type BuildOptions struct {
	// Vars override the template's default vars.
	Vars     map[string]string
	Elements map[string]ElementFactory
}

type builder struct {
	t    *Template
	opts BuildOptions
	vars map[string]string
}

// Build converts the template into a piece tree ready to render.
func (t *Template) Build(opts BuildOptions) (prompt.Piece, error) {
	b := &builder{t: t, opts: opts, vars: make(map[string]string)}
	maps.Copy(b.vars, t.Vars)
	maps.Copy(b.vars, opts.Vars)

	pieces, err := b.nodes(t.Prompt, "prompt")
	if err != nil {
		return prompt.Piece{}, err
	}
	return prompt.Fragment(pieces...), nil
}

func (b *builder) nodes(nodes []Node, path string) ([]prompt.Piece, error) {
	pieces := make([]prompt.Piece, 0, len(nodes))
	for i := range nodes {
		pc, err := b.node(&nodes[i], fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, pc)
	}
	return pieces, nil
}

func (b *builder) invalid(n *Node, path, reason string) error {
	return fmt.Errorf("%s (line %d): %w", path, n.line, &prompt.ValidationError{Element: n.Type, Reason: reason})
}

func (b *builder) props(n *Node, path string) (prompt.Props, error) {
	reserve, err := prompt.ParseReserve(n.FlexReserve)
	if err != nil {
		return prompt.Props{}, b.invalid(n, path, err.Error())
	}
	return prompt.Props{
		Priority:     n.Priority,
		FlexGrow:     n.FlexGrow,
		FlexBasis:    n.FlexBasis,
		FlexReserve:  reserve,
		PassPriority: n.PassPriority,
		Name:         n.Name,
	}, nil
}

// text returns the node's text, read from File when set, with vars expanded.
func (b *builder) text(n *Node, path string) (string, error) {
	text := n.Text
	if n.File != "" {
		data, err := os.ReadFile(b.t.resolve(n.File))
		if err != nil {
			return "", fmt.Errorf("%s (line %d): failed to read %s: %w", path, n.line, n.File, err)
		}
		text = string(data)
	}
	expanded, err := expand(text, b.vars)
	if err != nil {
		return "", b.invalid(n, path, err.Error())
	}
	return expanded, nil
}

func (b *builder) node(n *Node, path string) (prompt.Piece, error) {
	props, err := b.props(n, path)
	if err != nil {
		return prompt.Piece{}, err
	}

	children := func() ([]prompt.Piece, error) {
		pieces, err := b.nodes(n.Children, path)
		if err != nil {
			return nil, err
		}
		if n.Text != "" || n.File != "" {
			text, err := b.text(n, path)
			if err != nil {
				return nil, err
			}
			pieces = append([]prompt.Piece{prompt.Text(text)}, pieces...)
		}
		return pieces, nil
	}

	switch n.Type {
	case "text":
		if len(n.Children) > 0 {
			return prompt.Piece{}, b.invalid(n, path, "text cannot have children")
		}
		text, err := b.text(n, path)
		if err != nil {
			return prompt.Piece{}, err
		}
		if n.Priority != nil {
			return prompt.TextChunk(props, prompt.Text(text)), nil
		}
		return prompt.Text(text), nil

	case "textChunk":
		kids, err := children()
		if err != nil {
			return prompt.Piece{}, err
		}
		return prompt.TextChunk(props, kids...), nil

	case "truncate":
		text, err := b.text(n, path)
		if err != nil {
			return prompt.Piece{}, err
		}
		return prompt.TruncatedText(props, n.BreakOn, text), nil

	case "system", "user", "assistant", "tool":
		role, err := prompt.ParseRole(n.Type)
		if err != nil {
			return prompt.Piece{}, b.invalid(n, path, err.Error())
		}
		kids, err := children()
		if err != nil {
			return prompt.Piece{}, err
		}
		switch {
		case role == prompt.RoleTool:
			if n.ToolCallID == "" {
				return prompt.Piece{}, b.invalid(n, path, "tool_call_id is required")
			}
			return prompt.ToolResult(props, n.ToolCallID, kids...), nil
		case len(n.ToolCalls) > 0:
			if role != prompt.RoleAssistant {
				return prompt.Piece{}, b.invalid(n, path, "only assistant messages can call tools")
			}
			calls := make([]prompt.ToolCall, len(n.ToolCalls))
			for i, tc := range n.ToolCalls {
				calls[i] = prompt.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
			}
			return prompt.AssistantToolCalls(props, calls, kids...), nil
		}
		return prompt.Message(role, props, kids...), nil

	case "fragment", "group", "chunk", "legacy":
		kids, err := children()
		if err != nil {
			return prompt.Piece{}, err
		}
		switch n.Type {
		case "fragment":
			return prompt.Fragment(kids...), nil
		case "chunk":
			return prompt.Chunk(props, kids...), nil
		case "legacy":
			return prompt.LegacyPrioritization(props, kids...), nil
		}
		return prompt.Group(props, kids...), nil

	case "tokenLimit":
		if n.Limit <= 0 {
			return prompt.Piece{}, b.invalid(n, path, "limit must be positive")
		}
		kids, err := children()
		if err != nil {
			return prompt.Piece{}, err
		}
		return prompt.TokenLimit(n.Limit, props, kids...), nil

	case "ifEmpty":
		alt, err := b.nodes(n.Alternate, path+".alternate")
		if err != nil {
			return prompt.Piece{}, err
		}
		kids, err := children()
		if err != nil {
			return prompt.Piece{}, err
		}
		return prompt.IfEmpty(prompt.Fragment(alt...), props, kids...), nil

	case "image":
		if n.Src == "" {
			return prompt.Piece{}, b.invalid(n, path, "src is required")
		}
		return prompt.Image(props, n.Src, n.Detail), nil

	case "element":
		factory, ok := b.opts.Elements[n.Name]
		if !ok {
			return prompt.Piece{}, b.invalid(n, path, fmt.Sprintf("no element named %q", n.Name))
		}
		pc, err := factory(n)
		if err != nil {
			return prompt.Piece{}, fmt.Errorf("%s (line %d): %w", path, n.line, err)
		}
		return pc, nil
	}

	return b.intrinsic(n, path)
}

// intrinsic converts YAML attributes to the types the intrinsic expects.
func (b *builder) intrinsic(n *Node, path string) (prompt.Piece, error) {
	attrs := make(map[string]any, len(n.Attrs)+2)
	maps.Copy(attrs, n.Attrs)

	switch n.Type {
	case "references", "usedContext":
		attrs["value"] = n.Refs
	case "ignoredFiles":
		attrs["value"] = n.Paths
	case "meta":
		if n.Text != "" {
			text, err := b.text(n, path)
			if err != nil {
				return prompt.Piece{}, err
			}
			attrs["value"] = text
		}
	case "opaque":
		props, err := b.props(n, path)
		if err != nil {
			return prompt.Piece{}, err
		}
		attrs["props"] = props
		if s, ok := attrs["mode"].(string); ok {
			mode, err := prompt.ParseOutputMode(s)
			if err != nil {
				return prompt.Piece{}, b.invalid(n, path, err.Error())
			}
			attrs["mode"] = mode
		}
	case "elementJSON":
		if n.File != "" {
			data, err := os.ReadFile(b.t.resolve(n.File))
			if err != nil {
				return prompt.Piece{}, fmt.Errorf("%s (line %d): failed to read %s: %w", path, n.line, n.File, err)
			}
			attrs["data"] = data
		}
	}

	kids, err := b.nodes(n.Children, path)
	if err != nil {
		return prompt.Piece{}, err
	}
	pc, err := prompt.Intrinsic(n.Type, attrs, kids...)
	if err != nil {
		return prompt.Piece{}, fmt.Errorf("%s (line %d): %w", path, n.line, err)
	}
	return pc, nil
}
