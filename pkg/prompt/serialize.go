package prompt

import (
	"encoding/json"
	"fmt"
)

// elementJSONVersion is the version of the serialized tree format.
const elementJSONVersion = 1

// Serialized node types. Container, text and opaque nodes are the base
// format; image and cache breakpoint nodes are extensions, so a consumer that
// only knows the base types must reject 4 and 5.
const (
	jsonContainer  = 1
	jsonText       = 2
	jsonOpaque     = 3
	jsonImage      = 4
	jsonBreakpoint = 5
)

type jsonDocument struct {
	Version int       `json:"version"`
	Node    *jsonNode `json:"node"`
}

type jsonProps struct {
	FlexBasis    int      `json:"flexBasis,omitempty"`
	FlexGrow     int      `json:"flexGrow,omitempty"`
	FlexReserve  *Reserve `json:"flexReserve,omitempty"`
	PassPriority bool     `json:"passPriority,omitempty"`
	Priority     *uint    `json:"priority,omitempty"`
}

type jsonToolCall struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Arguments string     `json:"arguments"`
	KeepWith  KeepWithID `json:"keepWith,omitempty"`
}

// jsonNode is one serialized node. Type selects which fields apply: 1
// container (ctor, props, keepWith, limit, role and tool calls for
// messages), 2 text, 3 opaque, 4 image (src, detail) and 5 cache
// breakpoint (cacheType). Types 4 and 5 extend the base format.
type jsonNode struct {
	Type       int             `json:"type"`
	Ctor       string          `json:"ctor,omitempty"`
	Name       string          `json:"name,omitempty"`
	Props      *jsonProps      `json:"props,omitempty"`
	KeepWith   KeepWithID      `json:"keepWith,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Role       string          `json:"role,omitempty"`
	ToolCalls  []jsonToolCall  `json:"toolCalls,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Text       string          `json:"text,omitempty"`
	LineBreak  LineBreakBefore `json:"lineBreakBefore,omitempty"`
	Priority   *uint           `json:"priority,omitempty"`
	Value      any             `json:"value,omitempty"`
	TokenUsage int             `json:"tokenUsage,omitempty"`
	Mode       OutputMode      `json:"mode,omitempty"`
	Src        string          `json:"src,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	CacheType  string          `json:"cacheType,omitempty"`
	Children   []*jsonNode     `json:"children,omitempty"`
}

func (p *renderPass) marshal(root *rnode) ([]byte, error) {
	data, err := json.Marshal(jsonDocument{Version: elementJSONVersion, Node: toJSONNode(root)})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize prompt tree: %w", err)
	}
	return data, nil
}

func toJSONProps(props Props, flags ContainerFlags) *jsonProps {
	jp := &jsonProps{
		FlexBasis:    props.FlexBasis,
		FlexGrow:     props.FlexGrow,
		PassPriority: flags.Has(PassPriority),
		Priority:     props.Priority,
	}
	if !props.FlexReserve.IsZero() {
		r := props.FlexReserve
		jp.FlexReserve = &r
	}
	if *jp == (jsonProps{}) {
		return nil
	}
	return jp
}

func toJSONNode(n *rnode) *jsonNode {
	switch n.kind {
	case rText:
		jn := &jsonNode{Type: jsonText, Text: n.text, LineBreak: n.lineBreak}
		if !n.literal {
			prio := n.priority
			jn.Priority = &prio
		}
		return jn
	case rBr:
		return &jsonNode{Type: jsonText, Ctor: "br", LineBreak: LineBreakAlways}
	case rImage:
		return &jsonNode{Type: jsonImage, Src: n.image.URL, Detail: n.image.Detail, Props: toJSONProps(n.props, 0)}
	case rOpaque:
		return &jsonNode{
			Type:       jsonOpaque,
			Value:      n.opaque.Value,
			TokenUsage: n.opaque.TokenUsage,
			Mode:       n.opaque.Mode,
			Props:      toJSONProps(n.props, 0),
		}
	case rBreakpoint:
		return &jsonNode{Type: jsonBreakpoint, CacheType: n.cacheType}
	}

	jn := &jsonNode{
		Type:     jsonContainer,
		Name:     n.name,
		Props:    toJSONProps(n.props, n.flags),
		KeepWith: n.keepWith,
	}
	switch {
	case n.kind == rMessage:
		jn.Ctor = "message"
		jn.Name = n.msgName
		jn.Role = n.message.role.String()
		jn.ToolCallID = n.message.toolCallID
		for _, tc := range n.message.toolCalls {
			jn.ToolCalls = append(jn.ToolCalls, jsonToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments, KeepWith: tc.KeepWith})
		}
	case n.flags.Has(EmptyAlternate):
		jn.Ctor = "ifEmpty"
	case n.ctor == pieceTokenLimit:
		jn.Ctor = "tokenLimit"
		jn.Limit = n.limit
	case n.flags.Has(IsChunk):
		jn.Ctor = "chunk"
	case n.flags.Has(IsLegacyPrioritization):
		jn.Ctor = "legacy"
	default:
		jn.Ctor = "group"
	}
	for _, ch := range n.children {
		jn.Children = append(jn.Children, toJSONNode(ch))
	}
	return jn
}

// decodeElementJSON parses a serialized tree back into pieces. Keep-with ids
// are passed through remap so they cannot collide with ids of the tree the
// pieces are attached to.
func decodeElementJSON(data []byte, remap func(KeepWithID) KeepWithID) (Piece, error) {
	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Piece{}, &ValidationError{Element: "elementJSON", Reason: fmt.Sprintf("malformed data: %v", err)}
	}
	if doc.Version != elementJSONVersion {
		return Piece{}, &ValidationError{Element: "elementJSON", Reason: fmt.Sprintf("unsupported version %d", doc.Version)}
	}
	if doc.Node == nil {
		return Piece{}, nil
	}
	return fromJSONNode(doc.Node, remap)
}

func (jp *jsonProps) props(name string) Props {
	props := Props{Name: name}
	if jp == nil {
		return props
	}
	props.FlexBasis = jp.FlexBasis
	props.FlexGrow = jp.FlexGrow
	props.PassPriority = jp.PassPriority
	props.Priority = jp.Priority
	if jp.FlexReserve != nil {
		props.FlexReserve = *jp.FlexReserve
	}
	return props
}

func fromJSONNode(jn *jsonNode, remap func(KeepWithID) KeepWithID) (Piece, error) {
	switch jn.Type {
	case jsonText:
		if jn.Ctor == "br" {
			return Br(), nil
		}
		p := Text(jn.Text)
		p.lineBreak = jn.LineBreak
		p.props.Priority = jn.Priority
		return p, nil
	case jsonImage:
		return Image(jn.Props.props(""), jn.Src, jn.Detail), nil
	case jsonOpaque:
		return OpaqueValue(jn.Props.props(""), jn.Value, jn.TokenUsage, jn.Mode), nil
	case jsonBreakpoint:
		return CacheBreakpoint(jn.CacheType), nil
	case jsonContainer:
	default:
		return Piece{}, &ValidationError{Element: "elementJSON", Reason: fmt.Sprintf("unknown node type %d", jn.Type)}
	}

	children := make([]Piece, 0, len(jn.Children))
	for _, ch := range jn.Children {
		p, err := fromJSONNode(ch, remap)
		if err != nil {
			return Piece{}, err
		}
		children = append(children, p)
	}
	props := jn.Props.props(jn.Name)

	var p Piece
	switch jn.Ctor {
	case "message":
		role, err := ParseRole(jn.Role)
		if err != nil {
			return Piece{}, &ValidationError{Element: "elementJSON", Reason: err.Error()}
		}
		p = Message(role, props, children...)
		p.message.toolCallID = jn.ToolCallID
		for _, tc := range jn.ToolCalls {
			p.message.toolCalls = append(p.message.toolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments, KeepWith: remap(tc.KeepWith)})
		}
		return p, nil
	case "ifEmpty":
		if len(children) != 2 {
			return Piece{}, &ValidationError{Element: "elementJSON", Reason: "ifEmpty needs an alternate and a default child"}
		}
		p = IfEmpty(children[0], props, children[1])
	case "tokenLimit":
		p = TokenLimit(jn.Limit, props, children...)
	case "chunk":
		p = Chunk(props, children...)
	case "legacy":
		p = LegacyPrioritization(props, children...)
	case "group", "":
		p = Group(props, children...)
	default:
		return Piece{}, &ValidationError{Element: "elementJSON", Reason: fmt.Sprintf("unknown constructor %q", jn.Ctor)}
	}
	p.keepWith = remap(jn.KeepWith)
	return p, nil
}
