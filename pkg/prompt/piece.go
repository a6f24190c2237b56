package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// Element is a user-defined prompt component. Render returns the pieces the
// element expands to, sized for sizing.TokenBudget.
type Element interface {
	Render(ctx context.Context, state any, sizing *Sizing) (Piece, error)
}

// Preparer is implemented by elements that do asynchronous work before
// rendering. All Prepare calls of one flex group run concurrently; the
// returned state is passed to Render.
type Preparer interface {
	Prepare(ctx context.Context, sizing *Sizing) (any, error)
}

// ElementFunc adapts a function to Element.
type ElementFunc func(ctx context.Context, sizing *Sizing) (Piece, error)

func (f ElementFunc) Render(ctx context.Context, _ any, sizing *Sizing) (Piece, error) {
	return f(ctx, sizing)
}

// ExpandFunc renders the content of an Expandable element.
type ExpandFunc func(ctx context.Context, sizing *Sizing) (Piece, error)

type pieceKind uint8

const (
	pieceEmpty pieceKind = iota
	pieceText
	pieceTextChunk
	pieceTruncate
	pieceBr
	pieceFragment
	pieceElement
	pieceMessage
	pieceGroup
	pieceTokenLimit
	pieceIfEmpty
	pieceExpandable
	pieceImage
	pieceOpaque
	pieceBreakpoint
	pieceMeta
	pieceElementJSON
)

type messageSpec struct {
	role       Role
	toolCalls  []ToolCall
	toolCallID string
}

// Piece is one node of an authored prompt. The zero Piece renders nothing.
type Piece struct {
	kind      pieceKind
	name      string
	text      string
	lineBreak LineBreakBefore
	props     Props
	children  []Piece
	element   Element
	flags     ContainerFlags
	keepWith  KeepWithID
	limit     int
	message   *messageSpec
	image     ImagePart
	opaque    OpaquePart
	cacheType string
	meta      Metadata
	local     bool
	expand    ExpandFunc
	data      []byte
	breakOn   string
	err       error
}

// Text is literal text. It takes the priority of the element around it.
func Text(s string) Piece {
	return Piece{kind: pieceText, text: s}
}

// Textf is Text with fmt.Sprintf formatting.
func Textf(format string, args ...any) Piece {
	return Text(fmt.Sprintf(format, args...))
}

// TextChunk is a separately prunable run of text. Only Text and Br children
// are allowed. It starts on a new line unless it is the first text of its
// message.
func TextChunk(props Props, children ...Piece) Piece {
	return Piece{kind: pieceTextChunk, name: "TextChunk", props: props, children: children}
}

// TruncatedText is a text chunk cut at the last breakOn boundary that fits its
// token budget. An empty breakOn cuts at whitespace.
func TruncatedText(props Props, breakOn, text string) Piece {
	return Piece{kind: pieceTruncate, name: "TextChunk", props: props, text: text, breakOn: breakOn}
}

// Br inserts a line break before the next text.
func Br() Piece { return Piece{kind: pieceBr, name: "br"} }

// Fragment groups pieces without creating a node.
func Fragment(children ...Piece) Piece {
	return Piece{kind: pieceFragment, children: children}
}

// El renders a user-defined element.
func El(e Element, props Props) Piece {
	return Piece{kind: pieceElement, name: elementName(e, props), element: e, props: props}
}

// Message creates a chat message of any role.
func Message(role Role, props Props, children ...Piece) Piece {
	return Piece{
		kind:     pieceMessage,
		name:     role.String(),
		props:    props,
		message:  &messageSpec{role: role},
		children: children,
	}
}

// System creates a system message.
func System(props Props, children ...Piece) Piece {
	return Message(RoleSystem, props, children...)
}

// User creates a user message.
func User(props Props, children ...Piece) Piece {
	return Message(RoleUser, props, children...)
}

// Assistant creates an assistant message.
func Assistant(props Props, children ...Piece) Piece {
	return Message(RoleAssistant, props, children...)
}

// AssistantToolCalls creates an assistant message requesting tool calls.
// Arguments must be valid JSON.
func AssistantToolCalls(props Props, calls []ToolCall, children ...Piece) Piece {
	p := Message(RoleAssistant, props, children...)
	p.message.toolCalls = append([]ToolCall(nil), calls...)
	for _, c := range calls {
		if c.Arguments != "" && !json.Valid([]byte(c.Arguments)) {
			p.err = &ValidationError{Element: "assistant", Reason: fmt.Sprintf("tool call %q has malformed arguments", c.ID)}
			break
		}
	}
	return p
}

// ToolResult creates a tool message answering the call with toolCallID.
func ToolResult(props Props, toolCallID string, children ...Piece) Piece {
	p := Message(RoleTool, props, children...)
	p.message.toolCallID = toolCallID
	return p
}

// Group is a plain container. Use it to give several pieces one priority or
// flex position.
func Group(props Props, children ...Piece) Piece {
	return Piece{kind: pieceGroup, name: groupName(props, "Group"), props: props, children: children}
}

// Chunk is pruned as a single unit once it holds nothing finer to remove.
func Chunk(props Props, children ...Piece) Piece {
	return Piece{kind: pieceGroup, name: groupName(props, "Chunk"), props: props, flags: IsChunk, children: children}
}

// TokenLimit caps its children at max tokens, both when sizing and when
// pruning.
func TokenLimit(max int, props Props, children ...Piece) Piece {
	return Piece{kind: pieceTokenLimit, name: groupName(props, "TokenLimit"), props: props, limit: max, children: children}
}

// LegacyPrioritization prunes its subtree by removing the globally lowest
// priority leaf, ignoring structure.
func LegacyPrioritization(props Props, children ...Piece) Piece {
	return Piece{kind: pieceGroup, name: groupName(props, "LegacyPrioritization"), props: props, flags: IsLegacyPrioritization, children: children}
}

// IfEmpty renders children, or alternate when the children render to
// nothing.
func IfEmpty(alternate Piece, props Props, children ...Piece) Piece {
	return Piece{
		kind:     pieceIfEmpty,
		name:     groupName(props, "IfEmpty"),
		props:    props,
		children: []Piece{alternate, Fragment(children...)},
	}
}

// Expandable renders fn once with its flex share and, after pruning, once more
// with the budget that was left unused.
func Expandable(props Props, fn ExpandFunc) Piece {
	return Piece{kind: pieceExpandable, name: groupName(props, "Expandable"), props: props, expand: fn}
}

// Image adds an image to the enclosing message.
func Image(props Props, src, detail string) Piece {
	return Piece{kind: pieceImage, name: "image", props: props, image: ImagePart{URL: src, Detail: detail}}
}

// OpaqueValue adds a value the tokenizer cannot inspect, costing tokenUsage.
func OpaqueValue(props Props, value any, tokenUsage int, mode OutputMode) Piece {
	return Piece{kind: pieceOpaque, name: "opaque", props: props, opaque: OpaquePart{Value: value, TokenUsage: tokenUsage, Mode: mode}}
}

// CacheBreakpoint marks a prompt-caching boundary. It must be a direct child
// of a message.
func CacheBreakpoint(typ string) Piece {
	return Piece{kind: pieceBreakpoint, name: "cacheBreakpoint", cacheType: typ}
}

// Meta attaches metadata. Local metadata is attached to the enclosing node
// and pruned with it; otherwise it is attached to the render result.
func Meta(md Metadata, local bool) Piece {
	return Piece{kind: pieceMeta, name: "meta", meta: md, local: local}
}

// UsedContext records context consumed by the enclosing element.
func UsedContext(refs ...Reference) Piece {
	return Meta(UsedContextMetadata{References: refs}, true)
}

// References records citations of the enclosing element.
func References(refs ...Reference) Piece {
	return Meta(ReferenceMetadata{References: refs}, true)
}

// IgnoredFiles records files left out of the prompt.
func IgnoredFiles(paths ...string) Piece {
	return Meta(IgnoredFilesMetadata{Paths: paths}, false)
}

// ElementJSON re-attaches a subtree serialized by Renderer.RenderJSON.
func ElementJSON(data []byte) Piece {
	return Piece{kind: pieceElementJSON, name: "elementJSON", data: data}
}

// Intrinsic builds a named intrinsic element and checks its child-arity
// contract. Templates use it to construct intrinsics by name.
func Intrinsic(name string, attrs map[string]any, children ...Piece) (Piece, error) {
	switch name {
	case "br", "meta", "usedContext", "references", "ignoredFiles", "cacheBreakpoint", "opaque", "elementJSON":
		if len(children) > 0 {
			return Piece{}, &ValidationError{Element: name, Reason: "children are not allowed"}
		}
	default:
		return Piece{}, &ValidationError{Element: name, Reason: "unknown intrinsic"}
	}

	switch name {
	case "br":
		return Br(), nil
	case "meta":
		local, _ := attrs["local"].(bool)
		v, ok := attrs["value"]
		if !ok {
			return Piece{}, &ValidationError{Element: name, Reason: "missing value"}
		}
		return Meta(v, local), nil
	case "usedContext", "references":
		refs, ok := attrs["value"].([]Reference)
		if !ok {
			return Piece{}, &ValidationError{Element: name, Reason: "value must be a list of references"}
		}
		if name == "usedContext" {
			return UsedContext(refs...), nil
		}
		return References(refs...), nil
	case "ignoredFiles":
		paths, ok := attrs["value"].([]string)
		if !ok {
			return Piece{}, &ValidationError{Element: name, Reason: "value must be a list of paths"}
		}
		return IgnoredFiles(paths...), nil
	case "cacheBreakpoint":
		typ, _ := attrs["type"].(string)
		return CacheBreakpoint(typ), nil
	case "opaque":
		usage, _ := attrs["tokenUsage"].(int)
		if usage < 0 {
			return Piece{}, &ValidationError{Element: name, Reason: "tokenUsage must not be negative"}
		}
		mode, _ := attrs["mode"].(OutputMode)
		props, _ := attrs["props"].(Props)
		return OpaqueValue(props, attrs["value"], usage, mode), nil
	default: // elementJSON
		switch data := attrs["data"].(type) {
		case []byte:
			return ElementJSON(data), nil
		case string:
			return ElementJSON([]byte(data)), nil
		}
		return Piece{}, &ValidationError{Element: name, Reason: "missing serialized data"}
	}
}

func groupName(props Props, fallback string) string {
	if props.Name != "" {
		return props.Name
	}
	return fallback
}

func elementName(e Element, props Props) string {
	if props.Name != "" {
		return props.Name
	}
	if e == nil {
		return "nil"
	}
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "Element"
	}
	return t.Name()
}
