package prompt

import (
	"context"
	"strings"
)

// ContainerFlags alter how a container is laid out and pruned.
type ContainerFlags uint8

const (
	// IsChunk containers are removed whole once no finer unit is left.
	IsChunk ContainerFlags = 1 << iota
	// PassPriority containers expose their children to their siblings'
	// priority competition.
	PassPriority
	// IsLegacyPrioritization subtrees prune the globally lowest leaf.
	IsLegacyPrioritization
	// EmptyAlternate containers hold an alternate and a default child.
	EmptyAlternate
)

// Has reports whether all bits of flag are set.
func (f ContainerFlags) Has(flag ContainerFlags) bool { return f&flag == flag }

// LineBreakBefore controls the newline inserted before a text chunk when a
// message's text is assembled.
type LineBreakBefore uint8

const (
	LineBreakNone LineBreakBefore = iota
	// LineBreakAlways starts the chunk on a new line.
	LineBreakAlways
	// LineBreakIfNotFirstSibling starts the chunk on a new line unless it is
	// the first text of its content run.
	LineBreakIfNotFirstSibling
)

// Node is a node of the materialized tree. It is a closed set:
// *ContainerNode, *MessageNode, *TextNode, *ImageNode, *OpaqueNode and
// *BreakpointNode.
type Node interface {
	ID() int
	Priority() uint
	Metadata() []Metadata
	// Parent returns the owning node, or nil for the root and removed nodes.
	Parent() Branch
	TokenCount(ctx context.Context, tok Tokenizer) (int, error)
	// UpperBoundTokenCount is a cheap over-estimate of TokenCount.
	UpperBoundTokenCount(ctx context.Context, tok Tokenizer) (int, error)
	// BaseMessageTokenCount is the cost of message envelopes in the subtree
	// with all content blanked out.
	BaseMessageTokenCount(ctx context.Context, tok Tokenizer) (int, error)
	IsEmpty() bool

	base() *nodeBase
}

// Branch is a node with children.
type Branch interface {
	Node
	Children() []Node

	childList() *[]Node
	invalidate()
}

type nodeBase struct {
	id       int
	priority uint
	metadata []Metadata
	parent   Branch
}

func (b *nodeBase) ID() int              { return b.id }
func (b *nodeBase) Priority() uint       { return b.priority }
func (b *nodeBase) Metadata() []Metadata { return b.metadata }
func (b *nodeBase) Parent() Branch       { return b.parent }
func (b *nodeBase) base() *nodeBase      { return b }

// memo is a one-shot cached count with an explicit dirty bit.
type memo struct {
	value int
	valid bool
}

func (m *memo) get(compute func() (int, error)) (int, error) {
	if m.valid {
		return m.value, nil
	}
	v, err := compute()
	if err != nil {
		return 0, err
	}
	m.value, m.valid = v, true
	return v, nil
}

func (m *memo) reset() { m.valid = false }

// ContainerNode groups nodes. The root of every materialized tree is a
// container.
type ContainerNode struct {
	nodeBase
	Name     string
	Flags    ContainerFlags
	KeepWith KeepWithID

	children []Node
	tokens   memo
	upper    memo
	envelope memo
}

func (c *ContainerNode) Children() []Node    { return c.children }
func (c *ContainerNode) childList() *[]Node { return &c.children }

func (c *ContainerNode) invalidate() {
	c.tokens.reset()
	c.upper.reset()
	c.envelope.reset()
	if c.parent != nil {
		c.parent.invalidate()
	}
}

func (c *ContainerNode) TokenCount(ctx context.Context, tok Tokenizer) (int, error) {
	return c.tokens.get(func() (int, error) {
		return sumChildren(c.children, func(n Node) (int, error) { return n.TokenCount(ctx, tok) })
	})
}

func (c *ContainerNode) UpperBoundTokenCount(ctx context.Context, tok Tokenizer) (int, error) {
	return c.upper.get(func() (int, error) {
		return sumChildren(c.children, func(n Node) (int, error) { return n.UpperBoundTokenCount(ctx, tok) })
	})
}

func (c *ContainerNode) BaseMessageTokenCount(ctx context.Context, tok Tokenizer) (int, error) {
	return c.envelope.get(func() (int, error) {
		return sumChildren(c.children, func(n Node) (int, error) { return n.BaseMessageTokenCount(ctx, tok) })
	})
}

func (c *ContainerNode) IsEmpty() bool {
	for _, ch := range c.children {
		if !ch.IsEmpty() {
			return false
		}
	}
	return true
}

// MessageNode is a chat message. Its children are content leaves and
// containers of content leaves.
type MessageNode struct {
	nodeBase
	Role       Role
	Name       string
	ToolCalls  []ToolCall
	ToolCallID string

	children []Node
	tokens   memo
	upper    memo
	envelope memo
}

func (m *MessageNode) Children() []Node    { return m.children }
func (m *MessageNode) childList() *[]Node { return &m.children }

func (m *MessageNode) invalidate() {
	m.tokens.reset()
	m.upper.reset()
	m.envelope.reset()
	if m.parent != nil {
		m.parent.invalidate()
	}
}

func (m *MessageNode) TokenCount(ctx context.Context, tok Tokenizer) (int, error) {
	return m.tokens.get(func() (int, error) {
		if err := checkContext(ctx); err != nil {
			return 0, err
		}
		return tok.CountMessageTokens(ctx, m.ToChatMessage())
	})
}

func (m *MessageNode) UpperBoundTokenCount(ctx context.Context, tok Tokenizer) (int, error) {
	return m.upper.get(func() (int, error) {
		envelope, err := m.BaseMessageTokenCount(ctx, tok)
		if err != nil {
			return 0, err
		}
		content, err := sumChildren(m.children, func(n Node) (int, error) { return n.UpperBoundTokenCount(ctx, tok) })
		return envelope + content, err
	})
}

func (m *MessageNode) BaseMessageTokenCount(ctx context.Context, tok Tokenizer) (int, error) {
	return m.envelope.get(func() (int, error) {
		if err := checkContext(ctx); err != nil {
			return 0, err
		}
		return tok.CountMessageTokens(ctx, ChatMessage{
			Role:       m.Role,
			Name:       m.Name,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	})
}

func (m *MessageNode) IsEmpty() bool {
	if len(m.ToolCalls) > 0 {
		return false
	}
	for _, ch := range m.children {
		if !ch.IsEmpty() {
			return false
		}
	}
	return true
}

// Text returns the assembled text of the message.
func (m *MessageNode) Text() string {
	return m.ToChatMessage().Text()
}

// ToChatMessage assembles the message content. Consecutive text leaves form
// one text part; images, opaque values and breakpoints split the run.
func (m *MessageNode) ToChatMessage() ChatMessage {
	msg := ChatMessage{
		Role:       m.Role,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
	var run strings.Builder
	inRun := false
	flush := func() {
		if inRun {
			msg.Content = append(msg.Content, TextPart{Text: run.String()})
			run.Reset()
			inRun = false
		}
	}
	walkLeaves(m.children, func(leaf Node) {
		switch l := leaf.(type) {
		case *TextNode:
			appendText(&run, l.Text, l.LineBreakBefore)
			inRun = true
		case *ImageNode:
			flush()
			msg.Content = append(msg.Content, ImagePart{URL: l.Src, Detail: l.Detail})
		case *OpaqueNode:
			flush()
			msg.Content = append(msg.Content, OpaquePart{Value: l.Value, TokenUsage: l.TokenUsage, Mode: l.Mode})
		case *BreakpointNode:
			flush()
			msg.Content = append(msg.Content, CacheBreakpointPart{Type: l.Type})
		}
	})
	flush()
	return msg
}

// appendText adds text to sb, inserting a newline when lb asks for one and
// sb does not already end with one.
func appendText(sb *strings.Builder, text string, lb LineBreakBefore) {
	cur := sb.String()
	need := lb == LineBreakAlways || (lb == LineBreakIfNotFirstSibling && cur != "")
	if need && !strings.HasSuffix(cur, "\n") {
		sb.WriteByte('\n')
	}
	sb.WriteString(text)
}

// TextNode is a run of message text.
type TextNode struct {
	nodeBase
	Text            string
	LineBreakBefore LineBreakBefore

	literal bool
	tokens  memo
}

func (t *TextNode) TokenCount(ctx context.Context, tok Tokenizer) (int, error) {
	return t.tokens.get(func() (int, error) {
		if err := checkContext(ctx); err != nil {
			return 0, err
		}
		return tok.TokenLength(ctx, TextPart{Text: t.Text})
	})
}

func (t *TextNode) UpperBoundTokenCount(ctx context.Context, tok Tokenizer) (int, error) {
	n, err := t.TokenCount(ctx, tok)
	if err != nil {
		return 0, err
	}
	if t.LineBreakBefore != LineBreakNone {
		n++
	}
	return n, nil
}

func (t *TextNode) BaseMessageTokenCount(context.Context, Tokenizer) (int, error) { return 0, nil }
func (t *TextNode) IsEmpty() bool                                                { return strings.TrimSpace(t.Text) == "" }

// ImageNode is an image in a message.
type ImageNode struct {
	nodeBase
	Src    string
	Detail string

	tokens memo
}

func (i *ImageNode) TokenCount(ctx context.Context, tok Tokenizer) (int, error) {
	return i.tokens.get(func() (int, error) {
		if err := checkContext(ctx); err != nil {
			return 0, err
		}
		return tok.TokenLength(ctx, ImagePart{URL: i.Src, Detail: i.Detail})
	})
}

func (i *ImageNode) UpperBoundTokenCount(ctx context.Context, tok Tokenizer) (int, error) {
	return i.TokenCount(ctx, tok)
}

func (i *ImageNode) BaseMessageTokenCount(context.Context, Tokenizer) (int, error) { return 0, nil }
func (i *ImageNode) IsEmpty() bool                                                { return false }

// OpaqueNode is a value with a declared token cost.
type OpaqueNode struct {
	nodeBase
	Value      any
	TokenUsage int
	Mode       OutputMode
}

func (o *OpaqueNode) TokenCount(context.Context, Tokenizer) (int, error) { return o.TokenUsage, nil }
func (o *OpaqueNode) UpperBoundTokenCount(context.Context, Tokenizer) (int, error) {
	return o.TokenUsage, nil
}
func (o *OpaqueNode) BaseMessageTokenCount(context.Context, Tokenizer) (int, error) { return 0, nil }
func (o *OpaqueNode) IsEmpty() bool                                                { return false }

// BreakpointNode is a zero-cost cache breakpoint.
type BreakpointNode struct {
	nodeBase
	Type string
}

func (b *BreakpointNode) TokenCount(context.Context, Tokenizer) (int, error) { return 0, nil }
func (b *BreakpointNode) UpperBoundTokenCount(context.Context, Tokenizer) (int, error) {
	return 0, nil
}
func (b *BreakpointNode) BaseMessageTokenCount(context.Context, Tokenizer) (int, error) {
	return 0, nil
}
func (b *BreakpointNode) IsEmpty() bool { return true }

func sumChildren(children []Node, count func(Node) (int, error)) (int, error) {
	total := 0
	for _, ch := range children {
		n, err := count(ch)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// walkLeaves visits the content leaves under nodes in order.
func walkLeaves(nodes []Node, fn func(Node)) {
	for _, n := range nodes {
		if b, ok := n.(Branch); ok {
			walkLeaves(b.Children(), fn)
			continue
		}
		fn(n)
	}
}

// Walk visits n and its descendants depth-first until fn returns false.
func Walk(n Node, fn func(Node) bool) bool {
	if !fn(n) {
		return false
	}
	if b, ok := n.(Branch); ok {
		for _, ch := range b.Children() {
			if !Walk(ch, fn) {
				return false
			}
		}
	}
	return true
}

// FindByID returns the node with the given id under root, or nil.
func FindByID(root Node, id int) Node {
	var found Node
	Walk(root, func(n Node) bool {
		if n.ID() == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// Messages returns the messages under root in document order.
func Messages(root Node) []*MessageNode {
	var out []*MessageNode
	Walk(root, func(n Node) bool {
		if m, ok := n.(*MessageNode); ok {
			out = append(out, m)
			return true
		}
		return true
	})
	return out
}

func isLeaf(n Node) bool {
	_, ok := n.(Branch)
	return !ok
}

func containsBreakpoint(n Node) bool {
	found := false
	Walk(n, func(x Node) bool {
		if _, ok := x.(*BreakpointNode); ok {
			found = true
			return false
		}
		return true
	})
	return found
}

func insideMessage(n Node) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if _, ok := p.(*MessageNode); ok {
			return true
		}
	}
	return false
}

func setParent(n Node, parent Branch) { n.base().parent = parent }

func appendChild(parent Branch, child Node) {
	list := parent.childList()
	*list = append(*list, child)
	setParent(child, parent)
}

// detach removes n from its parent and invalidates the parent's counts.
func detach(n Node) Branch {
	parent := n.Parent()
	if parent == nil {
		return nil
	}
	list := parent.childList()
	for i, ch := range *list {
		if ch == n {
			*list = append((*list)[:i:i], (*list)[i+1:]...)
			break
		}
	}
	setParent(n, nil)
	parent.invalidate()
	return parent
}

// replace swaps old for repl in old's parent.
func replace(old, repl Node) bool {
	parent := old.Parent()
	if parent == nil {
		return false
	}
	list := parent.childList()
	for i, ch := range *list {
		if ch == old {
			(*list)[i] = repl
			setParent(repl, parent)
			setParent(old, nil)
			parent.invalidate()
			return true
		}
	}
	return false
}
