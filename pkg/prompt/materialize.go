package prompt

import "strings"

// materialize converts the rendered tree into the node tree used for
// counting and pruning.
func (p *renderPass) materialize(root *rnode) *ContainerNode {
	return p.materializeContainer(root, false)
}

func (p *renderPass) materializeContainer(n *rnode, inMessage bool) *ContainerNode {
	c := &ContainerNode{
		nodeBase: nodeBase{id: n.id, priority: n.priority, metadata: n.metadata},
		Name:     n.name,
		Flags:    n.flags,
		KeepWith: n.keepWith,
	}
	p.materializeChildren(c, n.children, inMessage)
	return c
}

// materializeChildren appends the children of a rendered node to parent.
// Adjacent literal text of the same priority is merged, br becomes a line
// break on the following text, and text outside any message is dropped.
func (p *renderPass) materializeChildren(parent Branch, children []*rnode, inMessage bool) {
	pendingBreak := false
	var last *TextNode
	for _, ch := range children {
		switch ch.kind {
		case rBr:
			pendingBreak = true
			continue
		case rText:
			if !inMessage {
				if strings.TrimSpace(ch.text) != "" {
					p.logger.Warn().
						Str("text", abbreviate(ch.text, 40)).
						Msg("Dropping text outside of a message")
				}
				continue
			}
			lb := ch.lineBreak
			if pendingBreak {
				lb = LineBreakAlways
				pendingBreak = false
			}
			if ch.literal && last != nil && last.literal && last.priority == ch.priority && len(ch.metadata) == 0 {
				var sb strings.Builder
				sb.WriteString(last.Text)
				appendText(&sb, ch.text, lb)
				last.Text = sb.String()
				continue
			}
			t := &TextNode{
				nodeBase:        nodeBase{id: ch.id, priority: ch.priority, metadata: ch.metadata},
				Text:            ch.text,
				LineBreakBefore: lb,
				literal:         ch.literal,
			}
			appendChild(parent, t)
			last = t
			continue
		}
		last = nil
		if n := p.materializeNode(ch, inMessage); n != nil {
			appendChild(parent, n)
		}
	}
}

func (p *renderPass) materializeNode(n *rnode, inMessage bool) Node {
	switch n.kind {
	case rMessage:
		m := &MessageNode{
			nodeBase:   nodeBase{id: n.id, priority: n.priority, metadata: n.metadata},
			Role:       n.message.role,
			Name:       n.msgName,
			ToolCalls:  n.message.toolCalls,
			ToolCallID: n.message.toolCallID,
		}
		p.materializeChildren(m, n.children, true)
		return m
	case rContainer:
		if n.flags.Has(EmptyAlternate) && len(n.children) == 2 {
			alt, def := n.children[0], n.children[1]
			chosen := p.materializeContainer(def, inMessage)
			if chosen.IsEmpty() {
				chosen = p.materializeContainer(alt, inMessage)
				p.dropGlobals(def)
			} else {
				p.dropGlobals(alt)
			}
			chosen.id = n.id
			chosen.priority = n.priority
			chosen.metadata = append(n.metadata, chosen.metadata...)
			chosen.Name = n.name
			chosen.Flags = n.flags &^ EmptyAlternate
			chosen.KeepWith = n.keepWith
			return chosen
		}
		return p.materializeContainer(n, inMessage)
	case rImage:
		return &ImageNode{
			nodeBase: nodeBase{id: n.id, priority: n.priority, metadata: n.metadata},
			Src:      n.image.URL,
			Detail:   n.image.Detail,
		}
	case rOpaque:
		return &OpaqueNode{
			nodeBase:   nodeBase{id: n.id, priority: n.priority, metadata: n.metadata},
			Value:      n.opaque.Value,
			TokenUsage: n.opaque.TokenUsage,
			Mode:       n.opaque.Mode,
		}
	case rBreakpoint:
		return &BreakpointNode{
			nodeBase: nodeBase{id: n.id, priority: n.priority},
			Type:     n.cacheType,
		}
	}
	return nil
}

func abbreviate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
