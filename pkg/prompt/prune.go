package prompt

import (
	"context"
	"math"
	"slices"

	"github.com/rs/zerolog"
)

// estimateFactor inflates the upper bound of removed nodes so that one
// exact recount usually suffices for several removals.
const estimateFactor = 1.25

type pruner struct {
	ctx    context.Context
	tok    Tokenizer
	root   *ContainerNode
	logger zerolog.Logger

	// removing guards keep-with cascades against re-entry.
	removing    map[KeepWithID]bool
	removed     int
	removedMeta []Metadata

	original     []ChatMessage
	originalMeta []Metadata
}

func (p *renderPass) newPruner(ctx context.Context, root *ContainerNode) *pruner {
	pr := &pruner{
		ctx:      ctx,
		tok:      p.r.tokenizer,
		root:     root,
		logger:   p.logger,
		removing: make(map[KeepWithID]bool),
	}
	for _, m := range Messages(root) {
		pr.original = append(pr.original, m.ToChatMessage())
	}
	pr.originalMeta = append(pr.originalMeta, p.globalMetadata()...)
	Walk(root, func(n Node) bool {
		pr.originalMeta = append(pr.originalMeta, n.Metadata()...)
		return true
	})
	return pr
}

// fitAll trims each limited scope in order.
func (p *pruner) fitAll(limits []tokenLimit) error {
	for _, l := range limits {
		scope, ok := FindByID(p.root, l.id).(Branch)
		if !ok {
			continue
		}
		if err := p.trim(scope, l.max); err != nil {
			return err
		}
	}
	return nil
}

func (p *pruner) attached(n Node) bool {
	for x := n; x != nil; x = x.Parent() {
		if x == Node(p.root) {
			return true
		}
	}
	return false
}

// trim removes the lowest priority units of scope until it fits in limit.
// Between exact counts it keeps removing while an estimate of the remaining
// size, less the message envelopes, is still over the limit.
func (p *pruner) trim(scope Branch, limit int) error {
	count, err := scope.TokenCount(p.ctx, p.tok)
	if err != nil {
		return err
	}
	for count > limit {
		if !p.attached(scope) {
			return nil
		}
		overhead, err := scope.BaseMessageTokenCount(p.ctx, p.tok)
		if err != nil {
			return err
		}
		estimate := count
		for {
			if err := checkContext(p.ctx); err != nil {
				return err
			}
			target := p.findLowest(scope)
			if target == nil {
				return p.exceeded(scope, limit, count)
			}
			removed, err := p.remove(target)
			if err != nil {
				return err
			}
			for _, n := range removed {
				ub, err := n.UpperBoundTokenCount(p.ctx, p.tok)
				if err != nil {
					return err
				}
				estimate -= int(math.Ceil(float64(ub) * estimateFactor))
			}
			if estimate-overhead <= limit || !p.attached(scope) {
				break
			}
		}
		if !p.attached(scope) {
			return nil
		}
		if count, err = scope.TokenCount(p.ctx, p.tok); err != nil {
			return err
		}
		p.logger.Debug().
			Int("scope", scope.ID()).
			Int("tokens", count).
			Int("limit", limit).
			Msg("Recounted scope")
	}
	return nil
}

type candidate struct {
	node Node
	slot int
}

// expandCandidates splices the children of PassPriority containers into the
// candidate list. slot is the index of the direct child a candidate came
// from.
func expandCandidates(children []Node) []candidate {
	queue := make([]candidate, len(children))
	for i, ch := range children {
		queue[i] = candidate{node: ch, slot: i}
	}
	for i := 0; i < len(queue); {
		c, ok := queue[i].node.(*ContainerNode)
		if !ok || !c.Flags.Has(PassPriority) || len(c.children) == 0 {
			i++
			continue
		}
		spliced := make([]candidate, 0, len(c.children)+len(queue)-i-1)
		for _, ch := range c.children {
			spliced = append(spliced, candidate{node: ch, slot: queue[i].slot})
		}
		spliced = append(spliced, queue[i+1:]...)
		queue = append(queue[:i], spliced...)
	}
	return queue
}

// findLowest returns the next unit to remove from scope, or nil when nothing
// in scope may be removed.
func (p *pruner) findLowest(scope Branch) Node {
	if c, ok := scope.(*ContainerNode); ok && c.Flags.Has(IsLegacyPrioritization) {
		return lowestLeaf(scope)
	}

	_, inMessage := scope.(*MessageNode)
	pinnedBefore := -1
	if inMessage {
		for i, ch := range scope.Children() {
			if _, ok := ch.(*BreakpointNode); ok {
				pinnedBefore = i
			}
		}
	}

	var eligible []Node
	for _, c := range expandCandidates(scope.Children()) {
		if _, ok := c.node.(*BreakpointNode); ok {
			continue
		}
		if inMessage && (c.slot < pinnedBefore || containsBreakpoint(c.node)) {
			continue
		}
		eligible = append(eligible, c.node)
	}
	slices.SortStableFunc(eligible, func(a, b Node) int {
		switch {
		case lowerPriority(a, b):
			return -1
		case lowerPriority(b, a):
			return 1
		}
		return 0
	})

	// A candidate whose whole content is pinned is skipped in favour of the
	// next lowest one.
	for _, n := range eligible {
		if isAtomicUnit(n) {
			return n
		}
		if inner := p.findLowest(n.(Branch)); inner != nil {
			return inner
		}
	}
	return nil
}

// lowerPriority orders candidates by priority, then by the lowest priority
// among their direct children. Equal candidates keep document order.
func lowerPriority(a, b Node) bool {
	if a.Priority() != b.Priority() {
		return a.Priority() < b.Priority()
	}
	return minChildPriority(a) < minChildPriority(b)
}

func minChildPriority(n Node) uint {
	b, ok := n.(Branch)
	if !ok || len(b.Children()) == 0 {
		return n.Priority()
	}
	lowest := MaxPriority
	for _, ch := range b.Children() {
		lowest = min(lowest, ch.Priority())
	}
	return lowest
}

// isAtomicUnit reports whether n is removed whole rather than searched.
func isAtomicUnit(n Node) bool {
	b, ok := n.(Branch)
	if !ok || len(b.Children()) == 0 {
		return true
	}
	c, ok := n.(*ContainerNode)
	if !ok || !c.Flags.Has(IsChunk) {
		return false
	}
	for _, ch := range c.children {
		if !isLeaf(ch) {
			return false
		}
	}
	return true
}

// lowestLeaf returns the lowest priority leaf under scope. Childless
// branches count as leaves; breakpoints are never chosen.
func lowestLeaf(scope Branch) Node {
	var best Node
	Walk(scope, func(n Node) bool {
		if n == Node(scope) {
			return true
		}
		if _, ok := n.(*BreakpointNode); ok {
			return true
		}
		if b, ok := n.(Branch); ok && len(b.Children()) > 0 {
			return true
		}
		if best == nil || n.Priority() < best.Priority() {
			best = n
		}
		return true
	})
	return best
}

// remove detaches n along with every node bound to it by keep-with, and any
// parent left empty. It returns all detached nodes.
func (p *pruner) remove(n Node) ([]Node, error) {
	parent := n.Parent()
	if parent == nil {
		return nil, nil
	}
	detach(n)
	p.removed++
	removed := []Node{n}
	Walk(n, func(x Node) bool {
		p.removedMeta = append(p.removedMeta, x.Metadata()...)
		return true
	})
	p.logger.Debug().
		Int("id", n.ID()).
		Str("kind", nodeLabel(n)).
		Uint64("priority", uint64(n.Priority())).
		Msg("Pruned node")

	for _, id := range keepWithIDs(n) {
		more, err := p.removeGroup(id)
		if err != nil {
			return nil, err
		}
		removed = append(removed, more...)
	}

	if parent != Branch(p.root) && p.attached(parent) && len(parent.Children()) == 0 {
		if m, ok := parent.(*MessageNode); !ok || len(m.ToolCalls) == 0 {
			more, err := p.remove(parent)
			if err != nil {
				return nil, err
			}
			removed = append(removed, more...)
		}
	}
	return removed, nil
}

// removeGroup removes every member of a keep-with group and the tool calls
// bound to it.
func (p *pruner) removeGroup(id KeepWithID) ([]Node, error) {
	if p.removing[id] {
		return nil, nil
	}
	p.removing[id] = true
	defer delete(p.removing, id)

	var members []Node
	Walk(p.root, func(n Node) bool {
		if c, ok := n.(*ContainerNode); ok && c.KeepWith == id {
			members = append(members, n)
		}
		return true
	})
	var removed []Node
	for _, m := range members {
		if !p.attached(m) {
			continue
		}
		more, err := p.remove(m)
		if err != nil {
			return nil, err
		}
		removed = append(removed, more...)
	}

	for _, msg := range Messages(p.root) {
		kept := make([]ToolCall, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			if tc.KeepWith != id {
				kept = append(kept, tc)
			}
		}
		if len(kept) == len(msg.ToolCalls) {
			continue
		}
		msg.ToolCalls = kept
		msg.invalidate()
		if len(kept) == 0 && len(msg.children) == 0 && p.attached(msg) {
			more, err := p.remove(msg)
			if err != nil {
				return nil, err
			}
			removed = append(removed, more...)
		}
	}
	return removed, nil
}

// keepWithIDs collects the keep-with groups of the subtree under n,
// including those of tool calls.
func keepWithIDs(n Node) []KeepWithID {
	var ids []KeepWithID
	Walk(n, func(x Node) bool {
		switch x := x.(type) {
		case *ContainerNode:
			if x.KeepWith != 0 && !slices.Contains(ids, x.KeepWith) {
				ids = append(ids, x.KeepWith)
			}
		case *MessageNode:
			for _, tc := range x.ToolCalls {
				if tc.KeepWith != 0 && !slices.Contains(ids, tc.KeepWith) {
					ids = append(ids, tc.KeepWith)
				}
			}
		}
		return true
	})
	return ids
}

func (p *pruner) exceeded(scope Branch, limit, tokens int) error {
	var path []string
	for n := Node(scope); n != nil; n = n.Parent() {
		path = append(path, nodeLabel(n))
	}
	slices.Reverse(path)
	p.logger.Warn().
		Strs("path", path).
		Int("tokens", tokens).
		Int("limit", limit).
		Msg("Nothing left to prune")
	return &BudgetExceededError{
		Path:     path,
		Limit:    limit,
		Tokens:   tokens,
		Messages: p.original,
		Metadata: p.originalMeta,
	}
}

func nodeLabel(n Node) string {
	switch n := n.(type) {
	case *MessageNode:
		if n.Name != "" {
			return n.Role.String() + "(" + n.Name + ")"
		}
		return n.Role.String()
	case *ContainerNode:
		if n.Name != "" {
			return n.Name
		}
		return "container"
	case *TextNode:
		return "text"
	case *ImageNode:
		return "image"
	case *OpaqueNode:
		return "opaque"
	case *BreakpointNode:
		return "cacheBreakpoint"
	}
	return "node"
}
