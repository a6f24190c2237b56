package prompt

import (
	"context"
	"slices"
)

// grow re-renders every Expandable still in the tree with the budget its
// enclosing limit left unused, and swaps the new content in. It reports
// whether any consumption changed, in which case the tree must be fitted
// again. Expandables created while growing are not grown themselves.
func (p *renderPass) grow(ctx context.Context, root *ContainerNode) (bool, error) {
	pending := p.growables
	changed := false
	for _, g := range pending {
		if g.grown {
			continue
		}
		g.grown = true

		old := FindByID(root, g.id)
		if old == nil {
			continue
		}
		scope, limit := p.enclosingLimit(old, root)
		used, err := scope.TokenCount(ctx, p.r.tokenizer)
		if err != nil {
			return false, err
		}
		budget := limit - used + g.initial
		if budget <= g.initial {
			continue
		}

		before := len(p.growables)
		// The new content takes the old one's place in the rendered tree so
		// placement checks and limit depths see its real ancestors.
		p.dropGlobals(g.node)
		parent := g.node.parent
		node := &rnode{id: g.id, kind: rContainer, parent: parent, name: g.name, priority: g.props.priority(), props: g.props, ctor: pieceExpandable}
		if parent != nil {
			if i := slices.Index(parent.children, g.node); i >= 0 {
				parent.children[i] = node
			}
		}
		g.node = node
		if g.props.PassPriority {
			node.flags |= PassPriority
		}
		sizing := newSizing(budget, p.r)
		out, err := g.fn(ctx, sizing)
		if err != nil {
			return false, annotate(err, g.path)
		}
		consumed, err := p.renderChildren(ctx, sizing.TokenBudget, node, []Piece{out}, g.path)
		if err != nil {
			return false, err
		}
		for _, ng := range p.growables[before:] {
			ng.grown = true
		}

		repl := p.materializeContainer(node, insideMessage(old))
		replace(old, repl)
		p.logger.Debug().
			Str("element", g.name).
			Int("budget", budget).
			Int("initial", g.initial).
			Int("consumed", consumed).
			Msg("Grew expandable element")
		if consumed != g.initial {
			g.initial = consumed
			changed = true
		}
	}
	return changed, nil
}

// enclosingLimit returns the innermost limited ancestor of n and its limit,
// falling back to the root budget.
func (p *renderPass) enclosingLimit(n Node, root *ContainerNode) (Branch, int) {
	limits := make(map[int]int, len(p.limits))
	for _, l := range p.limits {
		if l.max <= p.r.budget {
			limits[l.id] = l.max
		}
	}
	for x := n.Parent(); x != nil; x = x.Parent() {
		if max, ok := limits[x.ID()]; ok {
			return x, max
		}
	}
	return root, p.r.budget
}
