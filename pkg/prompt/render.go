package prompt

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Renderer renders prompts for one tokenizer and budget. A Renderer may be
// reused, but a single Render call owns its tree: concurrent renders of the
// same Piece values are fine, concurrent mutation of one result is not.
type Renderer struct {
	tokenizer Tokenizer
	budget    int
	logger    zerolog.Logger
	ids       idSource
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithLogger sets the logger used for layout and pruning events.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Renderer) { r.logger = logger }
}

// NewRenderer creates a renderer that fits prompts into budget tokens.
func NewRenderer(tok Tokenizer, budget int, opts ...Option) *Renderer {
	r := &Renderer{
		tokenizer: tok,
		budget:    budget,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Budget returns the token budget of the renderer.
func (r *Renderer) Budget() int { return r.budget }

// NewKeepWith mints a keep-with group for use in templates rendered by r.
func (r *Renderer) NewKeepWith() KeepWith { return r.ids.keepWith() }

// RenderResult is the output of a render.
type RenderResult struct {
	Messages   []ChatMessage
	TokenCount int
	// Removed counts the nodes pruned to fit the budget.
	Removed           int
	Metadata          []Metadata
	References        []Reference
	OmittedReferences []Reference
	// Tree is the final materialized tree.
	Tree *ContainerNode
}

// Render lays out root within the budget, prunes it until it fits and
// returns the resulting messages.
func (r *Renderer) Render(ctx context.Context, root Piece) (*RenderResult, error) {
	pass := r.newPass()
	tree, err := pass.renderTree(ctx, root)
	if err != nil {
		return nil, err
	}
	mroot := pass.materialize(tree)

	pr := pass.newPruner(ctx, mroot)
	if err := pr.fitAll(pass.limitsFor(mroot)); err != nil {
		return nil, err
	}

	grew, err := pass.grow(ctx, mroot)
	if err != nil {
		return nil, err
	}
	if grew {
		if err := pr.fitAll(pass.limitsFor(mroot)); err != nil {
			return nil, err
		}
	}
	return pass.result(ctx, mroot, pr)
}

// RenderJSON renders root without pruning and serializes the rendered tree.
// The output can be re-attached with ElementJSON. Metadata is not serialized.
func (r *Renderer) RenderJSON(ctx context.Context, root Piece) ([]byte, error) {
	pass := r.newPass()
	tree, err := pass.renderTree(ctx, root)
	if err != nil {
		return nil, err
	}
	return pass.marshal(tree)
}

type rkind uint8

const (
	rContainer rkind = iota
	rMessage
	rText
	rBr
	rImage
	rOpaque
	rBreakpoint
)

// rnode is a node of the rendered, not yet materialized tree.
type rnode struct {
	id       int
	kind     rkind
	parent   *rnode
	children []*rnode

	name      string
	priority  uint
	props     Props
	ctor      pieceKind
	flags     ContainerFlags
	keepWith  KeepWithID
	limit     int
	text      string
	lineBreak LineBreakBefore
	literal   bool
	message   messageSpec
	msgName   string
	image     ImagePart
	opaque    OpaquePart
	cacheType string
	metadata  []Metadata
}

func (n *rnode) depth() int {
	d := 0
	for p := n.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

func (n *rnode) inMessage() bool {
	for p := n; p != nil; p = p.parent {
		if p.kind == rMessage {
			return true
		}
	}
	return false
}

// renderedEmpty reports whether n rendered no visible content.
func (n *rnode) renderedEmpty() bool {
	switch n.kind {
	case rText:
		return strings.TrimSpace(n.text) == ""
	case rImage, rOpaque:
		return false
	case rMessage:
		if len(n.message.toolCalls) > 0 {
			return false
		}
	}
	for _, ch := range n.children {
		if !ch.renderedEmpty() {
			return false
		}
	}
	return true
}

type tokenLimit struct {
	id    int
	max   int
	depth int
}

type growable struct {
	node    *rnode
	id      int
	name    string
	props   Props
	fn      ExpandFunc
	initial int
	path    []string
	grown   bool
}

type queued struct {
	piece Piece
	node  *rnode
	path  []string
}

// renderPass holds the state of one Render call.
type renderPass struct {
	r         *Renderer
	logger    zerolog.Logger
	nextID    int
	limits    []tokenLimit
	growables []*growable
	global    []globalMeta
}

// globalMeta is a global metadata entry and the rendered node it was
// emitted under. Entries are dropped when their subtree is discarded.
type globalMeta struct {
	owner int
	meta  Metadata
}

// globalMetadata returns the live global metadata in emission order.
func (p *renderPass) globalMetadata() []Metadata {
	out := make([]Metadata, 0, len(p.global))
	for _, g := range p.global {
		out = append(out, g.meta)
	}
	return out
}

// dropGlobals discards the global metadata emitted anywhere under n.
func (p *renderPass) dropGlobals(n *rnode) {
	ids := make(map[int]bool)
	var collect func(*rnode)
	collect = func(x *rnode) {
		ids[x.id] = true
		for _, ch := range x.children {
			collect(ch)
		}
	}
	collect(n)
	p.global = slices.DeleteFunc(p.global, func(g globalMeta) bool { return ids[g.owner] })
}

func (r *Renderer) newPass() *renderPass {
	return &renderPass{r: r, logger: r.logger}
}

func (p *renderPass) newNode(parent *rnode, kind rkind) *rnode {
	n := &rnode{id: p.nextID, kind: kind, parent: parent, priority: MaxPriority}
	p.nextID++
	if parent != nil {
		parent.children = append(parent.children, n)
	}
	return n
}

func (p *renderPass) renderTree(ctx context.Context, root Piece) (*rnode, error) {
	top := p.newNode(nil, rContainer)
	top.name = "root"
	sizing := newSizing(p.r.budget, p.r)
	if err := p.processPieces(ctx, sizing, top, []Piece{root}, nil); err != nil {
		return nil, err
	}
	p.logger.Debug().
		Int("budget", p.r.budget).
		Int("consumed", sizing.Consumed()).
		Int("nodes", p.nextID).
		Msg("Rendered prompt tree")
	return top, nil
}

// flatten expands fragments and serialized subtrees in place.
func (p *renderPass) flatten(pieces []Piece, path []string, out []Piece) ([]Piece, error) {
	for _, pc := range pieces {
		if pc.err != nil {
			return nil, annotate(pc.err, path)
		}
		switch pc.kind {
		case pieceEmpty:
		case pieceFragment:
			var err error
			if out, err = p.flatten(pc.children, path, out); err != nil {
				return nil, err
			}
		case pieceElementJSON:
			decoded, err := decodeElementJSON(pc.data, p.keepWithRemapper())
			if err != nil {
				return nil, annotate(err, path)
			}
			if out, err = p.flatten([]Piece{decoded}, path, out); err != nil {
				return nil, err
			}
		default:
			out = append(out, pc)
		}
	}
	return out, nil
}

// keepWithRemapper maps the keep-with ids of one serialized subtree to fresh
// ids, so two attachments of the same data never share a group.
func (p *renderPass) keepWithRemapper() func(KeepWithID) KeepWithID {
	remapped := make(map[KeepWithID]KeepWithID)
	return func(id KeepWithID) KeepWithID {
		if id == 0 {
			return 0
		}
		if mapped, ok := remapped[id]; ok {
			return mapped
		}
		mapped := p.r.ids.keepWith().ID()
		remapped[id] = mapped
		return mapped
	}
}

// processPieces renders pieces as children of parent. Leaves are placed
// immediately; elements are rendered flex group by flex group.
func (p *renderPass) processPieces(ctx context.Context, sizing *Sizing, parent *rnode, pieces []Piece, path []string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	items, err := p.flatten(pieces, path, nil)
	if err != nil {
		return err
	}

	groups := make(map[int][]*queued)
	for i, pc := range items {
		elemPath := append(path[:len(path):len(path)], fmt.Sprintf("%s[%d]", pieceLabel(pc), i))
		switch pc.kind {
		case pieceText:
			n := p.newNode(parent, rText)
			n.text = pc.text
			n.lineBreak = pc.lineBreak
			n.literal = pc.props.Priority == nil
			n.priority = parent.priority
			if pc.props.Priority != nil {
				n.priority = *pc.props.Priority
			}
			used, err := sizing.CountTokens(ctx, pc.text)
			if err != nil {
				return annotate(err, elemPath)
			}
			sizing.consume(used)
		case pieceBr:
			p.newNode(parent, rBr)
		case pieceMeta:
			if pc.local {
				parent.metadata = append(parent.metadata, pc.meta)
			} else {
				p.global = append(p.global, globalMeta{owner: parent.id, meta: pc.meta})
			}
		case pieceImage:
			if !parent.inMessage() {
				return annotate(&ValidationError{Element: "image", Reason: "must be inside a message"}, elemPath)
			}
			n := p.newNode(parent, rImage)
			n.priority = pc.props.priority()
			n.props = pc.props
			n.image = pc.image
			used, err := sizing.CountPart(ctx, pc.image)
			if err != nil {
				return annotate(err, elemPath)
			}
			sizing.consume(used)
		case pieceOpaque:
			n := p.newNode(parent, rOpaque)
			n.priority = pc.props.priority()
			n.props = pc.props
			n.opaque = pc.opaque
			sizing.consume(pc.opaque.TokenUsage)
		case pieceBreakpoint:
			if parent.kind != rMessage {
				return annotate(&ValidationError{Element: "cacheBreakpoint", Reason: "must be a direct child of a message"}, elemPath)
			}
			n := p.newNode(parent, rBreakpoint)
			n.cacheType = pc.cacheType
		default:
			placeholder := p.newNode(parent, rContainer)
			groups[pc.props.FlexGrow] = append(groups[pc.props.FlexGrow], &queued{piece: pc, node: placeholder, path: elemPath})
		}
	}
	if len(groups) == 0 {
		return nil
	}

	grows := make([]int, 0, len(groups))
	for g := range groups {
		grows = append(grows, g)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(grows)))

	for gi, grow := range grows {
		later := make([][]*queued, 0, len(grows)-gi-1)
		for _, g := range grows[gi+1:] {
			later = append(later, groups[g])
		}
		if err := p.renderGroup(ctx, sizing, groups[grow], later); err != nil {
			return err
		}
	}
	return nil
}

// renderGroup prepares every element of one flex group concurrently, then
// renders them in order.
func (p *renderPass) renderGroup(ctx context.Context, sizing *Sizing, group []*queued, later [][]*queued) error {
	// Later groups' reservations only constrain this group's share.
	reserved := 0
	remaining := sizing.RemainingTokenBudget()
	for _, g := range later {
		for _, q := range g {
			reserved += q.piece.props.FlexReserve.resolve(remaining)
		}
	}
	sizing.consume(reserved)
	budgets := allocate(group, sizing.RemainingTokenBudget())

	states := make([]any, len(group))
	sizings := make([]*Sizing, len(group))
	eg, egctx := errgroup.WithContext(ctx)
	for i, q := range group {
		i, q := i, q
		sizings[i] = newSizing(budgets[i], p.r)
		prep, ok := q.piece.element.(Preparer)
		if q.piece.kind != pieceElement || !ok {
			continue
		}
		eg.Go(func() error {
			state, err := prep.Prepare(egctx, sizings[i])
			if err != nil {
				return annotate(err, q.path)
			}
			states[i] = state
			return nil
		})
	}
	err := eg.Wait()
	sizing.consume(-reserved)
	if err != nil {
		return err
	}
	if err := checkContext(ctx); err != nil {
		return err
	}

	for i, q := range group {
		used, err := p.renderPiece(ctx, q, states[i], sizings[i])
		if err != nil {
			return err
		}
		p.logger.Debug().
			Str("element", q.piece.name).
			Int("budget", sizings[i].TokenBudget).
			Int("consumed", used).
			Msg("Rendered element")
		sizing.consume(used)
	}
	return nil
}

// allocate splits remaining among the group by flex basis. A TokenLimit whose
// share exceeds its limit is pinned to the limit and the others share the
// rest.
func allocate(group []*queued, remaining int) []int {
	remaining = max(remaining, 0)
	basisSum := 0
	for _, q := range group {
		basisSum += q.piece.props.basis()
	}
	budgets := make([]int, len(group))
	pinned := make([]bool, len(group))
	constant, pinnedBasis := 0, 0
	for i, q := range group {
		if q.piece.kind != pieceTokenLimit {
			continue
		}
		basis := q.piece.props.basis()
		if remaining*basis/basisSum > q.piece.limit {
			pinned[i] = true
			budgets[i] = max(q.piece.limit, 0)
			constant += budgets[i]
			pinnedBasis += basis
		}
	}
	rest := max(remaining-constant, 0)
	restBasis := basisSum - pinnedBasis
	for i, q := range group {
		if pinned[i] || restBasis == 0 {
			continue
		}
		budgets[i] = rest * q.piece.props.basis() / restBasis
	}
	return budgets
}

func (p *renderPass) renderChildren(ctx context.Context, budget int, node *rnode, pieces []Piece, path []string) (int, error) {
	sizing := newSizing(budget, p.r)
	if err := p.processPieces(ctx, sizing, node, pieces, path); err != nil {
		return 0, err
	}
	return sizing.Consumed(), nil
}

// renderPiece renders one element into its placeholder node and returns the
// tokens it consumed.
func (p *renderPass) renderPiece(ctx context.Context, q *queued, state any, sizing *Sizing) (int, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	node, pc := q.node, q.piece
	node.name = pc.name
	node.props = pc.props
	node.ctor = pc.kind
	node.priority = pc.props.priority()
	if pc.props.PassPriority {
		node.flags |= PassPriority
	}

	switch pc.kind {
	case pieceElement:
		if pc.element == nil {
			return 0, annotate(&ValidationError{Element: pc.name, Reason: "nil element"}, q.path)
		}
		out, err := pc.element.Render(ctx, state, sizing)
		if err != nil {
			return 0, annotate(err, q.path)
		}
		return p.renderChildren(ctx, sizing.TokenBudget, node, []Piece{out}, q.path)

	case pieceTextChunk, pieceTruncate:
		var text string
		var err error
		if pc.kind == pieceTextChunk {
			text, err = chunkText(pc.children)
		} else {
			text, err = truncateText(ctx, sizing, pc.text, pc.breakOn)
		}
		if err != nil {
			return 0, annotate(err, q.path)
		}
		node.kind = rText
		node.text = text
		node.lineBreak = LineBreakIfNotFirstSibling
		used, err := sizing.CountTokens(ctx, text)
		if err != nil {
			return 0, annotate(err, q.path)
		}
		return used, nil

	case pieceMessage:
		if node.parent != nil && node.parent.inMessage() {
			return 0, annotate(&ValidationError{Element: pc.name, Reason: "messages cannot be nested"}, q.path)
		}
		node.kind = rMessage
		node.message = *pc.message
		node.msgName = pc.props.Name
		envelope, err := sizing.CountMessage(ctx, ChatMessage{
			Role:       pc.message.role,
			Name:       pc.props.Name,
			ToolCalls:  pc.message.toolCalls,
			ToolCallID: pc.message.toolCallID,
		})
		if err != nil {
			return 0, annotate(err, q.path)
		}
		used, err := p.renderChildren(ctx, sizing.TokenBudget-envelope, node, pc.children, q.path)
		return envelope + used, err

	case pieceGroup:
		node.flags |= pc.flags
		node.keepWith = pc.keepWith
		return p.renderChildren(ctx, sizing.TokenBudget, node, pc.children, q.path)

	case pieceTokenLimit:
		node.limit = pc.limit
		p.limits = append(p.limits, tokenLimit{id: node.id, max: pc.limit, depth: node.depth()})
		return p.renderChildren(ctx, min(sizing.TokenBudget, pc.limit), node, pc.children, q.path)

	case pieceIfEmpty:
		node.flags |= EmptyAlternate
		alt := p.newNode(node, rContainer)
		def := p.newNode(node, rContainer)
		alt.priority, def.priority = node.priority, node.priority
		altUsed, err := p.renderChildren(ctx, sizing.TokenBudget, alt, pc.children[:1], append(q.path, "alternate"))
		if err != nil {
			return 0, err
		}
		defUsed, err := p.renderChildren(ctx, sizing.TokenBudget, def, pc.children[1:], q.path)
		if err != nil {
			return 0, err
		}
		if def.renderedEmpty() {
			return altUsed, nil
		}
		return defUsed, nil

	case pieceExpandable:
		out, err := pc.expand(ctx, sizing)
		if err != nil {
			return 0, annotate(err, q.path)
		}
		used, err := p.renderChildren(ctx, sizing.TokenBudget, node, []Piece{out}, q.path)
		if err != nil {
			return 0, err
		}
		p.growables = append(p.growables, &growable{
			node:    node,
			id:      node.id,
			name:    pc.name,
			props:   pc.props,
			fn:      pc.expand,
			initial: used,
			path:    slices.Clone(q.path),
		})
		return used, nil
	}
	return 0, annotate(&ValidationError{Element: pc.name, Reason: "unsupported element"}, q.path)
}

// chunkText joins the text children of a TextChunk.
func chunkText(children []Piece) (string, error) {
	var sb strings.Builder
	for _, ch := range children {
		switch ch.kind {
		case pieceEmpty:
		case pieceText:
			sb.WriteString(ch.text)
		case pieceBr:
			sb.WriteByte('\n')
		case pieceFragment:
			s, err := chunkText(ch.children)
			if err != nil {
				return "", err
			}
			sb.WriteString(s)
		default:
			return "", &ValidationError{Element: "TextChunk", Reason: fmt.Sprintf("only text children are allowed, got <%s>", pieceLabel(ch))}
		}
	}
	return sb.String(), nil
}

// truncateText cuts text at the last boundary that keeps it within the
// sizing budget.
func truncateText(ctx context.Context, sizing *Sizing, text, breakOn string) (string, error) {
	n, err := sizing.CountTokens(ctx, text)
	if err != nil || n <= sizing.TokenBudget {
		return text, err
	}
	var cuts []int
	if breakOn == "" {
		for i, r := range text {
			if unicode.IsSpace(r) {
				cuts = append(cuts, i)
			}
		}
	} else {
		for off := 0; ; {
			j := strings.Index(text[off:], breakOn)
			if j < 0 {
				break
			}
			cuts = append(cuts, off+j)
			off += j + len(breakOn)
		}
	}
	best := ""
	lo, hi := 0, len(cuts)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		candidate := text[:cuts[mid]]
		n, err := sizing.CountTokens(ctx, candidate)
		if err != nil {
			return "", err
		}
		if n <= sizing.TokenBudget {
			best = candidate
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best, nil
}

func pieceLabel(pc Piece) string {
	if pc.name != "" {
		return pc.name
	}
	switch pc.kind {
	case pieceText:
		return "text"
	case pieceFragment:
		return "fragment"
	}
	return "element"
}

// limitsFor returns the limits to enforce, innermost first, ending with the
// root budget. Limits above the root budget are skipped.
func (p *renderPass) limitsFor(root *ContainerNode) []tokenLimit {
	var out []tokenLimit
	for _, l := range p.limits {
		if l.max <= p.r.budget {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].depth > out[j].depth })
	return append(out, tokenLimit{id: root.ID(), max: p.r.budget})
}

func (p *renderPass) result(ctx context.Context, root *ContainerNode, pr *pruner) (*RenderResult, error) {
	res := &RenderResult{Removed: pr.removed, Tree: root}
	for _, m := range Messages(root) {
		if m.IsEmpty() {
			p.logger.Warn().Str("role", m.Role.String()).Msg("Dropping empty message")
			continue
		}
		n, err := m.TokenCount(ctx, p.r.tokenizer)
		if err != nil {
			return nil, err
		}
		res.TokenCount += n
		res.Messages = append(res.Messages, m.ToChatMessage())
	}
	res.Metadata = append(res.Metadata, p.globalMetadata()...)
	Walk(root, func(n Node) bool {
		res.Metadata = append(res.Metadata, n.Metadata()...)
		return true
	})
	for _, md := range MetadataOf[ReferenceMetadata](res.Metadata) {
		res.References = append(res.References, md.References...)
	}
	for _, md := range MetadataOf[ReferenceMetadata](pr.removedMeta) {
		res.OmittedReferences = append(res.OmittedReferences, md.References...)
	}
	p.logger.Debug().
		Int("messages", len(res.Messages)).
		Int("tokens", res.TokenCount).
		Int("removed", res.Removed).
		Msg("Render complete")
	return res, nil
}
