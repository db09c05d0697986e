package calltrace

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// NodeState is where a traversal node ended up.
type NodeState uint8

const (
	// StateExpanded nodes had their callers explored.
	StateExpanded NodeState = iota
	// StateEntryPoint nodes matched an entry-point rule.
	StateEntryPoint
	// StateMaxDepth nodes have callers that were not explored.
	StateMaxDepth
	// StateCycle nodes repeat a symbol already on their path.
	StateCycle
	// StateNoCallers nodes have no known callers.
	StateNoCallers
)

var nodeStateNames = [...]string{
	StateExpanded:   "expanded",
	StateEntryPoint: "entry_point",
	StateMaxDepth:   "max_depth",
	StateCycle:      "cycle",
	StateNoCallers:  "no_callers",
}

func (s NodeState) String() string {
	if int(s) < len(nodeStateNames) {
		return nodeStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether the node was left unexpanded.
func (s NodeState) Terminal() bool {
	return s != StateExpanded
}

func (s NodeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *NodeState) UnmarshalText(b []byte) error {
	for i, name := range nodeStateNames {
		if name == string(b) {
			*s = NodeState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown node state %q", b)
}

// TraversalNode is one symbol in a category tree. Site is the edge to the
// parent: the call this symbol makes into its parent's symbol. The root
// has no Site.
type TraversalNode struct {
	Symbol     Symbol           `json:"symbol" yaml:"symbol"`
	Depth      int              `json:"depth" yaml:"depth"`
	State      NodeState        `json:"state" yaml:"state"`
	Entry      *Category        `json:"entry,omitempty" yaml:"entry,omitempty"`
	Truncated  bool             `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	Incomplete bool             `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`
	Site       *CallSite        `json:"site,omitempty" yaml:"site,omitempty"`
	Children   []*TraversalNode `json:"children,omitempty" yaml:"children,omitempty"`
}

// Walk calls fn for n and every descendant in depth-first order.
func (n *TraversalNode) Walk(fn func(*TraversalNode)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// CategoryTree is the traversal for one category. Root is the trace
// target at depth 0; its children are the target's callers that fell
// into Category.
type CategoryTree struct {
	Category    Category       `json:"category" yaml:"category"`
	Approximate bool           `json:"approximate,omitempty" yaml:"approximate,omitempty"`
	Root        *TraversalNode `json:"root" yaml:"root"`
}

// pathSet is an immutable linked list of the symbols from the root to the
// current node. Extending it never affects sibling branches.
type pathSet struct {
	sym    Symbol
	parent *pathSet
}

func (p *pathSet) push(sym Symbol) *pathSet {
	return &pathSet{sym: sym, parent: p}
}

func (p *pathSet) contains(sym Symbol) bool {
	for cur := p; cur != nil; cur = cur.parent {
		if cur.sym == sym {
			return true
		}
	}
	return false
}

// treeStats are the per-category counters merged into the report summary.
type treeStats struct {
	visited    map[Symbol]struct{}
	truncated  int
	cycles     int
	incomplete int
}

// builder grows one category tree. Everything it holds is owned by the
// goroutine running it; only the oracle chain and classifier are shared.
type builder struct {
	category   Category
	chain      *oracleChain
	classifier *Classifier
	extractor  PatternExtractor
	maxDepth   int
	logger     *slog.Logger
	metrics    *Metrics
	progress   func(ProgressEvent)

	sources     *SourceCache
	callers     map[Symbol]lookup
	stats       treeStats
	approximate bool
}

func newBuilder(cat Category, t *Tracer) *builder {
	return &builder{
		category:   cat,
		chain:      t.chain,
		classifier: t.classifier,
		extractor:  t.extractor,
		maxDepth:   t.maxDepth,
		logger:     t.logger,
		metrics:    t.metrics,
		progress:   t.progress,
		sources:    NewSourceCache(),
		callers:    make(map[Symbol]lookup),
		stats:      treeStats{visited: make(map[Symbol]struct{})},
	}
}

// build grows the tree for target from the first-hop sites the
// dispatcher assigned to this category.
func (b *builder) build(ctx context.Context, target Symbol, firstHop []CallSite) (*CategoryTree, error) {
	defer b.sources.Close()

	root := &TraversalNode{Symbol: target, State: StateExpanded}
	b.stats.visited[target] = struct{}{}
	path := (*pathSet)(nil).push(target)

	sites := slices.Clone(firstHop)
	slices.SortFunc(sites, compareSites)
	for _, site := range sites {
		child, err := b.edge(ctx, site, 1, path)
		if err != nil {
			return nil, err
		}
		root.Children = append(root.Children, child)
		root.Truncated = root.Truncated || child.Truncated
	}

	tree := &CategoryTree{Category: b.category, Approximate: b.approximate, Root: root}
	root.Walk(func(n *TraversalNode) {
		if n.Site != nil && n.Site.Approximate {
			tree.Approximate = true
		}
	})
	return tree, nil
}

// edge creates the node for site's caller at depth and decides whether to
// keep climbing.
func (b *builder) edge(ctx context.Context, site CallSite, depth int, path *pathSet) (*TraversalNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	site.Category = b.category
	site.Args = b.extractor.ExtractPattern(ctx, site, b.sources)
	node := &TraversalNode{Symbol: site.Caller, Depth: depth, Site: &site}
	b.stats.visited[site.Caller] = struct{}{}
	b.report(node)

	if path.contains(site.Caller) {
		node.State = StateCycle
		b.stats.cycles++
		b.metrics.observeNode(node.State)
		return node, nil
	}
	if cat, ok := b.classifier.Classify(ctx, constructFor(site)); ok && cat.IsEntryPoint() {
		node.State = StateEntryPoint
		node.Entry = &cat
		b.metrics.observeNode(node.State)
		return node, nil
	}
	if err := b.expand(ctx, node, path.push(site.Caller)); err != nil {
		return nil, err
	}
	return node, nil
}

// expand queries node's callers and recurses into them. A node at the
// depth limit is queried once so a true root is not reported as a
// truncated branch.
func (b *builder) expand(ctx context.Context, node *TraversalNode, path *pathSet) error {
	l, err := b.lookup(ctx, node.Symbol)
	if err != nil {
		return err
	}
	if l.incomplete {
		node.Incomplete = true
		b.stats.incomplete++
	}
	b.approximate = b.approximate || l.approximate

	switch {
	case len(l.sites) == 0:
		node.State = StateNoCallers
	case node.Depth >= b.maxDepth:
		node.State = StateMaxDepth
		node.Truncated = true
		b.stats.truncated++
	default:
		node.State = StateExpanded
	}
	b.metrics.observeNode(node.State)
	if node.State != StateExpanded {
		return nil
	}

	sites := slices.Clone(l.sites)
	slices.SortFunc(sites, compareSites)
	for _, site := range sites {
		child, err := b.edge(ctx, site, node.Depth+1, path)
		if err != nil {
			return err
		}
		node.Children = append(node.Children, child)
		node.Truncated = node.Truncated || child.Truncated
	}
	return nil
}

// lookup memoizes caller queries for the lifetime of this builder.
func (b *builder) lookup(ctx context.Context, sym Symbol) (lookup, error) {
	if l, ok := b.callers[sym]; ok {
		return l, nil
	}
	l, err := b.chain.callers(ctx, sym)
	if err != nil {
		return lookup{}, err
	}
	b.callers[sym] = l
	return l, nil
}

func (b *builder) report(node *TraversalNode) {
	if b.progress == nil {
		return
	}
	b.progress(ProgressEvent{
		Phase:    PhaseNode,
		Category: b.category,
		Symbol:   node.Symbol,
		Depth:    node.Depth,
		Visited:  len(b.stats.visited),
	})
}

func compareSites(a, b CallSite) int {
	switch {
	case siteLess(a, b):
		return -1
	case siteLess(b, a):
		return 1
	}
	return 0
}
