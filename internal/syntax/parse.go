package syntax

import (
	"context"
	"fmt"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
)

// Tree is a parsed source file. Nodes obtained from it are only valid
// until Close.
type Tree struct {
	Lang string
	Src  []byte
	tree *sitter.Tree
}

// Root returns the tree's root node.
func (t *Tree) Root() *sitter.Node {
	return t.tree.RootNode()
}

// Text returns the source text spanned by n.
func (t *Tree) Text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(t.Src)
}

// Close releases the underlying tree-sitter tree.
func (t *Tree) Close() {
	if t.tree != nil {
		t.tree.Close()
		t.tree = nil
	}
}

// Parsers are not thread-safe, so each language keeps a pool of them.
var (
	poolsMu sync.Mutex
	pools   = map[string]*sync.Pool{}
)

func poolFor(lang string) (*sync.Pool, error) {
	grammar, ok := GrammarForLanguage(lang)
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", lang)
	}
	poolsMu.Lock()
	defer poolsMu.Unlock()
	p, ok := pools[lang]
	if !ok {
		p = &sync.Pool{New: func() any {
			parser := sitter.NewParser()
			parser.SetLanguage(grammar)
			return parser
		}}
		pools[lang] = p
	}
	return p, nil
}

// Parse parses src as lang using a pooled parser.
func Parse(ctx context.Context, lang string, src []byte) (*Tree, error) {
	pool, err := poolFor(lang)
	if err != nil {
		return nil, err
	}
	parser := pool.Get().(*sitter.Parser)
	defer pool.Put(parser)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		// A cancelled parse leaves the parser mid-state.
		parser.Reset()
		return nil, fmt.Errorf("parse %s: %w", lang, err)
	}
	return &Tree{Lang: lang, Src: src, tree: tree}, nil
}
