package calltrace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/calltrace/internal/syntax"
)

// maxLiteralRunes bounds the text kept for one argument.
const maxLiteralRunes = 32

// ArgKind classifies one argument position.
type ArgKind uint8

const (
	ArgLiteral ArgKind = iota
	ArgReference
	ArgStructural
	ArgWildcard
)

var argKindNames = [...]string{
	ArgLiteral:    "literal",
	ArgReference:  "reference",
	ArgStructural: "structural",
	ArgWildcard:   "wildcard",
}

func (k ArgKind) String() string {
	if int(k) < len(argKindNames) {
		return argKindNames[k]
	}
	return fmt.Sprintf("argkind(%d)", uint8(k))
}

func (k ArgKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ArgKind) UnmarshalText(b []byte) error {
	for i, name := range argKindNames {
		if name == string(b) {
			*k = ArgKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown argument kind %q", b)
}

// ArgDescriptor describes the expression passed at one argument position.
type ArgDescriptor struct {
	Kind ArgKind `json:"kind" yaml:"kind"`
	Text string  `json:"text" yaml:"text"`
}

// ArgumentPattern is the ordered argument shape of a call site. Degraded
// is set when some positions could not be resolved and hold wildcards.
type ArgumentPattern struct {
	Args     []ArgDescriptor `json:"args" yaml:"args,flow"`
	Degraded bool            `json:"degraded,omitempty" yaml:"degraded,omitempty"`
}

// String renders the pattern as an argument list: ("draft", id, map{a}, _).
func (p ArgumentPattern) String() string {
	parts := make([]string, len(p.Args))
	for i, a := range p.Args {
		parts[i] = a.Text
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// wildcardPattern is the degraded pattern for a call of the given arity:
// one "_" per position, or a single "…" when the arity is unknown.
func wildcardPattern(arity int) ArgumentPattern {
	if arity == AnyArity {
		return ArgumentPattern{Args: []ArgDescriptor{{Kind: ArgWildcard, Text: "…"}}, Degraded: true}
	}
	args := make([]ArgDescriptor, arity)
	for i := range args {
		args[i] = ArgDescriptor{Kind: ArgWildcard, Text: "_"}
	}
	return ArgumentPattern{Args: args, Degraded: true}
}

// PatternExtractor describes the arguments passed at a call site.
// Implementations never fail; unresolvable positions become wildcards.
type PatternExtractor interface {
	ExtractPattern(ctx context.Context, site CallSite, sources *SourceCache) ArgumentPattern
}

// Extractor is the tree-sitter PatternExtractor. It reads call sites
// from source files under Root.
type Extractor struct {
	Root string
}

// NewExtractor returns an Extractor resolving relative paths against root.
func NewExtractor(root string) *Extractor {
	return &Extractor{Root: root}
}

func (x *Extractor) ExtractPattern(ctx context.Context, site CallSite, sources *SourceCache) ArgumentPattern {
	arity := site.Callee.Arity
	if site.File == "" {
		return wildcardPattern(arity)
	}
	lang, ok := syntax.LanguageForFile(site.File)
	if !ok {
		return wildcardPattern(arity)
	}
	tree, err := sources.Tree(ctx, x.path(site.File), lang)
	if err != nil {
		return wildcardPattern(arity)
	}
	call := tree.CallAt(site.Line, site.Col, site.Callee.Short())
	if call == nil {
		return wildcardPattern(arity)
	}

	nodes := tree.Arguments(call)
	if piped := tree.PipedOperand(call); piped != nil {
		nodes = append([]*sitter.Node{piped}, nodes...)
	}

	var p ArgumentPattern
	for _, n := range nodes {
		p.Args = append(p.Args, describeArg(tree, n))
	}
	if arity != AnyArity && len(p.Args) < arity {
		for len(p.Args) < arity {
			p.Args = append(p.Args, ArgDescriptor{Kind: ArgWildcard, Text: "_"})
		}
		p.Degraded = true
	}
	return p
}

func (x *Extractor) path(file string) string {
	if filepath.IsAbs(file) || x.Root == "" {
		return file
	}
	return filepath.Join(x.Root, file)
}

func describeArg(tree *syntax.Tree, n *sitter.Node) ArgDescriptor {
	shape, text := tree.Describe(n)
	text = truncateRunes(collapseSpace(text), maxLiteralRunes)
	if text == "" {
		return ArgDescriptor{Kind: ArgWildcard, Text: "_"}
	}
	switch shape {
	case syntax.ShapeLiteral:
		return ArgDescriptor{Kind: ArgLiteral, Text: text}
	case syntax.ShapeReference:
		return ArgDescriptor{Kind: ArgReference, Text: text}
	default:
		return ArgDescriptor{Kind: ArgStructural, Text: text}
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// SourceCache holds parsed files for one traversal. It is not safe for
// concurrent use; each category builder owns one.
type SourceCache struct {
	files map[string]cachedSource
}

type cachedSource struct {
	tree *syntax.Tree
	err  error
}

// NewSourceCache returns an empty cache.
func NewSourceCache() *SourceCache {
	return &SourceCache{files: make(map[string]cachedSource)}
}

// Tree returns the parsed file at path, reading and parsing it on first use.
// Failures are cached too.
func (c *SourceCache) Tree(ctx context.Context, path, lang string) (*syntax.Tree, error) {
	if cs, ok := c.files[path]; ok {
		return cs.tree, cs.err
	}
	var cs cachedSource
	src, err := os.ReadFile(path)
	if err != nil {
		cs.err = err
	} else {
		cs.tree, cs.err = syntax.Parse(ctx, lang, src)
	}
	// A cancelled parse is not a property of the file.
	if cs.err == nil || ctx.Err() == nil {
		c.files[path] = cs
	}
	return cs.tree, cs.err
}

// Close releases every cached tree.
func (c *SourceCache) Close() {
	for _, cs := range c.files {
		if cs.tree != nil {
			cs.tree.Close()
		}
	}
	clear(c.files)
}
