package calltrace

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jward/calltrace/internal/syntax"
)

// AnyArity marks a Symbol whose arity was not given. Such a symbol has to
// be resolved against an oracle before it can be traced.
const AnyArity = -1

// Symbol identifies a callable by dotted qualified name and arity. Two
// symbols are equal iff both fields match; Symbol is comparable and is
// used directly as a map key.
type Symbol struct {
	Name  string
	Arity int
}

// ParseSymbol parses "Name/Arity" or a bare "Name". Go method spellings
// such as "pkg.(*Server).Handle" are normalised to "pkg.Server.Handle".
func ParseSymbol(s string) (Symbol, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Symbol{}, fmt.Errorf("empty symbol")
	}
	sym := Symbol{Name: s, Arity: AnyArity}
	if i := strings.LastIndex(s, "/"); i >= 0 {
		n, err := strconv.Atoi(s[i+1:])
		if err != nil || n < 0 {
			return Symbol{}, fmt.Errorf("symbol %q: arity must be a non-negative integer", s)
		}
		sym.Name, sym.Arity = s[:i], n
	}
	sym.Name = strings.NewReplacer("(*", "", "(", "", ")", "").Replace(sym.Name)
	if sym.Name == "" || strings.HasPrefix(sym.Name, ".") || strings.HasSuffix(sym.Name, ".") {
		return Symbol{}, fmt.Errorf("symbol %q: invalid name", s)
	}
	return sym, nil
}

// MustParseSymbol is ParseSymbol for constants; it panics on error.
func MustParseSymbol(s string) Symbol {
	sym, err := ParseSymbol(s)
	if err != nil {
		panic(err)
	}
	return sym
}

func (s Symbol) String() string {
	if s.Arity == AnyArity {
		return s.Name
	}
	return s.Name + "/" + strconv.Itoa(s.Arity)
}

// Module returns the qualified name without its last segment.
func (s Symbol) Module() string {
	if i := strings.LastIndex(s.Name, "."); i >= 0 {
		return s.Name[:i]
	}
	return ""
}

// Short returns the last segment of the qualified name.
func (s Symbol) Short() string {
	if i := strings.LastIndex(s.Name, "."); i >= 0 {
		return s.Name[i+1:]
	}
	return s.Name
}

// IsZero reports whether s is the zero Symbol.
func (s Symbol) IsZero() bool {
	return s.Name == "" && s.Arity == 0
}

// Compare orders symbols by name, then arity.
func (s Symbol) Compare(o Symbol) int {
	if c := strings.Compare(s.Name, o.Name); c != 0 {
		return c
	}
	return s.Arity - o.Arity
}

func (s Symbol) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Symbol) UnmarshalText(b []byte) error {
	sym, err := ParseSymbol(string(b))
	if err != nil {
		return err
	}
	*s = sym
	return nil
}

func (s Symbol) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s *Symbol) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: symbol must be a string", value.Line)
	}
	return s.UnmarshalText([]byte(value.Value))
}

// Location is a position in the analyzed codebase. Line and Col are
// 0-based; String renders the line 1-based.
type Location struct {
	File string `json:"file" yaml:"file"`
	Line int    `json:"line" yaml:"line"`
	Col  int    `json:"col" yaml:"col"`
}

// Less orders locations by file, line, then column.
func (l Location) Less(o Location) bool {
	if l.File != o.File {
		return l.File < o.File
	}
	if l.Line != o.Line {
		return l.Line < o.Line
	}
	return l.Col < o.Col
}

func (l Location) String() string {
	if l.File == "" {
		return "?"
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line+1)
}

// Construct describes the declaration behind a Symbol, as far as the
// oracle knows it. Entry-point rules match against it.
type Construct struct {
	Symbol      Symbol   `json:"symbol" yaml:"symbol"`
	Kind        string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Params      []string `json:"params,omitempty" yaml:"params,omitempty"`
	Parent      string   `json:"parent,omitempty" yaml:"parent,omitempty"`
	ParentKind  string   `json:"parent_kind,omitempty" yaml:"parent_kind,omitempty"`
	Language    string   `json:"language,omitempty" yaml:"language,omitempty"`
	File        string   `json:"file,omitempty" yaml:"file,omitempty"`
	Line        int      `json:"line,omitempty" yaml:"line,omitempty"`
	Annotations []string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	Modifiers   []string `json:"modifiers,omitempty" yaml:"modifiers,omitempty"`
}

// constructFor returns the declaring construct of a site's caller, or a
// minimal one derived from the symbol when the oracle supplied none.
func constructFor(site CallSite) Construct {
	if site.Declaring != nil {
		c := *site.Declaring
		c.Symbol = site.Caller
		return c
	}
	lang, _ := syntax.LanguageForFile(site.File)
	return Construct{
		Symbol:   site.Caller,
		Kind:     "function",
		Parent:   site.Caller.Module(),
		Language: lang,
		File:     site.File,
	}
}

// CallSite is one edge of the call graph: Caller invokes Callee at
// Location with the arguments described by Args.
type CallSite struct {
	Caller      Symbol          `json:"caller" yaml:"caller"`
	Callee      Symbol          `json:"callee" yaml:"callee"`
	Location    `yaml:",inline"`
	Args        ArgumentPattern `json:"args" yaml:"args"`
	Category    Category        `json:"category" yaml:"category"`
	Approximate bool            `json:"approximate,omitempty" yaml:"approximate,omitempty"`
	Declaring   *Construct      `json:"-" yaml:"-"`
}

// siteLess orders call sites by location, then caller.
func siteLess(a, b CallSite) bool {
	if a.Location != b.Location {
		return a.Location.Less(b.Location)
	}
	return a.Caller.Compare(b.Caller) < 0
}
