package syntax

import (
	sitter "github.com/smacker/go-tree-sitter"
)

// elixirDefKeywords are the Elixir macros whose first argument is a
// function head rather than a call.
var elixirDefKeywords = map[string]bool{
	"def": true, "defp": true, "defmacro": true, "defmacrop": true,
	"defguard": true, "defguardp": true, "defdelegate": true,
}

// IsCall reports whether n is a call expression.
func (t *Tree) IsCall(n *sitter.Node) bool {
	if n == nil {
		return false
	}
	switch t.Lang {
	case "go", "javascript", "typescript":
		return n.Type() == "call_expression"
	case "python":
		return n.Type() == "call"
	case "elixir":
		return n.Type() == "call" && elixirArguments(n) != nil
	}
	return false
}

// CalleeName returns the last segment of the called name: "get" for
// repo.get(id), Repo.get(id) or get(id). Empty when the callee is an
// expression without a name.
func (t *Tree) CalleeName(call *sitter.Node) string {
	var fn *sitter.Node
	switch t.Lang {
	case "elixir":
		fn = call.ChildByFieldName("target")
	default:
		fn = call.ChildByFieldName("function")
	}
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier", "field_identifier", "property_identifier":
		return t.Text(fn)
	case "selector_expression":
		return t.Text(fn.ChildByFieldName("field"))
	case "attribute":
		return t.Text(fn.ChildByFieldName("attribute"))
	case "member_expression":
		return t.Text(fn.ChildByFieldName("property"))
	case "dot":
		return t.Text(fn.ChildByFieldName("right"))
	}
	return ""
}

// CalleeQualifier returns the text before the called name, e.g. "Repo" for
// Repo.get(id) or "s.store" for s.store.Get(id); empty for local calls.
func (t *Tree) CalleeQualifier(call *sitter.Node) string {
	var fn *sitter.Node
	switch t.Lang {
	case "elixir":
		fn = call.ChildByFieldName("target")
		if fn != nil && fn.Type() == "dot" {
			return t.Text(fn.ChildByFieldName("left"))
		}
	case "go":
		fn = call.ChildByFieldName("function")
		if fn != nil && fn.Type() == "selector_expression" {
			return t.Text(fn.ChildByFieldName("operand"))
		}
	case "python":
		fn = call.ChildByFieldName("function")
		if fn != nil && fn.Type() == "attribute" {
			return t.Text(fn.ChildByFieldName("object"))
		}
	case "javascript", "typescript":
		fn = call.ChildByFieldName("function")
		if fn != nil && fn.Type() == "member_expression" {
			return t.Text(fn.ChildByFieldName("object"))
		}
	}
	return ""
}

// Arguments returns the argument expressions of call in source order,
// comments excluded. Elixir do-blocks are not arguments.
func (t *Tree) Arguments(call *sitter.Node) []*sitter.Node {
	var list *sitter.Node
	if t.Lang == "elixir" {
		list = elixirArguments(call)
	} else {
		list = call.ChildByFieldName("arguments")
	}
	if list == nil {
		return nil
	}
	if t.Lang == "python" && list.Type() == "generator_expression" {
		return []*sitter.Node{list}
	}
	var args []*sitter.Node
	for i := 0; i < int(list.NamedChildCount()); i++ {
		c := list.NamedChild(i)
		if c.Type() == "comment" {
			continue
		}
		args = append(args, c)
	}
	return args
}

// PipedOperand returns the left side of an Elixir pipe feeding call
// (`x |> f(y)` passes x as the first argument), or nil.
func (t *Tree) PipedOperand(call *sitter.Node) *sitter.Node {
	if t.Lang != "elixir" {
		return nil
	}
	parent := call.Parent()
	if parent == nil || parent.Type() != "binary_operator" {
		return nil
	}
	op := parent.ChildByFieldName("operator")
	right := parent.ChildByFieldName("right")
	if op == nil || t.Text(op) != "|>" || right == nil || !sameNode(right, call) {
		return nil
	}
	return parent.ChildByFieldName("left")
}

// ArgumentCount counts the arguments call passes, including a piped operand.
func (t *Tree) ArgumentCount(call *sitter.Node) int {
	n := len(t.Arguments(call))
	if t.PipedOperand(call) != nil {
		n++
	}
	return n
}

// CallAt returns the innermost call whose span contains the 0-based
// (line, col) position. When name is non-empty, calls to that name, even
// one elsewhere on the same line, are preferred over calls to other names.
func (t *Tree) CallAt(line, col int, name string) *sitter.Node {
	pt := sitter.Point{Row: uint32(line), Column: uint32(col)}
	var best, bestNamed *sitter.Node

	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if !contains(n, pt) {
			return
		}
		if t.IsCall(n) {
			best = n
			if name != "" && t.CalleeName(n) == name {
				bestNamed = n
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			visit(n.NamedChild(i))
		}
	}
	visit(t.Root())

	if bestNamed != nil {
		return bestNamed
	}
	// Locations sometimes point at the start of a line's indentation.
	if name != "" {
		for _, c := range t.CallsNamed(name) {
			if int(c.StartPoint().Row) == line {
				return c
			}
		}
	}
	return best
}

// CallsNamed returns every call to name in the tree, in source order.
// Elixir function heads (`def name(args)`) are not calls.
func (t *Tree) CallsNamed(name string) []*sitter.Node {
	var out []*sitter.Node
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if t.IsCall(n) && t.CalleeName(n) == name && !t.isDefinitionHead(n) {
			out = append(out, n)
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			visit(n.NamedChild(i))
		}
	}
	visit(t.Root())
	return out
}

func (t *Tree) isDefinitionHead(call *sitter.Node) bool {
	if t.Lang != "elixir" {
		return false
	}
	p := call.Parent()
	if p != nil && p.Type() == "binary_operator" {
		// def name(x) when is_integer(x)
		p = p.Parent()
	}
	if p == nil || p.Type() != "arguments" {
		return false
	}
	owner := p.Parent()
	if owner == nil || owner.Type() != "call" {
		return false
	}
	target := owner.ChildByFieldName("target")
	return target != nil && target.Type() == "identifier" && elixirDefKeywords[t.Text(target)]
}

func elixirArguments(call *sitter.Node) *sitter.Node {
	for i := 0; i < int(call.NamedChildCount()); i++ {
		c := call.NamedChild(i)
		if c.Type() == "arguments" {
			return c
		}
	}
	return nil
}

func contains(n *sitter.Node, pt sitter.Point) bool {
	return !pointLess(pt, n.StartPoint()) && pointLess(pt, n.EndPoint())
}

func pointLess(a, b sitter.Point) bool {
	if a.Row != b.Row {
		return a.Row < b.Row
	}
	return a.Column < b.Column
}

func sameNode(a, b *sitter.Node) bool {
	return a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}
