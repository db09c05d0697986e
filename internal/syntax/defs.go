package syntax

import (
	"slices"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Definition describes a named function or method declaration.
type Definition struct {
	Name        string
	Qualified   string
	Kind        string
	Arity       int
	Params      []string
	Parent      string
	ParentKind  string
	Line        int
	Col         int
	Annotations []string
	Modifiers   []string
}

// EnclosingDefinition returns the named definition containing n. module is
// the dotted module name used for file-module languages (python,
// javascript, typescript); Go and Elixir derive it from the source.
// Anonymous functions are skipped in favour of their named owner.
func (t *Tree) EnclosingDefinition(n *sitter.Node, module string) (Definition, bool) {
	for cur := n; cur != nil; cur = cur.Parent() {
		if def, ok := t.definitionAt(cur, module); ok {
			return def, true
		}
	}
	return Definition{}, false
}

// Definitions returns every named definition in the tree, in source order.
func (t *Tree) Definitions(module string) []Definition {
	var out []Definition
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if def, ok := t.definitionAt(n, module); ok {
			out = append(out, def)
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			visit(n.NamedChild(i))
		}
	}
	visit(t.Root())
	return out
}

// definitionAt builds a Definition when n itself is a named definition node.
func (t *Tree) definitionAt(n *sitter.Node, module string) (Definition, bool) {
	var def Definition
	var nameNode *sitter.Node

	switch t.Lang {
	case "go":
		switch n.Type() {
		case "function_declaration":
			def.Kind = "function"
		case "method_declaration":
			def.Kind = "method"
		default:
			return def, false
		}
		nameNode = n.ChildByFieldName("name")
		def.Params = t.goParams(n.ChildByFieldName("parameters"))

	case "python":
		if n.Type() != "function_definition" {
			return def, false
		}
		nameNode = n.ChildByFieldName("name")
		def.Kind = "function"
		params := pythonParams(n.ChildByFieldName("parameters"))
		if pythonInClass(n) {
			def.Kind = "method"
			if len(params) > 0 && (t.Text(params[0]) == "self" || t.Text(params[0]) == "cls") {
				params = params[1:]
			}
		}
		for _, p := range params {
			def.Params = append(def.Params, paramName(t.Text(p)))
		}
		if p := n.Parent(); p != nil && p.Type() == "decorated_definition" {
			for i := 0; i < int(p.NamedChildCount()); i++ {
				if d := p.NamedChild(i); d.Type() == "decorator" {
					def.Annotations = append(def.Annotations, decoratorName(t.Text(d)))
				}
			}
		}

	case "javascript", "typescript":
		switch n.Type() {
		case "function_declaration", "generator_function_declaration":
			def.Kind = "function"
			nameNode = n.ChildByFieldName("name")
		case "method_definition":
			def.Kind = "method"
			nameNode = n.ChildByFieldName("name")
		case "arrow_function", "function_expression", "function":
			p := n.Parent()
			if p == nil || p.Type() != "variable_declarator" {
				return def, false
			}
			def.Kind = "function"
			nameNode = p.ChildByFieldName("name")
		default:
			return def, false
		}
		def.Params = t.jsParams(n)

	case "elixir":
		if n.Type() != "call" {
			return def, false
		}
		target := n.ChildByFieldName("target")
		if target == nil || target.Type() != "identifier" || !elixirDefKeywords[t.Text(target)] {
			return def, false
		}
		args := elixirArguments(n)
		if args == nil || args.NamedChildCount() == 0 {
			return def, false
		}
		head := args.NamedChild(0)
		if head.Type() == "binary_operator" {
			head = head.ChildByFieldName("left")
		}
		if head == nil {
			return def, false
		}
		switch head.Type() {
		case "call":
			nameNode = head.ChildByFieldName("target")
			if ha := elixirArguments(head); ha != nil {
				for i := 0; i < int(ha.NamedChildCount()); i++ {
					def.Params = append(def.Params, t.Text(ha.NamedChild(i)))
				}
			}
		case "identifier":
			nameNode = head
		default:
			return def, false
		}
		keyword := t.Text(target)
		def.Kind = "function"
		if strings.HasPrefix(keyword, "defmacro") {
			def.Kind = "macro"
		}
		def.Modifiers = []string{keyword}
		if strings.HasSuffix(keyword, "p") {
			def.Modifiers = append(def.Modifiers, "private")
		}

	default:
		return def, false
	}

	if nameNode == nil {
		return def, false
	}
	def.Name = t.Text(nameNode)
	def.Arity = len(def.Params)
	def.Line = int(nameNode.StartPoint().Row)
	def.Col = int(nameNode.StartPoint().Column)
	def.Parent, def.ParentKind = t.container(n, module)
	if def.Parent != "" {
		def.Qualified = def.Parent + "." + def.Name
	} else {
		def.Qualified = def.Name
	}
	return def, true
}

// container computes the dotted name of whatever encloses the definition n
// and the kind of the innermost container.
func (t *Tree) container(n *sitter.Node, module string) (string, string) {
	switch t.Lang {
	case "go":
		pkg := goPackage(t)
		if n.Type() == "method_declaration" {
			if recv := goReceiverType(t, n.ChildByFieldName("receiver")); recv != "" {
				return joinDotted(pkg, recv), "type"
			}
		}
		return pkg, "package"

	case "elixir":
		var mods []string
		for p := n.Parent(); p != nil; p = p.Parent() {
			if p.Type() != "call" {
				continue
			}
			target := p.ChildByFieldName("target")
			if target == nil || t.Text(target) != "defmodule" {
				continue
			}
			if args := elixirArguments(p); args != nil && args.NamedChildCount() > 0 {
				mods = append(mods, t.Text(args.NamedChild(0)))
			}
		}
		slices.Reverse(mods)
		return strings.Join(mods, "."), "module"

	default:
		var scopes []string
		kind := "module"
		for p := n.Parent(); p != nil; p = p.Parent() {
			var name *sitter.Node
			switch p.Type() {
			case "class_definition", "class_declaration", "class":
				name = p.ChildByFieldName("name")
				if len(scopes) == 0 {
					kind = "class"
				}
			case "function_definition", "function_declaration", "method_definition":
				name = p.ChildByFieldName("name")
				if len(scopes) == 0 {
					kind = "function"
				}
			}
			if name != nil {
				scopes = append(scopes, t.Text(name))
			}
		}
		slices.Reverse(scopes)
		return joinDotted(module, strings.Join(scopes, ".")), kind
	}
}

func goPackage(t *Tree) string {
	root := t.Root()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		c := root.NamedChild(i)
		if c.Type() != "package_clause" {
			continue
		}
		for j := 0; j < int(c.NamedChildCount()); j++ {
			if id := c.NamedChild(j); id.Type() == "package_identifier" {
				return t.Text(id)
			}
		}
	}
	return ""
}

// goReceiverType returns "Server" for (s *Server) or (s Server[T]).
func goReceiverType(t *Tree, recv *sitter.Node) string {
	if recv == nil || recv.NamedChildCount() == 0 {
		return ""
	}
	decl := recv.NamedChild(0)
	typ := decl.ChildByFieldName("type")
	if typ == nil {
		return ""
	}
	text := strings.TrimLeft(t.Text(typ), "*")
	if i := strings.Index(text, "["); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// goParams lists declared parameter names: `a, b int` is two entries, an
// unnamed `int` is one "_".
func (t *Tree) goParams(params *sitter.Node) []string {
	if params == nil {
		return nil
	}
	var out []string
	for i := 0; i < int(params.NamedChildCount()); i++ {
		decl := params.NamedChild(i)
		switch decl.Type() {
		case "parameter_declaration", "variadic_parameter_declaration":
			before := len(out)
			for j := 0; j < int(decl.NamedChildCount()); j++ {
				if c := decl.NamedChild(j); c.Type() == "identifier" {
					out = append(out, t.Text(c))
				}
			}
			if len(out) == before {
				out = append(out, "_")
			}
		}
	}
	return out
}

func pythonParams(params *sitter.Node) []*sitter.Node {
	if params == nil {
		return nil
	}
	var out []*sitter.Node
	for i := 0; i < int(params.NamedChildCount()); i++ {
		p := params.NamedChild(i)
		switch p.Type() {
		case "comment", "keyword_separator", "positional_separator":
			continue
		}
		out = append(out, p)
	}
	return out
}

func pythonInClass(fn *sitter.Node) bool {
	p := fn.Parent()
	if p != nil && p.Type() == "decorated_definition" {
		p = p.Parent()
	}
	if p == nil || p.Type() != "block" {
		return false
	}
	owner := p.Parent()
	return owner != nil && owner.Type() == "class_definition"
}

func (t *Tree) jsParams(fn *sitter.Node) []string {
	params := fn.ChildByFieldName("parameters")
	if params == nil {
		// x => x + 1
		if p := fn.ChildByFieldName("parameter"); p != nil {
			return []string{t.Text(p)}
		}
		return nil
	}
	var out []string
	for i := 0; i < int(params.NamedChildCount()); i++ {
		if p := params.NamedChild(i); p.Type() != "comment" {
			out = append(out, paramName(t.Text(p)))
		}
	}
	return out
}

// paramName strips defaults and annotations: "limit: int = 10" is "limit".
func paramName(text string) string {
	if i := strings.IndexAny(text, ":="); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// decoratorName turns "@app.route('/x', methods=['GET'])" into "app.route".
func decoratorName(text string) string {
	text = strings.TrimPrefix(strings.TrimSpace(text), "@")
	if i := strings.IndexAny(text, "( \n"); i >= 0 {
		text = text[:i]
	}
	return text
}

func joinDotted(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "." + b
}
