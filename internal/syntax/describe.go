package syntax

import (
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Shape classifies an argument expression.
type Shape int

const (
	ShapeOther Shape = iota
	ShapeLiteral
	ShapeReference
	ShapeStructure
)

// maxKeys caps how many keys a structural summary lists.
const maxKeys = 6

var literalTypes = map[string]map[string]bool{
	"go": set("interpreted_string_literal", "raw_string_literal", "int_literal", "float_literal",
		"imaginary_literal", "rune_literal", "true", "false", "nil", "iota"),
	"python": set("string", "concatenated_string", "integer", "float", "true", "false", "none"),
	"javascript": set("string", "template_string", "number", "true", "false", "null",
		"undefined", "regex"),
	"typescript": set("string", "template_string", "number", "true", "false", "null",
		"undefined", "regex"),
	"elixir": set("string", "charlist", "integer", "float", "atom", "quoted_atom", "boolean",
		"nil", "sigil", "char"),
}

var referenceTypes = map[string]map[string]bool{
	"go":         set("identifier", "selector_expression", "field_identifier"),
	"python":     set("identifier", "attribute"),
	"javascript": set("identifier", "member_expression", "this", "property_identifier"),
	"typescript": set("identifier", "member_expression", "this", "property_identifier"),
	"elixir":     set("identifier", "alias"),
}

// Describe classifies an argument node and returns a short summary:
// literal source text, the referenced name, or a shape such as
// "map{id, status}", "list[3]", "%User{id}", "keywords{limit}", "fetch(…)".
// Unrecognised expressions come back as ShapeOther with their source text.
func (t *Tree) Describe(n *sitter.Node) (Shape, string) {
	typ := n.Type()
	if literalTypes[t.Lang][typ] {
		return ShapeLiteral, t.Text(n)
	}
	if referenceTypes[t.Lang][typ] {
		return ShapeReference, t.Text(n)
	}

	switch t.Lang {
	case "go":
		return t.describeGo(n)
	case "python":
		return t.describePython(n)
	case "javascript", "typescript":
		return t.describeJS(n)
	case "elixir":
		return t.describeElixir(n)
	}
	return ShapeOther, t.Text(n)
}

func (t *Tree) describeGo(n *sitter.Node) (Shape, string) {
	switch n.Type() {
	case "composite_literal":
		typ := n.ChildByFieldName("type")
		body := n.ChildByFieldName("body")
		if typ == nil {
			return ShapeStructure, "{…}"
		}
		switch typ.Type() {
		case "slice_type", "array_type", "implicit_length_array_type":
			return ShapeStructure, fmt.Sprintf("list[%d]", namedCount(body))
		case "map_type":
			return ShapeStructure, "map" + keyList(t.goKeys(body))
		}
		return ShapeStructure, t.Text(typ) + keyList(t.goKeys(body))
	case "unary_expression":
		if op := n.ChildByFieldName("operand"); op != nil && t.Text(n.Child(0)) == "&" {
			shape, text := t.Describe(op)
			return shape, "&" + text
		}
	case "func_literal":
		return ShapeStructure, "fn(…)"
	case "call_expression":
		return ShapeStructure, t.calleeLabel(n)
	case "parenthesized_expression":
		if n.NamedChildCount() == 1 {
			return t.Describe(n.NamedChild(0))
		}
	}
	return ShapeOther, t.Text(n)
}

func (t *Tree) goKeys(body *sitter.Node) []string {
	var keys []string
	for i := 0; i < int(namedCount(body)); i++ {
		el := body.NamedChild(i)
		if el.Type() != "keyed_element" || el.NamedChildCount() == 0 {
			continue
		}
		key := el.NamedChild(0)
		if key.Type() == "literal_element" && key.NamedChildCount() > 0 {
			key = key.NamedChild(0)
		}
		keys = append(keys, strings.Trim(t.Text(key), `"`))
	}
	return keys
}

func (t *Tree) describePython(n *sitter.Node) (Shape, string) {
	switch n.Type() {
	case "dictionary":
		var keys []string
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if p := n.NamedChild(i); p.Type() == "pair" {
				keys = append(keys, strings.Trim(t.Text(p.ChildByFieldName("key")), `"'`))
			}
		}
		return ShapeStructure, "map" + keyList(keys)
	case "list", "list_comprehension":
		return ShapeStructure, fmt.Sprintf("list[%d]", namedCount(n))
	case "tuple":
		return ShapeStructure, fmt.Sprintf("tuple[%d]", namedCount(n))
	case "set":
		return ShapeStructure, fmt.Sprintf("set[%d]", namedCount(n))
	case "lambda":
		return ShapeStructure, "fn(…)"
	case "call":
		return ShapeStructure, t.calleeLabel(n)
	case "keyword_argument":
		name := t.Text(n.ChildByFieldName("name"))
		if v := n.ChildByFieldName("value"); v != nil {
			shape, text := t.Describe(v)
			return shape, name + "=" + text
		}
	case "list_splat", "dictionary_splat":
		return ShapeReference, t.Text(n)
	case "parenthesized_expression":
		if n.NamedChildCount() == 1 {
			return t.Describe(n.NamedChild(0))
		}
	}
	return ShapeOther, t.Text(n)
}

func (t *Tree) describeJS(n *sitter.Node) (Shape, string) {
	switch n.Type() {
	case "object":
		var keys []string
		for i := 0; i < int(n.NamedChildCount()); i++ {
			p := n.NamedChild(i)
			switch p.Type() {
			case "pair":
				keys = append(keys, strings.Trim(t.Text(p.ChildByFieldName("key")), `"'`))
			case "shorthand_property_identifier":
				keys = append(keys, t.Text(p))
			case "spread_element":
				keys = append(keys, t.Text(p))
			}
		}
		return ShapeStructure, "map" + keyList(keys)
	case "array":
		return ShapeStructure, fmt.Sprintf("list[%d]", namedCount(n))
	case "arrow_function", "function_expression", "function":
		return ShapeStructure, "fn(…)"
	case "call_expression":
		return ShapeStructure, t.calleeLabel(n)
	case "new_expression":
		return ShapeStructure, "new " + t.Text(n.ChildByFieldName("constructor")) + "(…)"
	case "await_expression":
		if n.NamedChildCount() == 1 {
			shape, text := t.Describe(n.NamedChild(0))
			return shape, "await " + text
		}
	case "spread_element":
		return ShapeReference, t.Text(n)
	case "parenthesized_expression":
		if n.NamedChildCount() == 1 {
			return t.Describe(n.NamedChild(0))
		}
	}
	return ShapeOther, t.Text(n)
}

func (t *Tree) describeElixir(n *sitter.Node) (Shape, string) {
	switch n.Type() {
	case "map":
		prefix := "map"
		content := n
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			switch c.Type() {
			case "struct":
				prefix = "%" + t.Text(c)
			case "map_content":
				content = c
			}
		}
		return ShapeStructure, prefix + keyList(t.elixirKeys(content))
	case "keywords":
		return ShapeStructure, "keywords" + keyList(t.elixirKeys(n))
	case "list":
		if n.NamedChildCount() == 1 && n.NamedChild(0).Type() == "keywords" {
			return ShapeStructure, "keywords" + keyList(t.elixirKeys(n.NamedChild(0)))
		}
		return ShapeStructure, fmt.Sprintf("list[%d]", namedCount(n))
	case "tuple":
		return ShapeStructure, fmt.Sprintf("tuple[%d]", namedCount(n))
	case "anonymous_function":
		return ShapeStructure, "fn(…)"
	case "unary_operator":
		op := n.ChildByFieldName("operator")
		if op != nil && t.Text(op) == "@" {
			return ShapeReference, t.Text(n)
		}
		if op != nil && t.Text(op) == "&" {
			return ShapeStructure, "fn(…)"
		}
	case "call":
		if elixirArguments(n) == nil {
			// conn.assigns: a remote field access without parentheses.
			if target := n.ChildByFieldName("target"); target != nil && target.Type() == "dot" {
				return ShapeReference, t.Text(n)
			}
			return ShapeOther, t.Text(n)
		}
		return ShapeStructure, t.calleeLabel(n)
	case "dot":
		return ShapeReference, t.Text(n)
	case "block":
		if n.NamedChildCount() == 1 {
			return t.Describe(n.NamedChild(0))
		}
	}
	return ShapeOther, t.Text(n)
}

// elixirKeys collects keys from a keywords node (`id: 1`) or a map_content
// holding `"k" => v` pairs or keywords.
func (t *Tree) elixirKeys(n *sitter.Node) []string {
	if n == nil {
		return nil
	}
	var keys []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "keywords":
			keys = append(keys, t.elixirKeys(c)...)
		case "pair":
			k := strings.TrimSpace(t.Text(c.ChildByFieldName("key")))
			keys = append(keys, strings.TrimSuffix(k, ":"))
		case "binary_operator":
			if op := c.ChildByFieldName("operator"); op != nil && t.Text(op) == "=>" {
				keys = append(keys, strings.Trim(t.Text(c.ChildByFieldName("left")), `"`))
			}
		}
	}
	return keys
}

// calleeLabel renders a nested call as "name(…)".
func (t *Tree) calleeLabel(call *sitter.Node) string {
	name := t.CalleeName(call)
	if q := t.CalleeQualifier(call); q != "" && !strings.ContainsAny(q, "(\n") {
		name = q + "." + name
	}
	if name == "" {
		name = "call"
	}
	return name + "(…)"
}

func keyList(keys []string) string {
	if len(keys) > maxKeys {
		keys = append(keys[:maxKeys:maxKeys], "…")
	}
	return "{" + strings.Join(keys, ", ") + "}"
}

func namedCount(n *sitter.Node) uint32 {
	if n == nil {
		return 0
	}
	return n.NamedChildCount()
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}
