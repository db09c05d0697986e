package calltrace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/risor-io/risor/parser"

	"github.com/jward/calltrace/internal/runtime"
)

// Classifier assigns entry-point categories to constructs. It evaluates
// rules in order and the first match wins. A Classifier is immutable and
// safe for concurrent use.
type Classifier struct {
	rules  []compiledRule
	rt     *runtime.Runtime
	root   string
	logger *slog.Logger
}

type compiledRule struct {
	EntryPointRule
	label     string
	qualified *regexp.Regexp
	parent    *regexp.Regexp
	file      *regexp.Regexp
	script    string
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*classifierConfig)

type classifierConfig struct {
	root       string
	scriptsDir string
	logger     *slog.Logger
}

// WithProjectRoot sets the directory rule scripts read files from and
// construct sources are resolved against.
func WithProjectRoot(root string) ClassifierOption {
	return func(c *classifierConfig) { c.root = root }
}

// WithRulesDir sets the directory script_file paths and Risor imports
// resolve against; normally the directory of the rules file.
func WithRulesDir(dir string) ClassifierOption {
	return func(c *classifierConfig) { c.scriptsDir = dir }
}

// WithClassifierLogger sets the logger for rule script diagnostics.
func WithClassifierLogger(logger *slog.Logger) ClassifierOption {
	return func(c *classifierConfig) { c.logger = logger }
}

// NewClassifier compiles rules. Invalid categories, regexps, globs and
// scripts are reported here rather than during a trace.
func NewClassifier(rules []EntryPointRule, opts ...ClassifierOption) (*Classifier, error) {
	cfg := classifierConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Classifier{root: cfg.root, logger: cfg.logger}
	c.rt = runtime.NewRuntime(cfg.root,
		runtime.WithScriptsDir(cfg.scriptsDir),
		runtime.WithLogger(cfg.logger))

	for i, rule := range rules {
		cr, err := c.compile(i, rule)
		if err != nil {
			return nil, err
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

func (c *Classifier) compile(i int, rule EntryPointRule) (compiledRule, error) {
	cr := compiledRule{EntryPointRule: rule, label: fmt.Sprintf("rules[%d]", i)}
	if rule.Description != "" {
		cr.label += " (" + rule.Description + ")"
	}
	fail := func(err error) (compiledRule, error) {
		return compiledRule{}, fmt.Errorf("%s: %w", cr.label, err)
	}

	if err := validateRule(rule); err != nil {
		return fail(err)
	}
	m := rule.Match
	var err error
	if cr.qualified, err = compileOptional(m.Qualified); err != nil {
		return fail(fmt.Errorf("qualified: %w", err))
	}
	if cr.parent, err = compileOptional(m.Parent); err != nil {
		return fail(fmt.Errorf("parent: %w", err))
	}
	if cr.file, err = compileOptional(m.File); err != nil {
		return fail(fmt.Errorf("file: %w", err))
	}
	for _, globs := range [][]string{m.Names, m.Params, m.Annotations} {
		for _, g := range globs {
			if _, err := path.Match(g, ""); err != nil {
				return fail(fmt.Errorf("glob %q: %w", g, err))
			}
		}
	}

	cr.script = m.Script
	if m.ScriptFile != "" {
		if cr.script, err = c.rt.LoadScript(m.ScriptFile); err != nil {
			return fail(err)
		}
	}
	if cr.script != "" {
		if _, err := parser.Parse(context.Background(), cr.script); err != nil {
			return fail(fmt.Errorf("script: %w", err))
		}
	}
	return cr, nil
}

func compileOptional(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile(expr)
}

// Rules returns the rules in priority order.
func (c *Classifier) Rules() []EntryPointRule {
	out := make([]EntryPointRule, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.EntryPointRule
	}
	return out
}

// Classify returns the category of the first rule matching con.
func (c *Classifier) Classify(ctx context.Context, con Construct) (Category, bool) {
	for i := range c.rules {
		r := &c.rules[i]
		if c.matches(ctx, r, con) {
			return r.Category, true
		}
	}
	return 0, false
}

func (c *Classifier) matches(ctx context.Context, r *compiledRule, con Construct) bool {
	m := &r.Match
	sym := con.Symbol

	if len(m.Languages) > 0 && !slices.Contains(m.Languages, con.Language) {
		return false
	}
	if len(m.Kinds) > 0 && !slices.Contains(m.Kinds, con.Kind) {
		return false
	}
	if len(m.Arity) > 0 && !slices.Contains(m.Arity, sym.Arity) {
		return false
	}
	if len(m.Names) > 0 && !anyGlob(m.Names, sym.Short()) {
		return false
	}
	if len(m.Params) > 0 && !paramsMatch(m.Params, con.Params) {
		return false
	}
	if r.qualified != nil && !r.qualified.MatchString(sym.Name) {
		return false
	}
	if r.parent != nil && !r.parent.MatchString(parentName(con)) {
		return false
	}
	if r.file != nil && !r.file.MatchString(filepath.ToSlash(con.File)) {
		return false
	}
	if len(m.Annotations) > 0 && !slices.ContainsFunc(con.Annotations, func(a string) bool {
		return anyGlob(m.Annotations, a)
	}) {
		return false
	}
	for _, mod := range m.Modifiers {
		if !slices.Contains(con.Modifiers, mod) {
			return false
		}
	}
	if r.script != "" {
		return c.evalScript(ctx, r, con)
	}
	return true
}

func (c *Classifier) evalScript(ctx context.Context, r *compiledRule, con Construct) bool {
	in := runtime.Input{Globals: scriptGlobals(con), Language: con.Language}
	if con.File != "" {
		p := con.File
		if !filepath.IsAbs(p) && c.root != "" {
			p = filepath.Join(c.root, p)
		}
		if src, err := os.ReadFile(p); err == nil {
			in.Source = src
		}
	}
	ok, err := c.rt.EvalPredicate(ctx, r.script, r.label, in)
	if err != nil {
		c.logger.Warn("classify.script_error", "rule", r.label, "symbol", con.Symbol.String(), "err", err)
		return false
	}
	return ok
}

// scriptGlobals exposes a construct to rule scripts.
func scriptGlobals(con Construct) map[string]any {
	return map[string]any{
		"name":        con.Symbol.Short(),
		"qualified":   con.Symbol.Name,
		"arity":       con.Symbol.Arity,
		"module":      con.Symbol.Module(),
		"kind":        con.Kind,
		"params":      toAnySlice(con.Params),
		"parent":      parentName(con),
		"parent_kind": con.ParentKind,
		"language":    con.Language,
		"file":        con.File,
		"line":        con.Line,
		"annotations": toAnySlice(con.Annotations),
		"modifiers":   toAnySlice(con.Modifiers),
	}
}

func parentName(con Construct) string {
	if con.Parent != "" {
		return con.Parent
	}
	return con.Symbol.Module()
}

func anyGlob(globs []string, s string) bool {
	for _, g := range globs {
		if ok, _ := path.Match(g, s); ok {
			return true
		}
	}
	return false
}

func paramsMatch(globs, params []string) bool {
	if len(params) < len(globs) {
		return false
	}
	for i, g := range globs {
		if ok, _ := path.Match(g, params[i]); !ok {
			return false
		}
	}
	return true
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
