package calltrace

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Matcher is a predicate over a Construct. Every non-empty field must
// match; an empty Matcher matches everything.
type Matcher struct {
	// Kinds lists accepted construct kinds (function, method, macro, ...).
	Kinds []string `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	// Names are path.Match globs tested against the short name.
	Names []string `yaml:"names,omitempty" json:"names,omitempty"`
	// Qualified is a regexp tested against the qualified name.
	Qualified string `yaml:"qualified,omitempty" json:"qualified,omitempty"`
	// Arity lists accepted arities.
	Arity []int `yaml:"arity,omitempty" json:"arity,omitempty"`
	// Params are globs matched against the leading parameter names.
	Params []string `yaml:"params,omitempty" json:"params,omitempty"`
	// Parent is a regexp tested against the qualified parent name.
	Parent string `yaml:"parent,omitempty" json:"parent,omitempty"`
	// File is a regexp tested against the declaring file path.
	File      string   `yaml:"file,omitempty" json:"file,omitempty"`
	Languages []string `yaml:"languages,omitempty" json:"languages,omitempty"`
	// Annotations match if any construct annotation matches any glob.
	Annotations []string `yaml:"annotations,omitempty" json:"annotations,omitempty"`
	// Modifiers must all be present on the construct.
	Modifiers []string `yaml:"modifiers,omitempty" json:"modifiers,omitempty"`
	// Script is a Risor expression evaluated last; it must yield a bool.
	Script string `yaml:"script,omitempty" json:"script,omitempty"`
	// ScriptFile names a .risor file holding the predicate, relative to
	// the rules file.
	ScriptFile string `yaml:"script_file,omitempty" json:"script_file,omitempty"`
}

// EntryPointRule assigns Category to constructs matching Match.
type EntryPointRule struct {
	Category    Category `yaml:"category" json:"category"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Match       Matcher  `yaml:"match" json:"match"`
}

// RuleSet is the on-disk rules document.
type RuleSet struct {
	Rules []EntryPointRule `yaml:"rules" json:"rules"`
}

// DefaultRules returns the built-in rule table, in priority order.
func DefaultRules() []EntryPointRule {
	return []EntryPointRule{
		// Elixir / Phoenix
		{
			Category:    CategoryEvent,
			Description: "LiveView callbacks",
			Match: Matcher{
				Languages: []string{"elixir"},
				Names:     []string{"handle_event", "handle_params", "mount"},
				Arity:     []int{3},
			},
		},
		{
			Category:    CategoryEvent,
			Description: "Phoenix channel messages",
			Match: Matcher{
				Languages: []string{"elixir"},
				Names:     []string{"handle_in", "join"},
				Arity:     []int{3},
				Parent:    `Channel$`,
			},
		},
		{
			Category:    CategoryHTTP,
			Description: "Phoenix controller actions",
			Match: Matcher{
				Languages: []string{"elixir"},
				Kinds:     []string{"function"},
				Parent:    `Controller$`,
				Arity:     []int{2},
			},
		},
		{
			Category:    CategoryWorker,
			Description: "Oban workers",
			Match: Matcher{
				Languages: []string{"elixir"},
				Names:     []string{"perform"},
				Arity:     []int{1},
			},
		},
		{
			Category:    CategoryProcess,
			Description: "GenServer callbacks",
			Match: Matcher{
				Languages: []string{"elixir"},
				Names:     []string{"handle_call", "handle_cast", "handle_info", "handle_continue"},
				Arity:     []int{2, 3},
			},
		},
		{
			Category:    CategoryOther,
			Description: "Mix tasks",
			Match: Matcher{
				Languages: []string{"elixir"},
				Names:     []string{"run"},
				Arity:     []int{1},
				Parent:    `^Mix\.Tasks\.`,
			},
		},

		// Go
		{
			Category:    CategoryHTTP,
			Description: "net/http handlers",
			Match: Matcher{
				Languages: []string{"go"},
				Names:     []string{"ServeHTTP"},
				Arity:     []int{2},
			},
		},
		{
			Category:    CategoryHTTP,
			Description: "http.HandlerFunc-shaped functions",
			Match: Matcher{
				Languages: []string{"go"},
				Arity:     []int{2},
				Params:    []string{"w", "r"},
			},
		},
		{
			Category:    CategoryOther,
			Description: "program entry",
			Match: Matcher{
				Languages: []string{"go"},
				Qualified: `(^|\.)main\.main$`,
			},
		},

		// Python
		{
			Category:    CategoryHTTP,
			Description: "route decorators",
			Match: Matcher{
				Languages:   []string{"python"},
				Annotations: []string{"*.route", "*.get", "*.post", "*.put", "*.patch", "*.delete", "api_view"},
			},
		},
		{
			Category:    CategoryWorker,
			Description: "celery tasks",
			Match: Matcher{
				Languages:   []string{"python"},
				Annotations: []string{"task", "shared_task", "*.task"},
			},
		},

		// JavaScript / TypeScript
		{
			Category:    CategoryHTTP,
			Description: "express-style handlers",
			Match: Matcher{
				Languages: []string{"javascript", "typescript"},
				Params:    []string{"req", "res"},
			},
		},
	}
}

// LoadRules decodes a rules document. Unknown fields are rejected.
func LoadRules(r io.Reader) ([]EntryPointRule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var rs RuleSet
	if err := dec.Decode(&rs); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("rules: empty document")
		}
		return nil, fmt.Errorf("rules: %w", err)
	}
	for i, rule := range rs.Rules {
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return rs.Rules, nil
}

// LoadRulesFile reads rules from path.
func LoadRulesFile(path string) ([]EntryPointRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	rules, err := LoadRules(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// MarshalRules encodes rules as a rules document.
func MarshalRules(rules []EntryPointRule) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(RuleSet{Rules: rules}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func validateRule(rule EntryPointRule) error {
	if !rule.Category.Valid() {
		return fmt.Errorf("invalid category %d", uint8(rule.Category))
	}
	if !rule.Category.IsEntryPoint() {
		return fmt.Errorf("category %s cannot be assigned by a rule", rule.Category)
	}
	if rule.Match.Script != "" && rule.Match.ScriptFile != "" {
		return fmt.Errorf("script and script_file are mutually exclusive")
	}
	return nil
}
