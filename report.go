package calltrace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Report is the result of one trace: one tree per populated category, in
// render order, plus aggregate counters.
type Report struct {
	Target     Symbol          `json:"target" yaml:"target"`
	MaxDepth   int             `json:"max_depth" yaml:"max_depth"`
	Partial    bool            `json:"partial,omitempty" yaml:"partial,omitempty"`
	Categories []*CategoryTree `json:"categories" yaml:"categories"`
	Summary    Summary         `json:"summary" yaml:"summary"`
}

// Summary aggregates the per-category statistics of a report.
type Summary struct {
	TotalVisited      int               `json:"total_visited" yaml:"total_visited"`
	TruncatedBranches int               `json:"truncated_branches" yaml:"truncated_branches"`
	Cycles            int               `json:"cycles" yaml:"cycles"`
	Incomplete        int               `json:"incomplete" yaml:"incomplete"`
	Approximate       []Category        `json:"approximate,omitempty" yaml:"approximate,omitempty,flow"`
	Failed            []CategoryFailure `json:"failed,omitempty" yaml:"failed,omitempty"`
	Cancelled         []Category        `json:"cancelled,omitempty" yaml:"cancelled,omitempty,flow"`
}

// CategoryFailure records a category whose builder failed.
type CategoryFailure struct {
	Category Category `json:"category" yaml:"category"`
	Error    string   `json:"error" yaml:"error"`
}

// Err returns an error wrapping ErrRunTimeout when the report is partial.
func (r *Report) Err() error {
	if !r.Partial {
		return nil
	}
	if len(r.Summary.Cancelled) == 0 {
		return ErrRunTimeout
	}
	return fmt.Errorf("%w: unfinished categories: %s", ErrRunTimeout, joinCategories(r.Summary.Cancelled))
}

// Tree returns the tree for c, or nil when c has no callers.
func (r *Report) Tree(c Category) *CategoryTree {
	for _, t := range r.Categories {
		if t.Category == c {
			return t
		}
	}
	return nil
}

// Triple is one node of a report flattened to (symbol, depth, category).
type Triple struct {
	Symbol   Symbol
	Depth    int
	Category Category
}

// Triples flattens every category tree into sorted triples. The root of
// each tree is included at depth 0.
func (r *Report) Triples() []Triple {
	var out []Triple
	for _, tree := range r.Categories {
		if tree.Root == nil {
			continue
		}
		tree.Root.Walk(func(n *TraversalNode) {
			out = append(out, Triple{Symbol: n.Symbol, Depth: n.Depth, Category: tree.Category})
		})
	}
	slices.SortFunc(out, func(a, b Triple) int {
		if a.Category != b.Category {
			return int(a.Category) - int(b.Category)
		}
		if a.Depth != b.Depth {
			return a.Depth - b.Depth
		}
		return a.Symbol.Compare(b.Symbol)
	})
	return out
}

// ParseReport reads a report rendered as YAML or JSON.
func ParseReport(r io.Reader) (*Report, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var rep Report
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &rep); err != nil {
			return nil, fmt.Errorf("decode report json: %w", err)
		}
		return &rep, nil
	}
	if err := yaml.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("decode report yaml: %w", err)
	}
	return &rep, nil
}

// WriteReportFile renders rep in format to path. The file is written to a
// temporary sibling and renamed into place; parent directories are created.
func WriteReportFile(path string, format Format, rep *Report) error {
	var buf bytes.Buffer
	if err := Render(&buf, rep, format, RenderOptions{}); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}
