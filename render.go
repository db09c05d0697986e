package calltrace

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// Format selects a report rendering.
type Format string

const (
	FormatText Format = "text"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name. The empty string means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatText, nil
	case FormatText, FormatYAML, FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want text, yaml or json)", s)
}

// RenderOptions tune the text format. Structured formats ignore them.
type RenderOptions struct {
	// Color enables ANSI colors.
	Color bool
	// Tips appends hints for truncated, cyclic or approximate results.
	Tips bool
}

// Render writes rep to w in format f.
func Render(w io.Writer, rep *Report, f Format, opts RenderOptions) error {
	switch f {
	case FormatText, "":
		return renderText(w, rep, opts)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("encode report yaml: %w", err)
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return fmt.Errorf("encode report json: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown format %q", f)
}

// palette holds the text styles; every style is disabled without Color.
type palette struct {
	header, symbol, args, loc, entry, warn, dim *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		header: color.New(color.FgCyan, color.Bold),
		symbol: color.New(color.Bold),
		args:   color.New(color.FgYellow),
		loc:    color.New(color.FgHiBlack),
		entry:  color.New(color.FgGreen),
		warn:   color.New(color.FgRed),
		dim:    color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.header, p.symbol, p.args, p.loc, p.entry, p.warn, p.dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func renderText(w io.Writer, rep *Report, opts RenderOptions) error {
	p := newPalette(opts.Color)
	var sb strings.Builder

	fmt.Fprintf(&sb, "Callers of %s (max depth %d)\n", p.symbol.Sprint(rep.Target.String()), rep.MaxDepth)
	if rep.Partial {
		sb.WriteString(p.warn.Sprint("Partial report: the run deadline expired before every category finished.") + "\n")
	}
	if len(rep.Categories) == 0 && len(rep.Summary.Failed) == 0 && len(rep.Summary.Cancelled) == 0 {
		sb.WriteString("\nNo callers found.\n")
	}

	for _, tree := range rep.Categories {
		title := strings.ToUpper(tree.Category.String())
		if tree.Approximate {
			title += " (approximate)"
		}
		fmt.Fprintf(&sb, "\n%s\n", p.header.Sprint("## "+title))
		fmt.Fprintf(&sb, "%s\n", tree.Root.Symbol)
		for _, c := range tree.Root.Children {
			writeNode(&sb, c, p)
		}
	}

	s := rep.Summary
	sb.WriteString("\n" + p.header.Sprint("## SUMMARY") + "\n")
	fmt.Fprintf(&sb, "Visited %d symbols, %d truncated branches, %d cycles, %d incomplete lookups.\n",
		s.TotalVisited, s.TruncatedBranches, s.Cycles, s.Incomplete)
	if len(s.Approximate) > 0 {
		fmt.Fprintf(&sb, "Approximate (textual fallback): %s\n", joinCategories(s.Approximate))
	}
	for _, f := range s.Failed {
		fmt.Fprintf(&sb, "%s %s: %s\n", p.warn.Sprint("Failed"), f.Category, f.Error)
	}
	if len(s.Cancelled) > 0 {
		fmt.Fprintf(&sb, "%s %s\n", p.warn.Sprint("Cancelled:"), joinCategories(s.Cancelled))
	}

	if opts.Tips {
		writeTips(&sb, rep)
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// writeNode renders n and its subtree. Each line is the caller, the
// argument pattern it passes and where the call happens.
func writeNode(sb *strings.Builder, n *TraversalNode, p palette) {
	indent := strings.Repeat("  ", n.Depth)
	sb.WriteString(indent + "→ " + p.symbol.Sprint(n.Symbol.String()))
	if n.Site != nil {
		sb.WriteString(" " + p.args.Sprint(n.Site.Args.String()))
		if n.Site.File != "" {
			sb.WriteString("  " + p.loc.Sprintf("[called at %s]", n.Site.Location))
		}
	}
	if marker := nodeMarker(n, p); marker != "" {
		sb.WriteString("  " + marker)
	}
	sb.WriteString("\n")
	for _, c := range n.Children {
		writeNode(sb, c, p)
	}
}

func nodeMarker(n *TraversalNode, p palette) string {
	var parts []string
	switch n.State {
	case StateEntryPoint:
		label := "entry"
		if n.Entry != nil {
			label += ": " + n.Entry.String()
		}
		parts = append(parts, p.entry.Sprint("["+label+"]"))
	case StateCycle:
		parts = append(parts, p.dim.Sprint("[cycle]"))
	case StateMaxDepth:
		parts = append(parts, p.warn.Sprint("[max depth, truncated]"))
	case StateNoCallers:
		parts = append(parts, p.dim.Sprint("[no callers]"))
	}
	if n.Incomplete {
		parts = append(parts, p.warn.Sprint("[incomplete]"))
	}
	if n.Site != nil && n.Site.Approximate {
		parts = append(parts, p.dim.Sprint("[approximate]"))
	}
	return strings.Join(parts, " ")
}

func writeTips(sb *strings.Builder, rep *Report) {
	var tips []string
	if rep.Summary.TruncatedBranches > 0 {
		tips = append(tips, fmt.Sprintf("Increase --max-depth beyond %d to expand truncated branches.", rep.MaxDepth))
	}
	if rep.Summary.Incomplete > 0 {
		tips = append(tips, "Some caller queries timed out; raise --query-timeout.")
	}
	if len(rep.Summary.Approximate) > 0 {
		tips = append(tips, "Approximate edges come from a textual search; re-import the call graph index for exact results.")
	}
	if rep.Partial {
		tips = append(tips, "Raise --timeout to let every category finish.")
	}
	if len(tips) == 0 {
		return
	}
	sb.WriteString("\nTips:\n")
	for _, t := range tips {
		sb.WriteString("- " + t + "\n")
	}
}

func joinCategories(cs []Category) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}
