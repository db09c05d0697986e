package main

import (
	"io"

	"github.com/jward/calltrace"
	"github.com/schollz/progressbar/v3"
)

// progressReporter draws a spinner on stderr while a trace runs.
type progressReporter struct {
	bar *progressbar.ProgressBar
}

// newProgressReporter returns nil when w is not a terminal or quiet is
// set; a nil reporter's methods are no-ops.
func newProgressReporter(w io.Writer, quiet bool) *progressReporter {
	if quiet || !isTerminal(w) {
		return nil
	}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("resolving target"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return &progressReporter{bar: bar}
}

// Observe is a calltrace.WithProgress callback.
func (p *progressReporter) Observe(ev calltrace.ProgressEvent) {
	if p == nil {
		return
	}
	switch ev.Phase {
	case calltrace.PhaseResolve:
		p.bar.Describe("tracing " + ev.Symbol.String())
	case calltrace.PhaseNode:
		_ = p.bar.Add(1)
	case calltrace.PhaseCategoryDone:
		p.bar.Describe(ev.Category.String() + " done")
	}
}

// Option returns the tracer option that feeds this reporter.
func (p *progressReporter) Option() calltrace.Option {
	if p == nil {
		return calltrace.WithProgress(nil)
	}
	return calltrace.WithProgress(p.Observe)
}

func (p *progressReporter) Finish() {
	if p == nil {
		return
	}
	_ = p.bar.Finish()
}
