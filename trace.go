package calltrace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultMaxDepth is the traversal depth used when none is configured.
	DefaultMaxDepth = 10
	// DefaultTimeout bounds a whole trace.
	DefaultTimeout = 30 * time.Second
)

// Phase identifies the kind of a ProgressEvent.
type Phase uint8

const (
	// PhaseResolve is sent once the target has been resolved.
	PhaseResolve Phase = iota
	// PhaseRoot is sent after the first-hop query; Visited holds the
	// number of direct callers.
	PhaseRoot
	// PhaseCategoryStart is sent when a category builder starts.
	PhaseCategoryStart
	// PhaseNode is sent for every node a builder creates.
	PhaseNode
	// PhaseCategoryDone is sent when a category builder finishes.
	PhaseCategoryDone
)

func (p Phase) String() string {
	switch p {
	case PhaseResolve:
		return "resolve"
	case PhaseRoot:
		return "root"
	case PhaseCategoryStart:
		return "category_start"
	case PhaseNode:
		return "node"
	case PhaseCategoryDone:
		return "category_done"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// ProgressEvent reports trace progress to a WithProgress callback. The
// callback is invoked from builder goroutines and must be safe for
// concurrent use.
type ProgressEvent struct {
	Phase    Phase
	Category Category
	Symbol   Symbol
	Depth    int
	Visited  int
}

// Tracer explores the callers of a symbol and groups the chains into
// categories. A Tracer holds no per-trace state; Trace may be called
// concurrently.
type Tracer struct {
	primary    CallerOracle
	fallback   CallerOracle
	chain      *oracleChain
	classifier *Classifier
	extractor  PatternExtractor
	maxDepth   int
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *Metrics
	progress   func(ProgressEvent)

	rules        []EntryPointRule
	queryTimeout time.Duration
	err          error
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithRules sets the entry-point rules, replacing DefaultRules. It is
// ignored when WithClassifier is also given.
func WithRules(rules []EntryPointRule) Option {
	return func(t *Tracer) { t.rules = rules }
}

// WithClassifier uses an already compiled classifier.
func WithClassifier(c *Classifier) Option {
	return func(t *Tracer) { t.classifier = c }
}

// WithMaxDepth sets the maximum traversal depth. It must be at least 1.
func WithMaxDepth(n int) Option {
	return func(t *Tracer) {
		if n < 1 {
			t.err = errors.Join(t.err, fmt.Errorf("max depth must be at least 1, got %d", n))
			return
		}
		t.maxDepth = n
	}
}

// WithTimeout bounds each trace. Zero disables the run deadline.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracer) { t.timeout = d }
}

// WithQueryTimeout bounds each caller query. Zero disables it.
func WithQueryTimeout(d time.Duration) Option {
	return func(t *Tracer) { t.queryTimeout = d }
}

// WithFallback sets the oracle consulted when the primary reports
// ErrOracleUnavailable.
func WithFallback(o CallerOracle) Option {
	return func(t *Tracer) { t.fallback = o }
}

// WithExtractor replaces the default source-reading extractor.
func WithExtractor(e PatternExtractor) Option {
	return func(t *Tracer) { t.extractor = e }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracer) { t.logger = l }
}

// WithMetrics reports to m.
func WithMetrics(m *Metrics) Option {
	return func(t *Tracer) { t.metrics = m }
}

// WithProgress registers a progress callback.
func WithProgress(fn func(ProgressEvent)) Option {
	return func(t *Tracer) { t.progress = fn }
}

// New creates a Tracer over oracle.
func New(oracle CallerOracle, opts ...Option) (*Tracer, error) {
	if oracle == nil {
		return nil, errors.New("calltrace: nil caller oracle")
	}
	t := &Tracer{
		primary:      oracle,
		maxDepth:     DefaultMaxDepth,
		timeout:      DefaultTimeout,
		queryTimeout: DefaultQueryTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.err != nil {
		return nil, fmt.Errorf("calltrace: %w", t.err)
	}

	if t.classifier == nil {
		rules := t.rules
		if rules == nil {
			rules = DefaultRules()
		}
		c, err := NewClassifier(rules, WithClassifierLogger(t.logger))
		if err != nil {
			return nil, fmt.Errorf("calltrace: rules: %w", err)
		}
		t.classifier = c
	}
	if t.extractor == nil {
		t.extractor = NewExtractor("")
	}
	t.chain = &oracleChain{
		primary:      t.primary,
		fallback:     t.fallback,
		queryTimeout: t.queryTimeout,
		logger:       t.logger,
		metrics:      t.metrics,
	}
	return t, nil
}

// Classifier returns the classifier in use.
func (t *Tracer) Classifier() *Classifier {
	return t.classifier
}

// Trace resolves target and explores its callers. When the run deadline
// fires the completed categories are returned in a report marked Partial;
// errors are returned only for an unresolvable target or a failing
// first-hop query.
func (t *Tracer) Trace(ctx context.Context, target string) (*Report, error) {
	start := time.Now()
	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	sym, err := resolveTarget(runCtx, target, t.primary, t.fallback)
	if err != nil {
		t.logger.Warn("trace.resolve_failed", "target", target, "err", err)
		t.metrics.observeTrace("error", time.Since(start))
		return nil, err
	}
	t.emit(ProgressEvent{Phase: PhaseResolve, Symbol: sym})
	return t.run(runCtx, sym, start)
}

// TraceSymbol traces an already resolved symbol.
func (t *Tracer) TraceSymbol(ctx context.Context, sym Symbol) (*Report, error) {
	if sym.Arity == AnyArity {
		return t.Trace(ctx, sym.Name)
	}
	start := time.Now()
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.run(ctx, sym, start)
}

func (t *Tracer) run(ctx context.Context, sym Symbol, start time.Time) (*Report, error) {
	t.logger.Info("trace.start", "target", sym.String(), "max_depth", t.maxDepth, "timeout", t.timeout)

	rep, err := t.dispatch(ctx, sym)
	elapsed := time.Since(start)
	if err != nil {
		t.logger.Error("trace.failed", "target", sym.String(), "err", err)
		t.metrics.observeTrace("error", elapsed)
		return nil, err
	}

	outcome := "complete"
	if rep.Partial {
		outcome = "partial"
	}
	t.metrics.observeTrace(outcome, elapsed)
	t.logger.Info("trace.done",
		"target", sym.String(),
		"outcome", outcome,
		"categories", len(rep.Categories),
		"visited", rep.Summary.TotalVisited,
		"duration", elapsed)
	return rep, nil
}

func (t *Tracer) emit(ev ProgressEvent) {
	if t.progress != nil {
		t.progress(ev)
	}
}

// Trace is a one-shot trace with default rules and no fallback oracle.
func Trace(ctx context.Context, oracle CallerOracle, target string, maxDepth int, timeout time.Duration) (*Report, error) {
	t, err := New(oracle, WithMaxDepth(maxDepth), WithTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return t.Trace(ctx, target)
}
