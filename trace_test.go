package calltrace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOracle serves a hand-written call graph. Edges are keyed by callee.
type fakeOracle struct {
	mu          sync.Mutex
	callers     map[Symbol][]CallSite
	errs        map[Symbol]error
	block       map[Symbol]bool
	panics      map[Symbol]bool
	sleep       map[Symbol]time.Duration
	resolve     map[string][]Symbol
	queries     map[Symbol]int
	unavailable bool
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		callers: make(map[Symbol][]CallSite),
		errs:    make(map[Symbol]error),
		block:   make(map[Symbol]bool),
		panics:  make(map[Symbol]bool),
		sleep:   make(map[Symbol]time.Duration),
		resolve: make(map[string][]Symbol),
		queries: make(map[Symbol]int),
	}
}

// call records that caller invokes callee at file:line (0-based).
func (f *fakeOracle) call(caller, callee, file string, line int) {
	ce := MustParseSymbol(callee)
	f.callers[ce] = append(f.callers[ce], CallSite{
		Caller:   MustParseSymbol(caller),
		Callee:   ce,
		Location: Location{File: file, Line: line},
	})
}

func (f *fakeOracle) FindCallers(ctx context.Context, sym Symbol) ([]CallSite, error) {
	f.mu.Lock()
	f.queries[sym]++
	f.mu.Unlock()

	if f.unavailable {
		return nil, ErrOracleUnavailable
	}
	if f.panics[sym] {
		panic("corrupt edge for " + sym.String())
	}
	if f.block[sym] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d := f.sleep[sym]; d > 0 {
		time.Sleep(d)
	}
	if err := f.errs[sym]; err != nil {
		return nil, err
	}
	return f.callers[sym], nil
}

func (f *fakeOracle) ResolveSymbol(ctx context.Context, name string) ([]Symbol, error) {
	if f.unavailable {
		return nil, ErrOracleUnavailable
	}
	if syms, ok := f.resolve[name]; ok {
		if len(syms) == 0 {
			return nil, &NotFoundError{Name: name}
		}
		return syms, nil
	}
	sym, err := ParseSymbol(name)
	if err != nil {
		return nil, err
	}
	if sym.Arity == AnyArity {
		return nil, &NotFoundError{Name: name}
	}
	return []Symbol{sym}, nil
}

func (f *fakeOracle) queryCount(sym string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[MustParseSymbol(sym)]
}

// phoenixGraph is a small Phoenix application around Storyarn.Pages.get_page/2.
func phoenixGraph() *fakeOracle {
	f := newFakeOracle()
	f.call("StoryarnWeb.PageController.show/2", "Storyarn.Pages.get_page/2", "lib/storyarn_web/controllers/page_controller.ex", 6)
	f.call("StoryarnWeb.PageLive.handle_event/3", "Storyarn.Pages.get_page/2", "lib/storyarn_web/live/page_live.ex", 6)
	f.call("Storyarn.Workers.Reindex.perform/1", "Storyarn.Pages.get_page/2", "lib/storyarn/workers/reindex.ex", 7)
	f.call("Storyarn.Pages.Cache.fetch/2", "Storyarn.Pages.get_page/2", "lib/storyarn/pages/cache.ex", 12)
	f.call("Storyarn.Pages.get_page!/2", "Storyarn.Pages.get_page/2", "lib/storyarn/pages.ex", 8)
	f.call("StoryarnWeb.PageController.index/2", "Storyarn.Pages.Cache.fetch/2", "lib/storyarn_web/controllers/page_controller.ex", 13)
	return f
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracer(t *testing.T, o CallerOracle, opts ...Option) *Tracer {
	t.Helper()
	tr, err := New(o, append([]Option{WithLogger(discardLogger())}, opts...)...)
	require.NoError(t, err)
	return tr
}

func childSymbols(n *TraversalNode) []string {
	var out []string
	for _, c := range n.Children {
		out = append(out, c.Symbol.String())
	}
	return out
}

// =============================================================================
// Dispatch
// =============================================================================

func TestTrace_GroupsCallersByCategory(t *testing.T) {
	t.Parallel()
	tr := newTestTracer(t, phoenixGraph())

	rep, err := tr.Trace(context.Background(), "Storyarn.Pages.get_page/2")
	require.NoError(t, err)
	assert.False(t, rep.Partial)
	assert.Equal(t, MustParseSymbol("Storyarn.Pages.get_page/2"), rep.Target)

	var cats []Category
	for _, tree := range rep.Categories {
		cats = append(cats, tree.Category)
	}
	assert.Equal(t, []Category{CategoryHTTP, CategoryEvent, CategoryWorker, CategoryInternal, CategoryOther}, cats)

	http := rep.Tree(CategoryHTTP)
	require.NotNil(t, http)
	require.Len(t, http.Root.Children, 1)
	show := http.Root.Children[0]
	assert.Equal(t, "StoryarnWeb.PageController.show/2", show.Symbol.String())
	assert.Equal(t, StateEntryPoint, show.State)
	require.NotNil(t, show.Entry)
	assert.Equal(t, CategoryHTTP, *show.Entry)
	assert.Equal(t, 1, show.Depth)
	assert.Equal(t, CategoryHTTP, show.Site.Category)

	// Cache.fetch lives in another module: traversal continues through it
	// until the controller action.
	internal := rep.Tree(CategoryInternal)
	require.NotNil(t, internal)
	fetch := internal.Root.Children[0]
	assert.Equal(t, StateExpanded, fetch.State)
	require.Len(t, fetch.Children, 1)
	index := fetch.Children[0]
	assert.Equal(t, "StoryarnWeb.PageController.index/2", index.Symbol.String())
	assert.Equal(t, StateEntryPoint, index.State)
	assert.Equal(t, 2, index.Depth)

	other := rep.Tree(CategoryOther)
	require.NotNil(t, other)
	assert.Equal(t, StateNoCallers, other.Root.Children[0].State)

	assert.Equal(t, 7, rep.Summary.TotalVisited)
	assert.Zero(t, rep.Summary.TruncatedBranches)
	assert.Zero(t, rep.Summary.Cycles)
	assert.Empty(t, rep.Summary.Failed)
	assert.NoError(t, rep.Err())
}

func TestTrace_EntryPointsAreNotExpanded(t *testing.T) {
	t.Parallel()
	f := phoenixGraph()
	f.call("StoryarnWeb.Router.dispatch/2", "StoryarnWeb.PageController.show/2", "lib/storyarn_web/router.ex", 3)
	tr := newTestTracer(t, f)

	rep, err := tr.Trace(context.Background(), "Storyarn.Pages.get_page/2")
	require.NoError(t, err)
	assert.Empty(t, rep.Tree(CategoryHTTP).Root.Children[0].Children)
	assert.Zero(t, f.queryCount("StoryarnWeb.PageController.show/2"))
}

func TestTrace_NoCallers(t *testing.T) {
	t.Parallel()
	tr := newTestTracer(t, newFakeOracle())

	rep, err := tr.Trace(context.Background(), "Lonely.fun/0")
	require.NoError(t, err)
	assert.Empty(t, rep.Categories)
	assert.Equal(t, 1, rep.Summary.TotalVisited)
	assert.False(t, rep.Partial)
}

func TestTrace_SameModuleCallerIsOther(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.call("billing.Invoice.Recalculate/0", "billing.Invoice.Total/0", "", 0)
	f.call("billing.Service.Charge/1", "billing.Invoice.Total/0", "", 0)
	tr := newTestTracer(t, f)

	rep, err := tr.Trace(context.Background(), "billing.Invoice.Total/0")
	require.NoError(t, err)
	assert.Equal(t, []string{"billing.Service.Charge/1"}, childSymbols(rep.Tree(CategoryInternal).Root))
	assert.Equal(t, []string{"billing.Invoice.Recalculate/0"}, childSymbols(rep.Tree(CategoryOther).Root))
}

// =============================================================================
// Tree building
// =============================================================================

func TestTrace_CycleIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.call("M.a/0", "M.t/0", "", 0)
	f.call("M.b/0", "M.a/0", "", 0)
	f.call("M.a/0", "M.b/0", "", 0)
	tr := newTestTracer(t, f)

	rep, err := tr.Trace(context.Background(), "M.t/0")
	require.NoError(t, err)
	a := rep.Tree(CategoryOther).Root.Children[0]
	require.Len(t, a.Children, 1)
	b := a.Children[0]
	require.Len(t, b.Children, 1)
	again := b.Children[0]
	assert.Equal(t, "M.a/0", again.Symbol.String())
	assert.Equal(t, StateCycle, again.State)
	assert.Empty(t, again.Children)
	assert.Equal(t, 1, rep.Summary.Cycles)
	assert.Equal(t, 3, rep.Summary.TotalVisited)
}

func TestTrace_DiamondIsNotACycle(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.call("M.a/0", "M.t/0", "", 0)
	f.call("M.b/0", "M.t/0", "", 1)
	f.call("M.c/0", "M.a/0", "", 2)
	f.call("M.c/0", "M.b/0", "", 3)
	tr := newTestTracer(t, f)

	rep, err := tr.Trace(context.Background(), "M.t/0")
	require.NoError(t, err)
	root := rep.Tree(CategoryOther).Root
	require.Len(t, root.Children, 2)
	for _, n := range root.Children {
		require.Len(t, n.Children, 1)
		assert.Equal(t, StateNoCallers, n.Children[0].State)
	}
	assert.Zero(t, rep.Summary.Cycles)
	assert.Equal(t, 4, rep.Summary.TotalVisited)
	// One query per distinct symbol within a category.
	assert.Equal(t, 1, f.queryCount("M.c/0"))
}

func chainGraph(n int) *fakeOracle {
	f := newFakeOracle()
	prev := "M.c0/0"
	for i := 1; i <= n; i++ {
		cur := "M.c" + string(rune('0'+i)) + "/0"
		f.call(cur, prev, "", i)
		prev = cur
	}
	return f
}

func TestTrace_MaxDepthTruncates(t *testing.T) {
	t.Parallel()
	tr := newTestTracer(t, chainGraph(4), WithMaxDepth(2))

	rep, err := tr.Trace(context.Background(), "M.c0/0")
	require.NoError(t, err)
	root := rep.Tree(CategoryOther).Root
	c1 := root.Children[0]
	c2 := c1.Children[0]
	assert.Equal(t, StateMaxDepth, c2.State)
	assert.True(t, c2.Truncated)
	assert.Empty(t, c2.Children)
	assert.True(t, c1.Truncated)
	assert.True(t, root.Truncated)
	assert.Equal(t, 1, rep.Summary.TruncatedBranches)
}

func TestTrace_RootAtMaxDepthIsNotTruncated(t *testing.T) {
	t.Parallel()
	tr := newTestTracer(t, chainGraph(4), WithMaxDepth(4))

	rep, err := tr.Trace(context.Background(), "M.c0/0")
	require.NoError(t, err)
	var last *TraversalNode
	rep.Tree(CategoryOther).Root.Walk(func(n *TraversalNode) { last = n })
	assert.Equal(t, 4, last.Depth)
	assert.Equal(t, StateNoCallers, last.State)
	assert.False(t, rep.Tree(CategoryOther).Root.Truncated)
	assert.Zero(t, rep.Summary.TruncatedBranches)
}

func TestTrace_ChildrenAreSortedByLocation(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.call("M.z/0", "M.t/0", "b.ex", 1)
	f.call("M.y/0", "M.t/0", "a.ex", 9)
	f.call("M.x/0", "M.t/0", "a.ex", 2)
	tr := newTestTracer(t, f)

	rep, err := tr.Trace(context.Background(), "M.t/0")
	require.NoError(t, err)
	assert.Equal(t, []string{"M.x/0", "M.y/0", "M.z/0"}, childSymbols(rep.Tree(CategoryOther).Root))
}

func TestNew_RejectsMaxDepthBelowOne(t *testing.T) {
	_, err := New(newFakeOracle(), WithMaxDepth(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max depth")
}

func TestNew_RejectsNilOracle(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

// =============================================================================
// Oracle failures
// =============================================================================

func TestTrace_FallbackMarksApproximate(t *testing.T) {
	t.Parallel()
	primary := newFakeOracle()
	primary.unavailable = true
	tr := newTestTracer(t, primary, WithFallback(phoenixGraph()))

	rep, err := tr.Trace(context.Background(), "Storyarn.Pages.get_page/2")
	require.NoError(t, err)
	require.NotEmpty(t, rep.Categories)
	for _, tree := range rep.Categories {
		assert.True(t, tree.Approximate, tree.Category.String())
		tree.Root.Walk(func(n *TraversalNode) {
			if n.Site != nil {
				assert.True(t, n.Site.Approximate)
			}
		})
	}
	assert.Equal(t, []Category{CategoryHTTP, CategoryEvent, CategoryWorker, CategoryInternal, CategoryOther}, rep.Summary.Approximate)
}

func TestTrace_FallbackForOneCategoryLeavesOthersExact(t *testing.T) {
	t.Parallel()
	primary := phoenixGraph()
	primary.errs[MustParseSymbol("Storyarn.Pages.Cache.fetch/2")] = ErrOracleUnavailable
	fallback := phoenixGraph()
	tr := newTestTracer(t, primary, WithFallback(fallback))

	rep, err := tr.Trace(context.Background(), "Storyarn.Pages.get_page/2")
	require.NoError(t, err)
	assert.Equal(t, []Category{CategoryInternal}, rep.Summary.Approximate)

	internal := rep.Tree(CategoryInternal)
	require.NotNil(t, internal)
	assert.True(t, internal.Approximate)
	fetch := internal.Root.Children[0]
	assert.False(t, fetch.Site.Approximate, "first hop came from the primary")
	require.Len(t, fetch.Children, 1)
	assert.True(t, fetch.Children[0].Site.Approximate)

	for _, cat := range []Category{CategoryHTTP, CategoryEvent, CategoryWorker, CategoryOther} {
		tree := rep.Tree(cat)
		require.NotNil(t, tree, cat.String())
		assert.False(t, tree.Approximate, cat.String())
	}
	assert.Equal(t, 1, fallback.queryCount("Storyarn.Pages.Cache.fetch/2"))
	assert.Zero(t, fallback.queryCount("Storyarn.Pages.get_page/2"))
}

func TestTrace_FallbackTimeoutIsApproximate(t *testing.T) {
	t.Parallel()
	fetch := MustParseSymbol("Storyarn.Pages.Cache.fetch/2")
	primary := phoenixGraph()
	primary.errs[fetch] = ErrOracleUnavailable
	fallback := newFakeOracle()
	fallback.block[fetch] = true
	tr := newTestTracer(t, primary, WithFallback(fallback), WithQueryTimeout(20*time.Millisecond))

	rep, err := tr.Trace(context.Background(), "Storyarn.Pages.get_page/2")
	require.NoError(t, err)
	internal := rep.Tree(CategoryInternal)
	require.NotNil(t, internal)
	assert.True(t, internal.Root.Children[0].Incomplete)
	assert.True(t, internal.Approximate)
	assert.Equal(t, []Category{CategoryInternal}, rep.Summary.Approximate)
	assert.Equal(t, 1, rep.Summary.Incomplete)
}

func TestTrace_SharedCacheIgnoresAnotherTracesCancellation(t *testing.T) {
	t.Parallel()
	f := phoenixGraph()
	f.sleep[MustParseSymbol("Storyarn.Pages.get_page/2")] = 200 * time.Millisecond
	cache := NewCachedOracle(f)
	cancelled, healthy := newTestTracer(t, cache), newTestTracer(t, cache)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _ = cancelled.Trace(ctx, "Storyarn.Pages.get_page/2")
	}()
	require.Eventually(t, func() bool {
		return f.queryCount("Storyarn.Pages.get_page/2") == 1
	}, time.Second, time.Millisecond)

	type result struct {
		rep *Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := healthy.Trace(context.Background(), "Storyarn.Pages.get_page/2")
		done <- result{rep, err}
	}()
	cancel()

	res := <-done
	require.NoError(t, res.err)
	assert.False(t, res.rep.Partial)
	assert.Len(t, res.rep.Categories, 5)
	assert.Equal(t, 1, f.queryCount("Storyarn.Pages.get_page/2"))
}

func TestTrace_UnavailableWithoutFallbackFails(t *testing.T) {
	t.Parallel()
	primary := newFakeOracle()
	primary.unavailable = true
	tr := newTestTracer(t, primary)

	_, err := tr.Trace(context.Background(), "M.t/0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestTrace_QueryTimeoutMarksIncomplete(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.call("M.slow/0", "M.t/0", "", 0)
	f.block[MustParseSymbol("M.slow/0")] = true
	tr := newTestTracer(t, f, WithQueryTimeout(20*time.Millisecond))

	rep, err := tr.Trace(context.Background(), "M.t/0")
	require.NoError(t, err)
	slow := rep.Tree(CategoryOther).Root.Children[0]
	assert.True(t, slow.Incomplete)
	assert.Equal(t, StateNoCallers, slow.State)
	assert.Equal(t, 1, rep.Summary.Incomplete)
	assert.False(t, rep.Partial)
}

func TestTrace_OracleIgnoringDeadlineIsIncomplete(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.call("M.slow/0", "M.t/0", "", 0)
	f.call("M.hidden/0", "M.slow/0", "", 0)
	f.sleep[MustParseSymbol("M.slow/0")] = 60 * time.Millisecond
	tr := newTestTracer(t, f, WithQueryTimeout(10*time.Millisecond))

	rep, err := tr.Trace(context.Background(), "M.t/0")
	require.NoError(t, err)
	slow := rep.Tree(CategoryOther).Root.Children[0]
	assert.True(t, slow.Incomplete)
	assert.Empty(t, slow.Children)
}

func TestTrace_RunDeadlineReturnsPartialReport(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.call("Storyarn.Workers.Reindex.perform/1", "M.t/0", "lib/storyarn/workers/reindex.ex", 3)
	f.call("M.loop/0", "M.t/0", "", 0)
	f.block[MustParseSymbol("M.loop/0")] = true
	tr := newTestTracer(t, f, WithQueryTimeout(0), WithTimeout(100*time.Millisecond))

	rep, err := tr.Trace(context.Background(), "M.t/0")
	require.NoError(t, err)
	assert.True(t, rep.Partial)
	assert.Equal(t, []Category{CategoryOther}, rep.Summary.Cancelled)
	require.NotNil(t, rep.Tree(CategoryWorker))
	assert.Nil(t, rep.Tree(CategoryOther))
	assert.ErrorIs(t, rep.Err(), ErrRunTimeout)
}

func TestTrace_BuilderFailureIsIsolated(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.call("Storyarn.Workers.Reindex.perform/1", "M.t/0", "lib/storyarn/workers/reindex.ex", 3)
	f.call("M.bad/0", "M.t/0", "", 0)
	f.errs[MustParseSymbol("M.bad/0")] = errors.New("disk I/O error")
	tr := newTestTracer(t, f)

	rep, err := tr.Trace(context.Background(), "M.t/0")
	require.NoError(t, err)
	require.NotNil(t, rep.Tree(CategoryWorker))
	assert.Nil(t, rep.Tree(CategoryOther))
	require.Len(t, rep.Summary.Failed, 1)
	assert.Equal(t, CategoryOther, rep.Summary.Failed[0].Category)
	assert.Contains(t, rep.Summary.Failed[0].Error, "disk I/O error")
	assert.False(t, rep.Partial)
}

func TestTrace_BuilderPanicIsRecovered(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.call("Storyarn.Workers.Reindex.perform/1", "M.t/0", "lib/storyarn/workers/reindex.ex", 3)
	f.call("M.bad/0", "M.t/0", "", 0)
	f.panics[MustParseSymbol("M.bad/0")] = true
	tr := newTestTracer(t, f)

	rep, err := tr.Trace(context.Background(), "M.t/0")
	require.NoError(t, err)
	require.Len(t, rep.Summary.Failed, 1)
	assert.Contains(t, rep.Summary.Failed[0].Error, "panic")
	require.NotNil(t, rep.Tree(CategoryWorker))
}

func TestTrace_RootQueryFailureIsFatal(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.errs[MustParseSymbol("M.t/0")] = errors.New("database is locked")
	tr := newTestTracer(t, f)

	_, err := tr.Trace(context.Background(), "M.t/0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}

func TestTrace_CancelledContext(t *testing.T) {
	t.Parallel()
	tr := newTestTracer(t, phoenixGraph())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := tr.Trace(ctx, "Storyarn.Pages.get_page/2")
	if err == nil {
		assert.True(t, rep.Partial)
	}
}

// =============================================================================
// Target resolution
// =============================================================================

func TestTrace_ResolvesNameWithoutArity(t *testing.T) {
	t.Parallel()
	f := phoenixGraph()
	f.resolve["Storyarn.Pages.get_page"] = []Symbol{MustParseSymbol("Storyarn.Pages.get_page/2")}
	tr := newTestTracer(t, f)

	rep, err := tr.Trace(context.Background(), "Storyarn.Pages.get_page")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Target.Arity)
}

func TestTrace_AmbiguousTarget(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.resolve["M.t"] = []Symbol{MustParseSymbol("M.t/1"), MustParseSymbol("M.t/2")}
	tr := newTestTracer(t, f)

	_, err := tr.Trace(context.Background(), "M.t")
	var amb *AmbiguousSymbolError
	require.ErrorAs(t, err, &amb)
	assert.Len(t, amb.Candidates, 2)
	assert.Contains(t, err.Error(), "M.t/1, M.t/2")
}

func TestTrace_UnknownTarget(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.resolve["M.nope/1"] = nil
	tr := newTestTracer(t, f)

	_, err := tr.Trace(context.Background(), "M.nope/1")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestTrace_InvalidTarget(t *testing.T) {
	t.Parallel()
	tr := newTestTracer(t, newFakeOracle())
	_, err := tr.Trace(context.Background(), "M.t/x")
	require.Error(t, err)
}

func TestTraceSymbol_SkipsResolution(t *testing.T) {
	t.Parallel()
	tr := newTestTracer(t, phoenixGraph())

	rep, err := tr.TraceSymbol(context.Background(), MustParseSymbol("Storyarn.Pages.get_page/2"))
	require.NoError(t, err)
	assert.Len(t, rep.Categories, 5)
}

func TestPackageTrace(t *testing.T) {
	rep, err := Trace(context.Background(), phoenixGraph(), "Storyarn.Pages.get_page/2", 3, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.MaxDepth)
	assert.Len(t, rep.Categories, 5)
}

// =============================================================================
// Progress and metrics
// =============================================================================

func TestTrace_ReportsProgress(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	phases := make(map[Phase]int)
	tr := newTestTracer(t, phoenixGraph(), WithProgress(func(ev ProgressEvent) {
		mu.Lock()
		phases[ev.Phase]++
		mu.Unlock()
	}))

	_, err := tr.Trace(context.Background(), "Storyarn.Pages.get_page/2")
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, phases[PhaseResolve])
	assert.Equal(t, 1, phases[PhaseRoot])
	assert.Equal(t, 5, phases[PhaseCategoryStart])
	assert.Equal(t, 5, phases[PhaseCategoryDone])
	assert.Equal(t, 6, phases[PhaseNode])
}

func TestTrace_RecordsMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	tr := newTestTracer(t, phoenixGraph(), WithMetrics(m))

	_, err := tr.Trace(context.Background(), "Storyarn.Pages.get_page/2")
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.traces.WithLabelValues("complete")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.nodes.WithLabelValues("entry_point")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.nodes.WithLabelValues("expanded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.nodes.WithLabelValues("no_callers")))
	assert.Greater(t, testutil.ToFloat64(m.queries.WithLabelValues("primary", "ok")), float64(0))
	assert.Equal(t, 1, testutil.CollectAndCount(m.traceDuration))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.observeNode(StateCycle)
	m.observeFailure(CategoryHTTP)
	m.observeTrace("complete", time.Second)
	m.observeQuery("primary", nil, time.Millisecond)
}
