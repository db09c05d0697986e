package calltrace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedOracle_MemoizesResults(t *testing.T) {
	t.Parallel()
	f := phoenixGraph()
	c := NewCachedOracle(f)
	ctx := context.Background()
	target := MustParseSymbol("Storyarn.Pages.get_page/2")

	first, err := c.FindCallers(ctx, target)
	require.NoError(t, err)
	second, err := c.FindCallers(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.queryCount("Storyarn.Pages.get_page/2"))
	assert.Equal(t, 1, c.Len())

	// Callers get their own copy.
	second[0].Caller = MustParseSymbol("Mutated.x/0")
	third, err := c.FindCallers(ctx, target)
	require.NoError(t, err)
	assert.NotEqual(t, "Mutated.x/0", third[0].Caller.String())

	c.Purge()
	assert.Zero(t, c.Len())
	_, err = c.FindCallers(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 2, f.queryCount("Storyarn.Pages.get_page/2"))
}

func TestCachedOracle_ConcurrentQueriesShareResult(t *testing.T) {
	t.Parallel()
	f := phoenixGraph()
	f.sleep[MustParseSymbol("Storyarn.Pages.get_page/2")] = 20 * time.Millisecond
	c := NewCachedOracle(f)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sites, err := c.FindCallers(context.Background(), MustParseSymbol("Storyarn.Pages.get_page/2"))
			assert.NoError(t, err)
			assert.Len(t, sites, 5)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.queryCount("Storyarn.Pages.get_page/2"))
}

func TestCachedOracle_ErrorsAreNotCached(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	sym := MustParseSymbol("M.t/0")
	f.errs[sym] = errors.New("database is locked")
	c := NewCachedOracle(f)

	_, err := c.FindCallers(context.Background(), sym)
	require.Error(t, err)

	delete(f.errs, sym)
	_, err = c.FindCallers(context.Background(), sym)
	require.NoError(t, err)
	assert.Equal(t, 2, f.queryCount("M.t/0"))
}

func TestCachedOracle_CancelledCallerDoesNotFailOthers(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.call("M.a/0", "M.t/0", "", 0)
	sym := MustParseSymbol("M.t/0")
	f.sleep[sym] = 200 * time.Millisecond
	c := NewCachedOracle(f)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.FindCallers(first, sym)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.queryCount("M.t/0") == 1 }, time.Second, time.Millisecond)

	type result struct {
		sites []CallSite
		err   error
	}
	second := make(chan result, 1)
	go func() {
		sites, err := c.FindCallers(context.Background(), sym)
		second <- result{sites, err}
	}()
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	res := <-second
	require.NoError(t, res.err)
	assert.Len(t, res.sites, 1)
	assert.Equal(t, 1, f.queryCount("M.t/0"))
	assert.Equal(t, 1, c.Len())
}

func TestCachedOracle_CallerDeadlineDoesNotFailOthers(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.call("M.a/0", "M.t/0", "", 0)
	sym := MustParseSymbol("M.t/0")
	f.sleep[sym] = 100 * time.Millisecond
	c := NewCachedOracle(f)

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	shortErr := make(chan error, 1)
	go func() {
		_, err := c.FindCallers(short, sym)
		shortErr <- err
	}()

	sites, err := c.FindCallers(context.Background(), sym)
	require.NoError(t, err)
	assert.Len(t, sites, 1)
	assert.ErrorIs(t, <-shortErr, context.DeadlineExceeded)
}

func TestCachedOracle_SharedQueryTimeout(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	sym := MustParseSymbol("M.t/0")
	f.block[sym] = true
	c := NewCachedOracle(f, WithSharedQueryTimeout(20*time.Millisecond))

	_, err := c.FindCallers(context.Background(), sym)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.Len())
}

func TestCachedOracle_PurgeDuringQueryIsNotCached(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.call("M.a/0", "M.t/0", "", 0)
	sym := MustParseSymbol("M.t/0")
	f.sleep[sym] = 100 * time.Millisecond
	c := NewCachedOracle(f)

	done := make(chan error, 1)
	go func() {
		_, err := c.FindCallers(context.Background(), sym)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.queryCount("M.t/0") == 1 }, time.Second, time.Millisecond)
	c.Purge()

	require.NoError(t, <-done)
	assert.Zero(t, c.Len(), "answer from before the purge is dropped")

	_, err := c.FindCallers(context.Background(), sym)
	require.NoError(t, err)
	assert.Equal(t, 2, f.queryCount("M.t/0"))
	assert.Equal(t, 1, c.Len())
}

func TestCachedOracle_ResolveSymbol(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.resolve["M.t"] = []Symbol{MustParseSymbol("M.t/1")}

	syms, err := NewCachedOracle(f).ResolveSymbol(context.Background(), "M.t")
	require.NoError(t, err)
	assert.Equal(t, []Symbol{MustParseSymbol("M.t/1")}, syms)
}

type callersOnly struct{ CallerOracle }

func TestWrappers_ResolveWithoutResolver(t *testing.T) {
	t.Parallel()
	inner := callersOnly{newFakeOracle()}

	_, err := NewCachedOracle(inner).ResolveSymbol(context.Background(), "M.t")
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	_, err = NewRateLimitedOracle(inner, 10, 1).ResolveSymbol(context.Background(), "M.t")
	assert.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestRateLimitedOracle_WaitBeyondDeadlineTimesOut(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	r := NewRateLimitedOracle(f, 0.01, 1)
	sym := MustParseSymbol("M.t/0")

	_, err := r.FindCallers(context.Background(), sym)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.FindCallers(ctx, sym)
	assert.ErrorIs(t, err, ErrOracleTimeout)
	assert.Equal(t, 1, f.queryCount("M.t/0"))
}

func TestRateLimitedOracle_InTracerMarksIncomplete(t *testing.T) {
	t.Parallel()
	f := newFakeOracle()
	f.call("M.a/0", "M.t/0", "", 0)
	tr := newTestTracer(t, NewRateLimitedOracle(f, 0.01, 1), WithQueryTimeout(10*time.Millisecond))

	rep, err := tr.Trace(context.Background(), "M.t/0")
	require.NoError(t, err)
	a := rep.Tree(CategoryOther).Root.Children[0]
	assert.True(t, a.Incomplete)
	assert.Equal(t, 1, rep.Summary.Incomplete)
}
