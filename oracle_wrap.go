package calltrace

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// CachedOracle memoizes successful FindCallers results across traces.
// Concurrent queries for the same symbol share one upstream call, which
// runs detached from the callers that asked for it: a caller that gives up
// only stops waiting. Errors are never cached. It forwards ResolveSymbol
// when the wrapped oracle supports it.
type CachedOracle struct {
	next    CallerOracle
	timeout time.Duration
	group   singleflight.Group

	mu    sync.RWMutex
	cache map[Symbol][]CallSite
	gen   uint64
}

// CacheOption configures a CachedOracle.
type CacheOption func(*CachedOracle)

// WithSharedQueryTimeout bounds each shared upstream query. Zero or less
// leaves it unbounded. The default is DefaultQueryTimeout.
func WithSharedQueryTimeout(d time.Duration) CacheOption {
	return func(c *CachedOracle) { c.timeout = d }
}

// NewCachedOracle wraps next.
func NewCachedOracle(next CallerOracle, opts ...CacheOption) *CachedOracle {
	c := &CachedOracle{next: next, timeout: DefaultQueryTimeout, cache: make(map[Symbol][]CallSite)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CachedOracle) FindCallers(ctx context.Context, sym Symbol) ([]CallSite, error) {
	c.mu.RLock()
	sites, ok := c.cache[sym]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		return slices.Clone(sites), nil
	}

	// Queries started before a Purge must not be joined after it.
	key := strconv.FormatUint(gen, 10) + "|" + sym.String()
	ch := c.group.DoChan(key, func() (any, error) {
		qctx, cancel := c.sharedContext(ctx)
		defer cancel()
		sites, err := c.next.FindCallers(qctx, sym)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.cache[sym] = sites
		}
		c.mu.Unlock()
		return sites, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		sites, ok = res.Val.([]CallSite)
		if !ok {
			return nil, fmt.Errorf("cached oracle: unexpected result type %T", res.Val)
		}
		return slices.Clone(sites), nil
	}
}

// sharedContext keeps ctx's values but none of its cancellation.
func (c *CachedOracle) sharedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if c.timeout > 0 {
		return context.WithTimeout(detached, c.timeout)
	}
	return context.WithCancel(detached)
}

func (c *CachedOracle) ResolveSymbol(ctx context.Context, name string) ([]Symbol, error) {
	r, ok := c.next.(SymbolResolver)
	if !ok {
		return nil, fmt.Errorf("%w: oracle cannot resolve symbols", ErrOracleUnavailable)
	}
	return r.ResolveSymbol(ctx, name)
}

// Len returns the number of cached symbols.
func (c *CachedOracle) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Purge drops every cached result. Queries already in flight still answer
// their callers but are not cached.
func (c *CachedOracle) Purge() {
	c.mu.Lock()
	clear(c.cache)
	c.gen++
	c.mu.Unlock()
}

// RateLimitedOracle throttles FindCallers with a token bucket. A query
// whose context ends while waiting for a token fails with that context's
// error, which the tracer treats as a query timeout.
type RateLimitedOracle struct {
	next    CallerOracle
	limiter *rate.Limiter
}

// NewRateLimitedOracle allows perSecond queries with bursts of burst.
func NewRateLimitedOracle(next CallerOracle, perSecond float64, burst int) *RateLimitedOracle {
	return &RateLimitedOracle{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))}
}

func (r *RateLimitedOracle) FindCallers(ctx context.Context, sym Symbol) ([]CallSite, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The wait alone would exceed the deadline.
		return nil, fmt.Errorf("%w: %v", ErrOracleTimeout, err)
	}
	return r.next.FindCallers(ctx, sym)
}

func (r *RateLimitedOracle) ResolveSymbol(ctx context.Context, name string) ([]Symbol, error) {
	res, ok := r.next.(SymbolResolver)
	if !ok {
		return nil, fmt.Errorf("%w: oracle cannot resolve symbols", ErrOracleUnavailable)
	}
	return res.ResolveSymbol(ctx, name)
}
