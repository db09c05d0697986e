package calltrace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultQueryTimeout bounds a single FindCallers call.
const DefaultQueryTimeout = 5 * time.Second

// CallerOracle answers "who calls this symbol". Implementations must be
// safe for concurrent use; result order is not significant.
type CallerOracle interface {
	FindCallers(ctx context.Context, sym Symbol) ([]CallSite, error)
}

// SymbolResolver is implemented by oracles that can expand a name given
// without arity into the symbols it denotes. A name nobody defines yields
// an error matching ErrSymbolNotFound.
type SymbolResolver interface {
	ResolveSymbol(ctx context.Context, name string) ([]Symbol, error)
}

// lookup is the outcome of one caller query after fallback handling.
type lookup struct {
	sites       []CallSite
	approximate bool
	incomplete  bool
}

// oracleChain applies the per-query deadline and the fallback policy in
// front of the primary oracle.
type oracleChain struct {
	primary      CallerOracle
	fallback     CallerOracle
	queryTimeout time.Duration
	logger       *slog.Logger
	metrics      *Metrics
}

// callers queries the primary oracle, falling back to the textual oracle
// when the primary is unavailable. Only run cancellation and unexpected
// oracle failures are returned as errors; query timeouts become an
// incomplete lookup with no callers, marked approximate when the fallback
// was the one that timed out.
func (c *oracleChain) callers(ctx context.Context, sym Symbol) (lookup, error) {
	sites, err := c.query(ctx, c.primary, "primary", sym)
	if err == nil {
		return finishLookup(sym, sites, false), nil
	}
	if ctx.Err() != nil {
		return lookup{}, ctx.Err()
	}

	degraded := false
	if errors.Is(err, ErrOracleUnavailable) && c.fallback != nil {
		degraded = true
		c.logger.Warn("oracle.fallback", "symbol", sym.String(), "err", err)
		sites, err = c.query(ctx, c.fallback, "fallback", sym)
		if err == nil {
			return finishLookup(sym, sites, true), nil
		}
		if ctx.Err() != nil {
			return lookup{}, ctx.Err()
		}
	}

	if isQueryTimeout(err) {
		c.logger.Warn("oracle.timeout", "symbol", sym.String(), "timeout", c.queryTimeout)
		return lookup{incomplete: true, approximate: degraded}, nil
	}
	return lookup{}, fmt.Errorf("find callers of %s: %w", sym, err)
}

func (c *oracleChain) query(ctx context.Context, o CallerOracle, source string, sym Symbol) ([]CallSite, error) {
	qctx := ctx
	if c.queryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
	}
	start := time.Now()
	sites, err := o.FindCallers(qctx, sym)
	if err == nil && qctx.Err() != nil && ctx.Err() == nil {
		// The oracle ignored its deadline; its answer may be partial.
		err = ErrOracleTimeout
	}
	c.metrics.observeQuery(source, err, time.Since(start))
	return sites, err
}

func isQueryTimeout(err error) bool {
	return errors.Is(err, ErrOracleTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// finishLookup fills in the callee and approximate flags the oracle may
// have left unset.
func finishLookup(sym Symbol, sites []CallSite, fallback bool) lookup {
	l := lookup{sites: make([]CallSite, 0, len(sites))}
	for _, s := range sites {
		s.Callee = sym
		if fallback {
			s.Approximate = true
		}
		l.approximate = l.approximate || s.Approximate
		l.sites = append(l.sites, s)
	}
	return l
}

// resolveTarget turns a target string into a concrete Symbol, asking the
// oracle (or the fallback) when the arity was not given.
func resolveTarget(ctx context.Context, target string, oracles ...CallerOracle) (Symbol, error) {
	sym, err := ParseSymbol(target)
	if err != nil {
		return Symbol{}, err
	}
	var resolveErr error
	for _, o := range oracles {
		r, ok := o.(SymbolResolver)
		if !ok || r == nil {
			continue
		}
		cands, err := r.ResolveSymbol(ctx, sym.String())
		if errors.Is(err, ErrOracleUnavailable) {
			resolveErr = err
			continue
		}
		if err != nil {
			return Symbol{}, err
		}
		switch len(cands) {
		case 0:
			return Symbol{}, &NotFoundError{Name: sym.String()}
		case 1:
			return cands[0], nil
		default:
			return Symbol{}, &AmbiguousSymbolError{Name: sym.String(), Candidates: cands}
		}
	}
	if sym.Arity == AnyArity {
		if resolveErr != nil {
			return Symbol{}, fmt.Errorf("resolve %s: %w", sym.Name, resolveErr)
		}
		return Symbol{}, fmt.Errorf("symbol %q has no arity and no oracle can resolve it", sym.Name)
	}
	return sym, nil
}
