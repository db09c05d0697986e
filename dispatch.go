package calltrace

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// categoryResult is what one builder goroutine hands back.
type categoryResult struct {
	category  Category
	tree      *CategoryTree
	stats     treeStats
	err       error
	cancelled bool
}

// dispatch runs the first-hop query, buckets the callers by category and
// grows one tree per populated category concurrently. ctx carries the run
// deadline; when it fires, completed categories are returned as a
// partial report.
func (t *Tracer) dispatch(ctx context.Context, target Symbol) (*Report, error) {
	rep := &Report{Target: target, MaxDepth: t.maxDepth}
	rep.Summary.TotalVisited = 1

	root, err := t.chain.callers(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			t.logger.Warn("trace.cancelled", "target", target.String(), "phase", "root")
			rep.Partial = true
			return rep, nil
		}
		return nil, err
	}
	if root.incomplete {
		rep.Summary.Incomplete++
	}
	t.emit(ProgressEvent{Phase: PhaseRoot, Symbol: target, Visited: len(root.sites)})

	groups := t.partition(ctx, target, root.sites)
	if len(groups) == 0 {
		return rep, nil
	}

	results := make(chan categoryResult, len(groups))
	var wg sync.WaitGroup
	for _, cat := range Categories() {
		sites := groups[cat]
		if len(sites) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.emit(ProgressEvent{Phase: PhaseCategoryStart, Category: cat, Symbol: target})
			results <- t.runCategory(ctx, cat, target, sites)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	done := t.collect(ctx, results)
	t.assemble(rep, groups, done)
	return rep, nil
}

// partition classifies each first-hop caller. Callers matching no
// entry-point rule go to internal when they live in another module than
// the target, otherwise to other.
func (t *Tracer) partition(ctx context.Context, target Symbol, sites []CallSite) map[Category][]CallSite {
	groups := make(map[Category][]CallSite)
	for _, site := range sites {
		cat, ok := t.classifier.Classify(ctx, constructFor(site))
		if !ok || !cat.IsEntryPoint() {
			cat = CategoryOther
			if site.Caller.Module() != target.Module() {
				cat = CategoryInternal
			}
		}
		groups[cat] = append(groups[cat], site)
	}
	return groups
}

// collect waits for every builder or for the run deadline, whichever
// comes first. Results already delivered when the deadline fires are kept.
func (t *Tracer) collect(ctx context.Context, results <-chan categoryResult) map[Category]categoryResult {
	done := make(map[Category]categoryResult)
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return done
			}
			done[r.category] = r
		case <-ctx.Done():
			for {
				select {
				case r, ok := <-results:
					if !ok {
						return done
					}
					done[r.category] = r
				default:
					return done
				}
			}
		}
	}
}

// runCategory grows one tree. Panics and unexpected errors become a
// CategoryBuilderFailure so siblings are unaffected.
func (t *Tracer) runCategory(ctx context.Context, cat Category, target Symbol, sites []CallSite) (res categoryResult) {
	res.category = cat
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error("trace.category.panic", "category", cat.String(), "panic", p)
			res = categoryResult{category: cat, err: &CategoryBuilderFailure{Category: cat, Err: fmt.Errorf("panic: %v", p)}}
		}
	}()

	b := newBuilder(cat, t)
	tree, err := b.build(ctx, target, sites)
	switch {
	case err == nil:
		res.tree, res.stats = tree, b.stats
		t.logger.Debug("trace.category.done", "category", cat.String(), "visited", len(b.stats.visited))
		t.emit(ProgressEvent{Phase: PhaseCategoryDone, Category: cat, Symbol: target, Visited: len(b.stats.visited)})
	case ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		res.cancelled = true
	default:
		t.logger.Warn("trace.category.failed", "category", cat.String(), "err", err)
		res.err = &CategoryBuilderFailure{Category: cat, Err: err}
	}
	return res
}

// assemble merges finished categories into rep in render order.
func (t *Tracer) assemble(rep *Report, groups map[Category][]CallSite, done map[Category]categoryResult) {
	visited := map[Symbol]struct{}{rep.Target: {}}
	for _, cat := range Categories() {
		if len(groups[cat]) == 0 {
			continue
		}
		r, ok := done[cat]
		switch {
		case !ok || r.cancelled:
			rep.Partial = true
			rep.Summary.Cancelled = append(rep.Summary.Cancelled, cat)
		case r.err != nil:
			t.metrics.observeFailure(cat)
			rep.Summary.Failed = append(rep.Summary.Failed, CategoryFailure{Category: cat, Error: r.err.Error()})
		default:
			rep.Categories = append(rep.Categories, r.tree)
			for sym := range r.stats.visited {
				visited[sym] = struct{}{}
			}
			rep.Summary.TruncatedBranches += r.stats.truncated
			rep.Summary.Cycles += r.stats.cycles
			rep.Summary.Incomplete += r.stats.incomplete
			if r.tree.Approximate {
				rep.Summary.Approximate = append(rep.Summary.Approximate, cat)
			}
		}
	}
	rep.Summary.TotalVisited = len(visited)
}
