// Package calltrace explores the call graph backwards from a target
// function and reports every caller chain grouped by architectural entry
// point: HTTP handlers, event handlers, background workers, long-running
// processes, cross-module internal callers and everything else.
//
// # Pipeline
//
// A trace runs in three steps:
//
//  1. Resolve: the target string ("Mod.fun/2", "pkg.Type.Method") is turned
//     into a [Symbol], asking the oracle when no arity was given.
//
//  2. Dispatch: the target's direct callers are fetched once and each one
//     is classified by the entry-point rules. Callers that match no rule go
//     to internal (another module) or other (same module).
//
//  3. Build: every populated category grows its own tree concurrently,
//     climbing callers until an entry point, a cycle, a root or the depth
//     limit. Each edge carries the argument pattern of the call.
//
// # Usage
//
//	oracle := calltrace.NewIndexOracle(".calltrace/index.db", nil)
//	defer oracle.Close()
//
//	t, err := calltrace.New(oracle,
//		calltrace.WithFallback(calltrace.NewTextOracle(".", nil)),
//		calltrace.WithMaxDepth(10),
//		calltrace.WithTimeout(30*time.Second))
//	if err != nil { ... }
//
//	rep, err := t.Trace(ctx, "StoryarnWeb.PageController.show/2")
//	err = calltrace.Render(os.Stdout, rep, calltrace.FormatText, calltrace.RenderOptions{})
//
// # Oracles
//
// A [CallerOracle] answers "who calls this symbol":
//
//   - [IndexOracle] reads a call graph index in SQLite, as written by
//     `calltrace import`.
//   - [TextOracle] searches source text and confirms calls with
//     tree-sitter. Its results are marked approximate.
//   - [CachedOracle] and [RateLimitedOracle] wrap another oracle for
//     long-running servers.
//
// # Rules
//
// Entry points are recognised by an ordered list of [EntryPointRule]s; the
// first match wins. [DefaultRules] covers Phoenix, Oban, GenServer, Go
// net/http, Python web frameworks, Celery and Express-style handlers.
// Rules can carry a Risor script predicate for conditions the declarative
// fields cannot express.
package calltrace
