package calltrace

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jward/calltrace/internal/store"
)

// maxSuggestions bounds the "did you mean" list of a NotFoundError.
const maxSuggestions = 5

// IndexOracle answers caller queries from a call graph index in SQLite.
// The database is opened read-only on first use; a missing or unreadable
// index makes every query fail with ErrOracleUnavailable, so a fallback
// oracle can take over.
type IndexOracle struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	store *store.Store
}

// NewIndexOracle returns an oracle over the index at dbPath.
func NewIndexOracle(dbPath string, logger *slog.Logger) *IndexOracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexOracle{path: dbPath, logger: logger}
}

// Path returns the database path.
func (o *IndexOracle) Path() string {
	return o.path
}

// open returns the store, opening it if needed. Failed opens are retried on
// the next query because the index may appear later.
func (o *IndexOracle) open() (*store.Store, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.store != nil {
		return o.store, nil
	}
	s, err := store.OpenReadOnly(o.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	o.logger.Debug("index.open", "path", o.path)
	o.store = s
	return s, nil
}

// unavailable maps a store failure to ErrOracleUnavailable unless the
// query context ended, in which case the context error is returned.
func unavailable(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
}

func (o *IndexOracle) FindCallers(ctx context.Context, sym Symbol) ([]CallSite, error) {
	s, err := o.open()
	if err != nil {
		return nil, err
	}
	ids, err := o.symbolIDs(ctx, s, sym)
	if err != nil {
		return nil, unavailable(ctx, err)
	}

	infos := make(map[int64]*store.SymbolInfo)
	files := make(map[int64]string)
	var sites []CallSite
	for _, id := range ids {
		edges, err := s.CallersByCallee(ctx, id)
		if err != nil {
			return nil, unavailable(ctx, err)
		}
		for _, e := range edges {
			info, ok := infos[e.CallerSymbolID]
			if !ok {
				if info, err = s.Info(ctx, e.CallerSymbolID); err != nil {
					return nil, unavailable(ctx, err)
				}
				infos[e.CallerSymbolID] = info
			}
			if info == nil {
				o.logger.Warn("index.dangling_edge", "edge", e.ID, "caller_id", e.CallerSymbolID)
				continue
			}
			site := CallSite{
				Caller:    Symbol{Name: info.QualifiedName, Arity: info.Arity},
				Callee:    sym,
				Location:  Location{Line: e.Line, Col: e.Col},
				Declaring: constructFromInfo(info),
			}
			if e.FileID != nil {
				path, ok := files[*e.FileID]
				if !ok {
					f, err := s.FileByID(ctx, *e.FileID)
					if err != nil {
						return nil, unavailable(ctx, err)
					}
					if f != nil {
						path = f.Path
					}
					files[*e.FileID] = path
				}
				site.File = path
			}
			sites = append(sites, site)
		}
	}
	return sites, nil
}

// symbolIDs returns the index ids of the symbols sym denotes.
func (o *IndexOracle) symbolIDs(ctx context.Context, s *store.Store, sym Symbol) ([]int64, error) {
	cands, err := s.SymbolsByQualifiedName(ctx, sym.Name)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, c := range cands {
		if sym.Arity != AnyArity {
			n, err := s.Arity(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			if n != sym.Arity {
				continue
			}
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func constructFromInfo(info *store.SymbolInfo) *Construct {
	return &Construct{
		Kind:        info.Kind,
		Params:      info.Params,
		Parent:      info.ParentName,
		ParentKind:  info.ParentKind,
		Language:    info.Language,
		File:        info.FilePath,
		Line:        info.StartLine,
		Annotations: info.Annotations,
		Modifiers:   info.Modifiers,
	}
}

// ResolveSymbol lists the indexed symbols name denotes. name is a
// qualified name with optional "/arity". Unknown names yield a
// *NotFoundError suggesting symbols with the same short name.
func (o *IndexOracle) ResolveSymbol(ctx context.Context, name string) ([]Symbol, error) {
	want, err := ParseSymbol(name)
	if err != nil {
		return nil, err
	}
	s, err := o.open()
	if err != nil {
		return nil, err
	}
	cands, err := s.SymbolsByQualifiedName(ctx, want.Name)
	if err != nil {
		return nil, unavailable(ctx, err)
	}

	var out []Symbol
	for _, c := range cands {
		n, err := s.Arity(ctx, c.ID)
		if err != nil {
			return nil, unavailable(ctx, err)
		}
		sym := Symbol{Name: want.Name, Arity: n}
		if want.Arity != AnyArity && n != want.Arity {
			continue
		}
		if !slices.Contains(out, sym) {
			out = append(out, sym)
		}
	}
	if len(out) > 0 {
		slices.SortFunc(out, Symbol.Compare)
		return out, nil
	}

	suggestions, err := o.suggest(ctx, s, want)
	if err != nil {
		return nil, unavailable(ctx, err)
	}
	return nil, &NotFoundError{Name: want.String(), Suggestions: suggestions}
}

// suggest returns symbols sharing want's short name.
func (o *IndexOracle) suggest(ctx context.Context, s *store.Store, want Symbol) ([]Symbol, error) {
	syms, err := s.SymbolsByName(ctx, want.Short())
	if err != nil {
		return nil, err
	}
	var out []Symbol
	for _, c := range syms {
		q, err := s.QualifiedName(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		n, err := s.Arity(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		sym := Symbol{Name: q, Arity: n}
		if sym != want && !slices.Contains(out, sym) {
			out = append(out, sym)
		}
	}
	slices.SortFunc(out, Symbol.Compare)
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out, nil
}

// Snapshot returns the snapshot id recorded by the import, or "".
func (o *IndexOracle) Snapshot(ctx context.Context) (string, error) {
	s, err := o.open()
	if err != nil {
		return "", err
	}
	return s.GetMetadata(ctx, "snapshot")
}

// Reopen closes the database so the next query opens it again. Serve mode
// calls it when the index file is replaced.
func (o *IndexOracle) Reopen() error {
	return o.Close()
}

// Close releases the database.
func (o *IndexOracle) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.store == nil {
		return nil
	}
	err := o.store.Close()
	o.store = nil
	if err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	return nil
}
