package store

import (
	"context"
	"fmt"
	"strings"
)

// --- CallEdge operations ---

func (s *Store) insertCallEdge(x execer, edge *CallEdge) (int64, error) {
	res, err := x.Exec(
		`INSERT INTO call_graph (caller_symbol_id, callee_symbol_id, file_id, line, col)
		 VALUES (?, ?, ?, ?, ?)`,
		edge.CallerSymbolID, edge.CalleeSymbolID, edge.FileID, edge.Line, edge.Col,
	)
	if err != nil {
		return 0, fmt.Errorf("insert call edge: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	edge.ID = id
	return id, nil
}

func (s *Store) queryCallEdges(ctx context.Context, query string, args ...any) ([]*CallEdge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []*CallEdge
	for rows.Next() {
		e := &CallEdge{}
		if err := rows.Scan(&e.ID, &e.CallerSymbolID, &e.CalleeSymbolID, &e.FileID, &e.Line, &e.Col); err != nil {
			return nil, fmt.Errorf("scan call edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

const callEdgeCols = `id, caller_symbol_id, callee_symbol_id, file_id, COALESCE(line, 0), COALESCE(col, 0)`

// CallersByCallee returns every edge whose callee is calleeSymbolID, in
// insertion order.
func (s *Store) CallersByCallee(ctx context.Context, calleeSymbolID int64) ([]*CallEdge, error) {
	edges, err := s.queryCallEdges(ctx,
		"SELECT "+callEdgeCols+" FROM call_graph WHERE callee_symbol_id = ? ORDER BY id", calleeSymbolID,
	)
	if err != nil {
		return nil, fmt.Errorf("callers by callee: %w", err)
	}
	return edges, nil
}

// --- Qualified lookup ---

// maxParentChain bounds the parent walk so a corrupt self-referencing
// parent_symbol_id cannot loop forever.
const maxParentChain = 32

// QualifiedName joins the names of a symbol and all its ancestors with ".".
func (s *Store) QualifiedName(ctx context.Context, symbolID int64) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain(id, name, parent, depth) AS (
			SELECT id, name, parent_symbol_id, 0 FROM symbols WHERE id = ?
			UNION ALL
			SELECT s.id, s.name, s.parent_symbol_id, chain.depth + 1
			FROM symbols s JOIN chain ON s.id = chain.parent
			WHERE chain.depth < ?
		)
		SELECT name FROM chain ORDER BY depth DESC`,
		symbolID, maxParentChain,
	)
	if err != nil {
		return "", fmt.Errorf("qualified name: %w", err)
	}
	defer rows.Close()
	var parts []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", fmt.Errorf("scan qualified name: %w", err)
		}
		parts = append(parts, name)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("qualified name: %w", err)
	}
	return strings.Join(parts, "."), nil
}

// SymbolsByQualifiedName returns the symbols whose qualified name equals
// qname. The last dotted segment is used as the indexed short name.
func (s *Store) SymbolsByQualifiedName(ctx context.Context, qname string) ([]*Symbol, error) {
	short := qname
	if i := strings.LastIndex(qname, "."); i >= 0 {
		short = qname[i+1:]
	}
	candidates, err := s.SymbolsByName(ctx, short)
	if err != nil {
		return nil, err
	}
	var out []*Symbol
	for _, c := range candidates {
		q, err := s.QualifiedName(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if q == qname {
			out = append(out, c)
		}
	}
	return out, nil
}

// Info loads a symbol together with its qualified name, parameter names,
// file, parent and annotation names. Returns nil, nil if the symbol is absent.
func (s *Store) Info(ctx context.Context, symbolID int64) (*SymbolInfo, error) {
	sym, err := s.SymbolByID(ctx, symbolID)
	if err != nil || sym == nil {
		return nil, err
	}
	info := &SymbolInfo{Symbol: *sym}

	if info.QualifiedName, err = s.QualifiedName(ctx, sym.ID); err != nil {
		return nil, err
	}
	params, err := s.FunctionParams(ctx, sym.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range params {
		if !p.IsReceiver && !p.IsReturn {
			info.Params = append(info.Params, p.Name)
		}
	}
	info.Arity = len(info.Params)
	if sym.FileID != nil {
		f, err := s.FileByID(ctx, *sym.FileID)
		if err != nil {
			return nil, err
		}
		if f != nil {
			info.FilePath = f.Path
			info.Language = f.Language
		}
	}
	if sym.ParentSymbolID != nil {
		parent, err := s.SymbolByID(ctx, *sym.ParentSymbolID)
		if err != nil {
			return nil, err
		}
		if parent != nil {
			info.ParentKind = parent.Kind
			if info.ParentName, err = s.QualifiedName(ctx, parent.ID); err != nil {
				return nil, err
			}
		}
	}
	anns, err := s.AnnotationsByTarget(ctx, sym.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range anns {
		info.Annotations = append(info.Annotations, a.Name)
	}
	return info, nil
}
