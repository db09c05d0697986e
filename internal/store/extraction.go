package store

import (
	"context"
	"database/sql"
	"fmt"
)

// --- File operations ---

func (s *Store) insertFile(x execer, f *File) (int64, error) {
	res, err := x.Exec(
		"INSERT INTO files (path, language, hash, last_indexed) VALUES (?, ?, ?, ?)",
		f.Path, f.Language, f.Hash, f.LastIndexed,
	)
	if err != nil {
		return 0, fmt.Errorf("insert file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	f.ID = id
	return id, nil
}

const fileCols = `id, path, language, COALESCE(hash, ''), last_indexed`

func (s *Store) FileByID(ctx context.Context, id int64) (*File, error) {
	return s.fileWhere(ctx, "id = ?", id)
}

func (s *Store) fileWhere(ctx context.Context, where string, arg any) (*File, error) {
	f := &File{}
	var indexed sql.NullTime
	err := s.db.QueryRowContext(ctx, "SELECT "+fileCols+" FROM files WHERE "+where, arg).
		Scan(&f.ID, &f.Path, &f.Language, &f.Hash, &indexed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file lookup: %w", err)
	}
	f.LastIndexed = indexed.Time
	return f, nil
}

// --- Symbol operations ---

func (s *Store) insertSymbol(x execer, sym *Symbol) (int64, error) {
	mods := marshalModifiers(sym.Modifiers)
	res, err := x.Exec(
		`INSERT INTO symbols (file_id, name, kind, visibility, modifiers, signature_hash,
			start_line, start_col, end_line, end_col, parent_symbol_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sym.FileID, sym.Name, sym.Kind, sym.Visibility, mods, sym.SignatureHash,
		sym.StartLine, sym.StartCol, sym.EndLine, sym.EndCol, sym.ParentSymbolID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert symbol: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	sym.ID = id
	return id, nil
}

// SymbolCols is the column list scanned by scanSymbol.
const SymbolCols = `id, file_id, name, kind, COALESCE(visibility, ''), COALESCE(modifiers, ''),
	COALESCE(signature_hash, ''), COALESCE(start_line, 0), COALESCE(start_col, 0),
	COALESCE(end_line, 0), COALESCE(end_col, 0), parent_symbol_id`

func scanSymbol(scanner interface{ Scan(...any) error }) (*Symbol, error) {
	sym := &Symbol{}
	var mods string
	err := scanner.Scan(
		&sym.ID, &sym.FileID, &sym.Name, &sym.Kind, &sym.Visibility, &mods,
		&sym.SignatureHash, &sym.StartLine, &sym.StartCol, &sym.EndLine, &sym.EndCol,
		&sym.ParentSymbolID,
	)
	if err != nil {
		return nil, err
	}
	sym.Modifiers = unmarshalModifiers(mods)
	return sym, nil
}

func (s *Store) querySymbols(ctx context.Context, query string, args ...any) ([]*Symbol, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var symbols []*Symbol
	for rows.Next() {
		sym, err := scanSymbol(rows)
		if err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

func (s *Store) SymbolByID(ctx context.Context, id int64) (*Symbol, error) {
	syms, err := s.querySymbols(ctx, "SELECT "+SymbolCols+" FROM symbols WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("symbol by id: %w", err)
	}
	if len(syms) == 0 {
		return nil, nil
	}
	return syms[0], nil
}

func (s *Store) SymbolsByName(ctx context.Context, name string) ([]*Symbol, error) {
	syms, err := s.querySymbols(ctx, "SELECT "+SymbolCols+" FROM symbols WHERE name = ? ORDER BY id", name)
	if err != nil {
		return nil, fmt.Errorf("symbols by name: %w", err)
	}
	return syms, nil
}

// --- FunctionParam operations ---

func (s *Store) insertFunctionParam(x execer, fp *FunctionParam) (int64, error) {
	res, err := x.Exec(
		`INSERT INTO function_parameters (symbol_id, name, ordinal, type_expr, is_receiver, is_return, has_default, default_expr)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fp.SymbolID, fp.Name, fp.Ordinal, fp.TypeExpr,
		fp.IsReceiver, fp.IsReturn, fp.HasDefault, fp.DefaultExpr,
	)
	if err != nil {
		return 0, fmt.Errorf("insert function param: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	fp.ID = id
	return id, nil
}

func (s *Store) FunctionParams(ctx context.Context, symbolID int64) ([]*FunctionParam, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol_id, COALESCE(name, ''), ordinal, COALESCE(type_expr, ''),
			is_receiver, is_return, has_default, COALESCE(default_expr, '')
		 FROM function_parameters WHERE symbol_id = ? ORDER BY ordinal`,
		symbolID,
	)
	if err != nil {
		return nil, fmt.Errorf("function params: %w", err)
	}
	defer rows.Close()
	var params []*FunctionParam
	for rows.Next() {
		fp := &FunctionParam{}
		if err := rows.Scan(&fp.ID, &fp.SymbolID, &fp.Name, &fp.Ordinal, &fp.TypeExpr,
			&fp.IsReceiver, &fp.IsReturn, &fp.HasDefault, &fp.DefaultExpr); err != nil {
			return nil, fmt.Errorf("scan function param: %w", err)
		}
		params = append(params, fp)
	}
	return params, rows.Err()
}

// Arity counts a symbol's positional parameters, excluding receivers and
// return values.
func (s *Store) Arity(ctx context.Context, symbolID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM function_parameters
		 WHERE symbol_id = ? AND is_receiver = 0 AND is_return = 0`,
		symbolID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("arity: %w", err)
	}
	return n, nil
}

// --- Annotation operations ---

func (s *Store) insertAnnotation(x execer, ann *Annotation) (int64, error) {
	res, err := x.Exec(
		`INSERT INTO annotations (target_symbol_id, name, resolved_symbol_id, arguments, file_id, line, col)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ann.TargetSymbolID, ann.Name, ann.ResolvedSymbolID, ann.Arguments,
		ann.FileID, ann.Line, ann.Col,
	)
	if err != nil {
		return 0, fmt.Errorf("insert annotation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	ann.ID = id
	return id, nil
}

func (s *Store) AnnotationsByTarget(ctx context.Context, symbolID int64) ([]*Annotation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_symbol_id, name, resolved_symbol_id, COALESCE(arguments, ''),
			file_id, COALESCE(line, 0), COALESCE(col, 0)
		 FROM annotations WHERE target_symbol_id = ? ORDER BY id`,
		symbolID,
	)
	if err != nil {
		return nil, fmt.Errorf("annotations by target: %w", err)
	}
	defer rows.Close()
	var anns []*Annotation
	for rows.Next() {
		a := &Annotation{}
		if err := rows.Scan(&a.ID, &a.TargetSymbolID, &a.Name, &a.ResolvedSymbolID,
			&a.Arguments, &a.FileID, &a.Line, &a.Col); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		anns = append(anns, a)
	}
	return anns, rows.Err()
}
