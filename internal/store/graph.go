package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GraphVersion is the only graph document version ImportGraph accepts.
const GraphVersion = 1

// Graph is a language-neutral call graph document. Indexers that do not
// write SQLite directly emit this and load it with ImportGraph.
type Graph struct {
	Version  int         `yaml:"version"`
	Snapshot string      `yaml:"snapshot,omitempty"`
	Files    []GraphFile `yaml:"files"`
	Calls    []GraphCall `yaml:"calls"`
}

type GraphFile struct {
	Path     string        `yaml:"path"`
	Language string        `yaml:"language"`
	Hash     string        `yaml:"hash,omitempty"`
	Symbols  []GraphSymbol `yaml:"symbols"`
}

// GraphSymbol is a declaration; nested Symbols are its children (methods
// of a type, functions of a module).
type GraphSymbol struct {
	Name        string        `yaml:"name"`
	Kind        string        `yaml:"kind"`
	Visibility  string        `yaml:"visibility,omitempty"`
	Modifiers   []string      `yaml:"modifiers,omitempty"`
	Line        int           `yaml:"line"`
	Col         int           `yaml:"col,omitempty"`
	EndLine     int           `yaml:"end_line,omitempty"`
	Receiver    string        `yaml:"receiver,omitempty"`
	Params      []string      `yaml:"params,omitempty"`
	Annotations []string      `yaml:"annotations,omitempty"`
	Symbols     []GraphSymbol `yaml:"symbols,omitempty"`
}

// GraphCall is one call edge. Caller and Callee are "qualified.name/arity"
// keys; arity may be omitted when the name is unique.
type GraphCall struct {
	Caller string `yaml:"caller"`
	Callee string `yaml:"callee"`
	File   string `yaml:"file"`
	Line   int    `yaml:"line"`
	Col    int    `yaml:"col"`
}

// ImportStats counts rows written by ImportGraph.
type ImportStats struct {
	Files   int
	Symbols int
	Calls   int
}

// LoadGraphFile decodes a graph document from path.
func LoadGraphFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open graph: %w", err)
	}
	defer f.Close()
	return DecodeGraph(f)
}

// DecodeGraph decodes and version-checks a graph document.
func DecodeGraph(r io.Reader) (*Graph, error) {
	var g Graph
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	if g.Version != GraphVersion {
		return nil, fmt.Errorf("unsupported graph version %d (want %d)", g.Version, GraphVersion)
	}
	return &g, nil
}

type importedSymbol struct {
	id    int64
	arity int
}

// ImportGraph writes g into the index in a single transaction. Existing
// rows are kept; importing the same document twice duplicates it, so
// callers start from a fresh database.
func (s *Store) ImportGraph(ctx context.Context, g *Graph) (ImportStats, error) {
	var stats ImportStats

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	byKey := make(map[string][]importedSymbol)
	fileIDs := make(map[string]int64)
	now := time.Now()

	var insertSymbols func(fileID int64, parentID *int64, parentQName string, syms []GraphSymbol) error
	insertSymbols = func(fileID int64, parentID *int64, parentQName string, syms []GraphSymbol) error {
		for _, gs := range syms {
			fid := fileID
			sym := &Symbol{
				FileID:         &fid,
				Name:           gs.Name,
				Kind:           gs.Kind,
				Visibility:     gs.Visibility,
				Modifiers:      gs.Modifiers,
				StartLine:      gs.Line,
				StartCol:       gs.Col,
				EndLine:        gs.EndLine,
				ParentSymbolID: parentID,
			}
			id, err := s.insertSymbol(tx, sym)
			if err != nil {
				return err
			}
			stats.Symbols++

			ordinal := 0
			if gs.Receiver != "" {
				if _, err := s.insertFunctionParam(tx, &FunctionParam{
					SymbolID: id, Name: gs.Receiver, Ordinal: ordinal, IsReceiver: true,
				}); err != nil {
					return err
				}
				ordinal++
			}
			for _, p := range gs.Params {
				name, def, hasDefault := strings.Cut(p, "=")
				if _, err := s.insertFunctionParam(tx, &FunctionParam{
					SymbolID:    id,
					Name:        strings.TrimSpace(name),
					Ordinal:     ordinal,
					HasDefault:  hasDefault,
					DefaultExpr: strings.TrimSpace(def),
				}); err != nil {
					return err
				}
				ordinal++
			}
			for _, a := range gs.Annotations {
				if _, err := s.insertAnnotation(tx, &Annotation{
					TargetSymbolID: id, Name: a, FileID: &fid, Line: gs.Line,
				}); err != nil {
					return err
				}
			}

			qname := gs.Name
			if parentQName != "" {
				qname = parentQName + "." + gs.Name
			}
			byKey[qname] = append(byKey[qname], importedSymbol{id: id, arity: len(gs.Params)})

			if err := insertSymbols(fileID, &id, qname, gs.Symbols); err != nil {
				return err
			}
		}
		return nil
	}

	for _, gf := range g.Files {
		fileID, err := s.insertFile(tx, &File{
			Path: gf.Path, Language: gf.Language, Hash: gf.Hash, LastIndexed: now,
		})
		if err != nil {
			return stats, fmt.Errorf("file %s: %w", gf.Path, err)
		}
		fileIDs[gf.Path] = fileID
		stats.Files++
		if err := insertSymbols(fileID, nil, "", gf.Symbols); err != nil {
			return stats, fmt.Errorf("file %s: %w", gf.Path, err)
		}
	}

	lookup := func(key string) (int64, error) {
		name, arity := splitGraphKey(key)
		var match []importedSymbol
		for _, cand := range byKey[name] {
			if arity < 0 || cand.arity == arity {
				match = append(match, cand)
			}
		}
		switch len(match) {
		case 0:
			return 0, fmt.Errorf("unknown symbol %q", key)
		case 1:
			return match[0].id, nil
		default:
			return 0, fmt.Errorf("ambiguous symbol %q (%d matches)", key, len(match))
		}
	}

	for i, c := range g.Calls {
		callerID, err := lookup(c.Caller)
		if err != nil {
			return stats, fmt.Errorf("call %d caller: %w", i, err)
		}
		calleeID, err := lookup(c.Callee)
		if err != nil {
			return stats, fmt.Errorf("call %d callee: %w", i, err)
		}
		edge := &CallEdge{CallerSymbolID: callerID, CalleeSymbolID: calleeID, Line: c.Line, Col: c.Col}
		if fid, ok := fileIDs[c.File]; ok {
			edge.FileID = &fid
		}
		if _, err := s.insertCallEdge(tx, edge); err != nil {
			return stats, err
		}
		stats.Calls++
	}

	if g.Snapshot != "" {
		if err := s.setMetadata(tx, "snapshot", g.Snapshot); err != nil {
			return stats, err
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit: %w", err)
	}
	return stats, nil
}

// splitGraphKey splits "name/arity" into its parts; arity is -1 when absent.
func splitGraphKey(key string) (string, int) {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return key, -1
	}
	n, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return key, -1
	}
	return key[:i], n
}
