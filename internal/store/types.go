package store

import "time"

type File struct {
	ID          int64
	Path        string
	Language    string
	Hash        string
	LastIndexed time.Time
}

type Symbol struct {
	ID             int64
	FileID         *int64
	Name           string
	Kind           string
	Visibility     string
	Modifiers      []string
	SignatureHash  string
	StartLine      int
	StartCol       int
	EndLine        int
	EndCol         int
	ParentSymbolID *int64
}

type FunctionParam struct {
	ID          int64
	SymbolID    int64
	Name        string
	Ordinal     int
	TypeExpr    string
	IsReceiver  bool
	IsReturn    bool
	HasDefault  bool
	DefaultExpr string
}

type Annotation struct {
	ID               int64
	TargetSymbolID   int64
	Name             string
	ResolvedSymbolID *int64
	Arguments        string
	FileID           *int64
	Line             int
	Col              int
}

type CallEdge struct {
	ID             int64
	CallerSymbolID int64
	CalleeSymbolID int64
	FileID         *int64
	Line           int
	Col            int
}

// SymbolInfo is a symbol joined with everything a caller lookup reports
// about it: its dotted qualified name, positional parameter names,
// declaring file and the names of its annotations.
type SymbolInfo struct {
	Symbol
	QualifiedName string
	Arity         int
	Params        []string
	FilePath      string
	Language      string
	ParentName    string
	ParentKind    string
	Annotations   []string
}
