package calltrace

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOracleUnavailable means the authoritative caller lookup could not
	// be queried. The tracer falls back to a textual oracle when one is
	// configured.
	ErrOracleUnavailable = errors.New("caller oracle unavailable")

	// ErrOracleTimeout means a single caller query exceeded its budget.
	// The symbol is reported with no callers and flagged incomplete.
	ErrOracleTimeout = errors.New("caller oracle query timed out")

	// ErrSymbolNotFound means the target symbol is not known to the oracle.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrRunTimeout marks a report cut short by the run deadline.
	ErrRunTimeout = errors.New("trace deadline exceeded")
)

// NotFoundError reports an unknown target with close matches.
// errors.Is(err, ErrSymbolNotFound) holds.
type NotFoundError struct {
	Name        string
	Suggestions []Symbol
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("symbol %q not found", e.Name)
	if len(e.Suggestions) > 0 {
		msg += "; did you mean " + joinSymbols(e.Suggestions) + "?"
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrSymbolNotFound
}

// AmbiguousSymbolError reports a target given without arity that names
// more than one symbol.
type AmbiguousSymbolError struct {
	Name       string
	Candidates []Symbol
}

func (e *AmbiguousSymbolError) Error() string {
	return fmt.Sprintf("symbol %q is ambiguous: %s", e.Name, joinSymbols(e.Candidates))
}

// CategoryBuilderFailure is an unexpected error inside one category's
// traversal. It is recorded in the report and does not affect sibling
// categories.
type CategoryBuilderFailure struct {
	Category Category
	Err      error
}

func (e *CategoryBuilderFailure) Error() string {
	return fmt.Sprintf("category %s: %v", e.Category, e.Err)
}

func (e *CategoryBuilderFailure) Unwrap() error {
	return e.Err
}

func joinSymbols(syms []Symbol) string {
	parts := make([]string, len(syms))
	for i, s := range syms {
		parts[i] = s.String()
	}
	return strings.Join(parts, ", ")
}
