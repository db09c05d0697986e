package calltrace

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"sync"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
	"golang.org/x/sync/errgroup"

	"github.com/jward/calltrace/internal/syntax"
)

// skipDirs are never searched by the textual oracle.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"_build":       true,
	"deps":         true,
	"__pycache__":  true,
}

// TextOracle finds callers by searching source text. Candidate lines are
// found with a regexp and confirmed as call expressions with tree-sitter;
// the caller is the enclosing named definition. Every result is
// Approximate: aliasing, imports and dynamic dispatch are not resolved.
type TextOracle struct {
	root    string
	logger  *slog.Logger
	workers int

	filesOnce sync.Once
	files     []string
	filesErr  error
}

// NewTextOracle searches the source files under root.
func NewTextOracle(root string, logger *slog.Logger) *TextOracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &TextOracle{root: root, logger: logger, workers: runtime.NumCPU()}
}

// Root returns the searched directory.
func (o *TextOracle) Root() string {
	return o.root
}

// listFiles returns the supported source files under root, relative to
// root. git ls-files is preferred so ignored files are skipped.
func (o *TextOracle) listFiles(ctx context.Context) ([]string, error) {
	o.filesOnce.Do(func() {
		o.files, o.filesErr = o.gitListFiles(ctx)
		if o.filesErr != nil {
			o.logger.Debug("text_oracle.walk", "root", o.root, "reason", o.filesErr)
			o.files, o.filesErr = o.walkListFiles()
		}
		o.logger.Debug("text_oracle.files", "root", o.root, "count", len(o.files))
	})
	return o.files, o.filesErr
}

func (o *TextOracle) gitListFiles(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = o.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git ls-files: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	var paths []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, ok := syntax.LanguageForFile(line); ok {
			paths = append(paths, filepath.FromSlash(line))
		}
	}
	return paths, nil
}

func (o *TextOracle) walkListFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(o.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != o.root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := syntax.LanguageForFile(path); ok {
			rel, err := filepath.Rel(o.root, path)
			if err != nil {
				return err
			}
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", o.root, err)
	}
	return paths, nil
}

// scan parses every file whose text matches re and calls visit with the
// tree. Files are processed by a bounded worker pool; visit must be safe
// for concurrent use. Unreadable or unparsable files are skipped.
func (o *TextOracle) scan(ctx context.Context, re *regexp.Regexp, visit func(rel string, tree *syntax.Tree)) error {
	files, err := o.listFiles(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.workers, 1))
	for _, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src, err := os.ReadFile(filepath.Join(o.root, rel))
			if err != nil || !re.Match(src) {
				return nil
			}
			lang, _ := syntax.LanguageForFile(rel)
			tree, err := syntax.Parse(gctx, lang, src)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				o.logger.Debug("text_oracle.parse_failed", "file", rel, "err", err)
				return nil
			}
			defer tree.Close()
			visit(rel, tree)
			return nil
		})
	}
	return g.Wait()
}

// namePattern matches name as a whole word. Elixir names may end in ! or ?,
// after which no word boundary exists.
func namePattern(name string) (*regexp.Regexp, error) {
	expr := `\b` + regexp.QuoteMeta(name)
	if r := name[len(name)-1]; r != '!' && r != '?' {
		expr += `\b`
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("name pattern: %w", err)
	}
	return re, nil
}

func (o *TextOracle) FindCallers(ctx context.Context, sym Symbol) ([]CallSite, error) {
	short := sym.Short()
	re, err := namePattern(short)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var sites []CallSite
	err = o.scan(ctx, re, func(rel string, tree *syntax.Tree) {
		module := syntax.ModuleFromPath(rel)
		for _, call := range tree.CallsNamed(short) {
			if sym.Arity != AnyArity && tree.ArgumentCount(call) != sym.Arity {
				continue
			}
			if !qualifierMatches(tree, call, sym) {
				continue
			}
			def, ok := tree.EnclosingDefinition(call, module)
			if !ok {
				continue
			}
			caller := Symbol{Name: def.Qualified, Arity: def.Arity}
			pos := call.StartPoint()
			site := CallSite{
				Caller:      caller,
				Callee:      sym,
				Location:    Location{File: filepath.ToSlash(rel), Line: int(pos.Row), Col: int(pos.Column)},
				Approximate: true,
				Declaring: &Construct{
					Kind:        def.Kind,
					Params:      def.Params,
					Parent:      def.Parent,
					ParentKind:  def.ParentKind,
					Language:    tree.Lang,
					File:        filepath.ToSlash(rel),
					Line:        def.Line,
					Annotations: def.Annotations,
					Modifiers:   def.Modifiers,
				},
			}
			mu.Lock()
			sites = append(sites, site)
			mu.Unlock()
		}
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(sites, compareSites)
	return sites, nil
}

// qualifierMatches rejects Elixir remote calls through an alias that
// cannot name the target's module, such as Repo.get/2 when tracing
// Pages.get/2. Other qualifiers are receivers or import aliases and are
// accepted.
func qualifierMatches(tree *syntax.Tree, call *sitter.Node, sym Symbol) bool {
	if tree.Lang != "elixir" {
		return true
	}
	q := tree.CalleeQualifier(call)
	if q == "" || !unicode.IsUpper([]rune(q)[0]) {
		return true
	}
	return lastSegment(sym.Module()) == lastSegment(q)
}

func lastSegment(s string) string {
	if i := strings.LastIndex(s, "."); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ResolveSymbol lists the definitions name denotes. A bare short name
// matches definitions with that name anywhere; a qualified name must match
// exactly. Unknown names yield a *NotFoundError with same-named
// definitions as suggestions.
func (o *TextOracle) ResolveSymbol(ctx context.Context, name string) ([]Symbol, error) {
	want, err := ParseSymbol(name)
	if err != nil {
		return nil, err
	}
	short := want.Short()
	re, err := namePattern(short)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var found, similar []Symbol
	err = o.scan(ctx, re, func(rel string, tree *syntax.Tree) {
		for _, def := range tree.Definitions(syntax.ModuleFromPath(rel)) {
			if def.Name != short {
				continue
			}
			sym := Symbol{Name: def.Qualified, Arity: def.Arity}
			exact := (def.Qualified == want.Name || want.Module() == "") &&
				(want.Arity == AnyArity || def.Arity == want.Arity)
			mu.Lock()
			if exact {
				found = appendUnique(found, sym)
			} else {
				similar = appendUnique(similar, sym)
			}
			mu.Unlock()
		}
	})
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		slices.SortFunc(found, Symbol.Compare)
		return found, nil
	}
	slices.SortFunc(similar, Symbol.Compare)
	if len(similar) > maxSuggestions {
		similar = similar[:maxSuggestions]
	}
	return nil, &NotFoundError{Name: want.String(), Suggestions: similar}
}

func appendUnique(syms []Symbol, s Symbol) []Symbol {
	if slices.Contains(syms, s) {
		return syms
	}
	return append(syms, s)
}
