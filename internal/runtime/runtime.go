package runtime

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"
)

// Runtime embeds a Risor VM for classifier rule predicates. Scripts see
// the facts about one construct as globals, plus host functions for
// reading project files and querying the construct's source.
type Runtime struct {
	root       string
	scriptsDir string
	fsys       fs.FS
	logger     *slog.Logger
	patterns   *patternCache
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeFS configures the Runtime to load scripts from an fs.FS
// instead of from disk. Also configures the Risor importer to use
// FSImporter for import statement resolution.
func WithRuntimeFS(fsys fs.FS) RuntimeOption {
	return func(r *Runtime) {
		r.fsys = fsys
	}
}

// WithScriptsDir sets the directory script paths and imports resolve against.
func WithScriptsDir(dir string) RuntimeOption {
	return func(r *Runtime) {
		r.scriptsDir = dir
	}
}

// WithLogger routes the script-visible log object to logger.
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// NewRuntime creates a Runtime whose read_file host function is confined
// to the project rooted at root.
func NewRuntime(root string, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		root:     root,
		logger:   slog.Default(),
		patterns: newPatternCache(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Input is what a predicate evaluates against.
type Input struct {
	// Globals become script globals; values must be Risor-convertible
	// (strings, numbers, bools, []any, map[string]any).
	Globals map[string]any
	// Language and Source back the query host function. Both may be empty.
	Language string
	Source   []byte
}

// Eval executes Risor source and returns its final value.
func (r *Runtime) Eval(ctx context.Context, source, label string, in Input) (object.Object, error) {
	globals := r.buildGlobals(in)

	var opts []risor.Option
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
	}

	// Wire importer so Risor import statements resolve correctly.
	if imp := r.buildImporter(globals); imp != nil {
		opts = append(opts, risor.WithImporter(imp))
	}

	result, err := risor.Eval(ctx, source, opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: script %s: %w", label, err)
	}
	return result, nil
}

// EvalPredicate executes source and requires a boolean result.
func (r *Runtime) EvalPredicate(ctx context.Context, source, label string, in Input) (bool, error) {
	result, err := r.Eval(ctx, source, label, in)
	if err != nil {
		return false, err
	}
	b, ok := result.(*object.Bool)
	if !ok {
		return false, fmt.Errorf("runtime: script %s: predicate returned %s, want bool", label, result.Type())
	}
	return b.Value(), nil
}

// buildImporter returns a Risor importer configured for the Runtime's script source.
// Returns nil if neither fs.FS nor scriptsDir is configured.
func (r *Runtime) buildImporter(globals map[string]any) importer.Importer {
	globalNames := make([]string, 0, len(globals))
	for name := range globals {
		globalNames = append(globalNames, name)
	}

	if r.fsys != nil {
		return importer.NewFSImporter(importer.FSImporterOptions{
			GlobalNames: globalNames,
			SourceFS:    r.fsys,
			Extensions:  []string{".risor"},
		})
	}
	if r.scriptsDir != "" {
		return importer.NewLocalImporter(importer.LocalImporterOptions{
			GlobalNames: globalNames,
			SourceDir:   r.scriptsDir,
			Extensions:  []string{".risor"},
		})
	}
	return nil
}

// LoadScript reads a .risor file and returns its source code.
// When an fs.FS is configured, uses fs.ReadFile on the embedded filesystem.
// Otherwise, uses os.ReadFile with scriptsDir as the base directory.
func (r *Runtime) LoadScript(path string) (string, error) {
	if r.fsys != nil {
		fsPath := strings.TrimPrefix(filepath.ToSlash(path), "/")
		data, err := fs.ReadFile(r.fsys, fsPath)
		if err != nil {
			return "", fmt.Errorf("runtime: loading script %s from fs: %w", fsPath, err)
		}
		return string(data), nil
	}

	fullPath := path
	if !filepath.IsAbs(path) {
		fullPath = filepath.Join(r.scriptsDir, path)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("runtime: loading script %s: %w", fullPath, err)
	}
	return string(data), nil
}

// buildGlobals constructs the full set of globals exposed to Risor scripts.
func (r *Runtime) buildGlobals(in Input) map[string]any {
	globals := map[string]any{
		"read_file": makeReadFileFn(r.root),
		"matches":   makeMatchesFn(r.patterns),
		"query":     makeQueryFn(in.Language, in.Source),
		"log":       mustProxy(&logObject{logger: r.logger}),
	}
	for k, v := range in.Globals {
		globals[k] = v
	}
	return globals
}

func mustProxy(v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		panic(fmt.Sprintf("runtime: proxy error: %v", err))
	}
	return p
}
