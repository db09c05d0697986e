package runtime

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/risor-io/risor/object"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/calltrace/internal/syntax"
)

// makeReadFileFn creates the "read_file" host function. Paths are relative
// to the project root and may not escape it.
//
// read_file(path) → string
func makeReadFileFn(root string) *object.Builtin {
	return object.NewBuiltin("read_file", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("read_file", 1, len(args))
		}

		pathStr, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("read_file: path must be a string, got %s", args[0].Type())
		}
		if root == "" {
			return object.Errorf("read_file: no project root configured")
		}

		rel := filepath.ToSlash(filepath.Clean(pathStr.Value()))
		if !fs.ValidPath(rel) {
			return object.Errorf("read_file: %s is outside the project", pathStr.Value())
		}
		data, err := fs.ReadFile(os.DirFS(root), rel)
		if err != nil {
			return object.Errorf("read_file: reading %s: %v", rel, err)
		}
		return object.NewString(string(data))
	})
}

// patternCache keeps compiled regular expressions across evaluations;
// rule predicates run once per candidate construct.
type patternCache struct {
	mu sync.Mutex
	re map[string]*regexp.Regexp
}

func newPatternCache() *patternCache {
	return &patternCache{re: make(map[string]*regexp.Regexp)}
}

func (c *patternCache) compile(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.re[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.re[pattern] = re
	return re, nil
}

// makeMatchesFn creates the "matches" host function.
//
// matches(pattern, text) → bool
func makeMatchesFn(cache *patternCache) *object.Builtin {
	return object.NewBuiltin("matches", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("matches", 2, len(args))
		}

		patternStr, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("matches: pattern must be a string, got %s", args[0].Type())
		}
		textStr, ok := args[1].(*object.String)
		if !ok {
			return object.Errorf("matches: text must be a string, got %s", args[1].Type())
		}

		re, err := cache.compile(patternStr.Value())
		if err != nil {
			return object.Errorf("matches: invalid pattern: %v", err)
		}
		return object.NewBool(re.MatchString(textStr.Value()))
	})
}

// makeQueryFn creates the "query" host function over the source of the
// construct being classified.
//
// query(pattern) → []map[string]string
//
// Each map has capture names as keys and captured source text as values.
func makeQueryFn(lang string, src []byte) *object.Builtin {
	return object.NewBuiltin("query", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("query", 1, len(args))
		}

		patternStr, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("query: pattern must be a string, got %s", args[0].Type())
		}
		if lang == "" || src == nil {
			return object.NewList([]object.Object{})
		}

		grammar, found := syntax.GrammarForLanguage(lang)
		if !found {
			return object.Errorf("query: unsupported language %q", lang)
		}

		tree, err := syntax.Parse(ctx, lang, src)
		if err != nil {
			return object.Errorf("query: %v", err)
		}
		defer tree.Close()

		q, err := sitter.NewQuery([]byte(patternStr.Value()), grammar)
		if err != nil {
			return object.Errorf("query: invalid pattern: %v", err)
		}
		defer q.Close()

		cursor := sitter.NewQueryCursor()
		defer cursor.Close()
		cursor.Exec(q, tree.Root())

		results := []object.Object{}
		for {
			match, ok := cursor.NextMatch()
			if !ok {
				break
			}
			match = cursor.FilterPredicates(match, src)

			matchMap := make(map[string]object.Object)
			for _, capture := range match.Captures {
				name := q.CaptureNameForId(capture.Index)
				matchMap[name] = object.NewString(tree.Text(capture.Node))
			}
			results = append(results, object.NewMap(matchMap))
		}
		return object.NewList(results)
	})
}

// logObject provides log.info/warn/error methods for Risor scripts.
type logObject struct {
	logger *slog.Logger
}

func (l *logObject) Info(msg string) {
	l.logger.Info("rule.script", "msg", msg)
}

func (l *logObject) Warn(msg string) {
	l.logger.Warn("rule.script", "msg", msg)
}

func (l *logObject) Error(msg string) {
	l.logger.Error("rule.script", "msg", msg)
}
