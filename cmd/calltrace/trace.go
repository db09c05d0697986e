package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jward/calltrace"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	flagOut    string
	flagStrict bool
	flagQuiet  bool
)

var traceCmd = &cobra.Command{
	Use:   "trace <symbol>",
	Short: "Print the caller trees of a function, grouped by entry-point category",
	Long: "Trace resolves <symbol> (Module.function/arity; the arity may be omitted when unambiguous), " +
		"walks its callers up to --max-depth and prints one tree per entry-point category. " +
		"The SQLite index is used when present, otherwise a textual search of the source tree.",
	Example: "  calltrace trace Storyarn.Pages.get_page/2\n  calltrace trace --format yaml --out trace.yaml App.Accounts.get_user",
	Args:    cobra.ExactArgs(1),
	RunE:    runTrace,
}

func init() {
	addTraceFlags(traceCmd.Flags())
	traceCmd.Flags().StringVar(&flagOut, "out", "", "write the report to a file instead of stdout")
	traceCmd.Flags().BoolVar(&flagStrict, "strict", false, "exit with status 2 when the report is partial")
	traceCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "no progress spinner")
}

// addTraceFlags defines the tracer tuning flags shared by trace and serve.
// Their values are read back through resolveTraceSettings so that only
// flags given on the command line override the config file.
func addTraceFlags(fs *pflag.FlagSet) {
	fs.Int("max-depth", calltrace.DefaultMaxDepth, "maximum caller depth")
	fs.Duration("timeout", calltrace.DefaultTimeout, "deadline for the whole trace (0 disables)")
	fs.Duration("query-timeout", calltrace.DefaultQueryTimeout, "deadline for each caller query (0 disables)")
	fs.String("rules", "", "entry-point rules file (YAML)")
	fs.Bool("no-fallback", false, "fail instead of searching source text when the index is unavailable")
	fs.String("root", "", "source root for call-site files and the textual fallback (default: repo root)")
}

// traceSettings is the effective tracer configuration after merging the
// config file, the environment and flags.
type traceSettings struct {
	RepoRoot     string
	DBPath       string
	SourceRoot   string
	RulesFile    string
	MaxDepth     int
	Timeout      time.Duration
	QueryTimeout time.Duration
	Fallback     bool
}

func resolveTraceSettings(fs *pflag.FlagSet, cfg *Config, repoRoot, dbPath string) (traceSettings, error) {
	s := traceSettings{
		RepoRoot:     repoRoot,
		DBPath:       dbPath,
		SourceRoot:   repoPath(repoRoot, cfg.Index.SourceRoot),
		RulesFile:    repoPath(repoRoot, cfg.RulesFile),
		MaxDepth:     cfg.Trace.MaxDepth,
		Timeout:      cfg.Trace.Timeout,
		QueryTimeout: cfg.Trace.QueryTimeout,
		Fallback:     cfg.FallbackEnabled(),
	}
	if s.SourceRoot == "" {
		s.SourceRoot = repoRoot
	}

	var err error
	if fs.Changed("max-depth") {
		if s.MaxDepth, err = fs.GetInt("max-depth"); err != nil {
			return s, err
		}
	}
	if fs.Changed("timeout") {
		if s.Timeout, err = fs.GetDuration("timeout"); err != nil {
			return s, err
		}
	}
	if fs.Changed("query-timeout") {
		if s.QueryTimeout, err = fs.GetDuration("query-timeout"); err != nil {
			return s, err
		}
	}
	if fs.Changed("no-fallback") {
		noFallback, err := fs.GetBool("no-fallback")
		if err != nil {
			return s, err
		}
		s.Fallback = !noFallback
	}
	if fs.Changed("root") {
		root, _ := fs.GetString("root")
		if s.SourceRoot, err = filepath.Abs(root); err != nil {
			return s, fmt.Errorf("resolving --root: %w", err)
		}
	}
	if fs.Changed("rules") {
		rules, _ := fs.GetString("rules")
		if s.RulesFile, err = filepath.Abs(rules); err != nil {
			return s, fmt.Errorf("resolving --rules: %w", err)
		}
	}

	if s.MaxDepth < 1 {
		return s, fmt.Errorf("max depth must be at least 1, got %d", s.MaxDepth)
	}
	return s, nil
}

// newClassifier compiles the rules file named by s, or the default rules.
func newClassifier(s traceSettings, logger *slog.Logger) (*calltrace.Classifier, error) {
	rules := calltrace.DefaultRules()
	var dir string
	if s.RulesFile != "" {
		var err error
		if rules, err = calltrace.LoadRulesFile(s.RulesFile); err != nil {
			return nil, err
		}
		dir = filepath.Dir(s.RulesFile)
	}
	c, err := calltrace.NewClassifier(rules,
		calltrace.WithRulesDir(dir),
		calltrace.WithProjectRoot(s.SourceRoot),
		calltrace.WithClassifierLogger(logger))
	if err != nil {
		if s.RulesFile != "" {
			return nil, fmt.Errorf("%s: %w", s.RulesFile, err)
		}
		return nil, err
	}
	return c, nil
}

// tracerOptions are the options every tracer built from s shares.
// fallback may be nil, in which case none is configured.
func tracerOptions(s traceSettings, c *calltrace.Classifier, fallback calltrace.CallerOracle, logger *slog.Logger) []calltrace.Option {
	opts := []calltrace.Option{
		calltrace.WithClassifier(c),
		calltrace.WithMaxDepth(s.MaxDepth),
		calltrace.WithTimeout(s.Timeout),
		calltrace.WithQueryTimeout(s.QueryTimeout),
		calltrace.WithExtractor(calltrace.NewExtractor(s.SourceRoot)),
		calltrace.WithLogger(logger),
	}
	if fallback != nil {
		opts = append(opts, calltrace.WithFallback(fallback))
	}
	return opts
}

// textFallback returns the textual oracle for s, or nil when disabled.
func textFallback(s traceSettings, logger *slog.Logger) calltrace.CallerOracle {
	if !s.Fallback {
		return nil
	}
	return calltrace.NewTextOracle(s.SourceRoot, logger)
}

func runTrace(cmd *cobra.Command, args []string) error {
	format, _ := calltrace.ParseFormat(flagFormat)

	repoRoot, err := workingRepoRoot()
	if err != nil {
		return outputError("trace", err)
	}
	s, err := resolveTraceSettings(cmd.Flags(), cfg, repoRoot, resolveDBPath(repoRoot))
	if err != nil {
		return outputError("trace", err)
	}
	classifier, err := newClassifier(s, logger)
	if err != nil {
		return outputError("trace", err)
	}

	index := calltrace.NewIndexOracle(s.DBPath, logger)
	defer index.Close()

	progress := newProgressReporter(cmd.ErrOrStderr(), flagQuiet)
	opts := append(tracerOptions(s, classifier, textFallback(s, logger), logger), progress.Option())
	tracer, err := calltrace.New(index, opts...)
	if err != nil {
		return outputError("trace", err)
	}

	logger.Info("trace.start", "target", args[0], "db", s.DBPath, "source_root", s.SourceRoot, "max_depth", s.MaxDepth)
	rep, err := tracer.Trace(cmd.Context(), args[0])
	progress.Finish()
	if err != nil {
		return outputError("trace", err)
	}

	if flagOut != "" {
		if err := calltrace.WriteReportFile(flagOut, format, rep); err != nil {
			return outputError("trace", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", flagOut)
	} else {
		stdout := cmd.OutOrStdout()
		opts := calltrace.RenderOptions{Color: useColor(stdout), Tips: true}
		if err := calltrace.Render(stdout, rep, format, opts); err != nil {
			return outputError("trace", err)
		}
	}

	if rep.Partial {
		logger.Warn("trace.partial", "target", rep.Target.String(), "cancelled", len(rep.Summary.Cancelled))
		if flagStrict {
			return &exitError{code: 2, err: rep.Err()}
		}
	}
	return nil
}
