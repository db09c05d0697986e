package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/jward/calltrace"
	"github.com/spf13/cobra"
)

var (
	flagDB      string
	flagFormat  string
	flagConfig  string
	flagVerbose int
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

var (
	cfg    *Config
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
)

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		}
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "calltrace",
	Short: "Trace the callers of a function back to its entry points",
	Long: "Calltrace walks the call graph upward from a function, groups every caller chain " +
		"by the kind of entry point it reaches (HTTP, event, worker, process) and prints one tree per category.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := calltrace.ParseFormat(flagFormat); err != nil {
			return err
		}
		logger = newLogger(cmd.ErrOrStderr(), flagVerbose)
		slog.SetDefault(logger)

		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("working directory: %w", err)
		}
		loaded, path, err := LoadConfig(flagConfig, wd)
		if err != nil {
			return err
		}
		cfg = loaded
		if path != "" {
			logger.Debug("config.loaded", "path", path)
		}
		return nil
	},
	// No Run; prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "index database path (default: .calltrace/index.db relative to repo root)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "text", "output format: text|json|yaml")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: .calltrace/config.yaml found from the working directory up)")
	rootCmd.PersistentFlags().CountVarP(&flagVerbose, "verbose", "v", "log more (-v info, -vv debug)")

	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the calltrace version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "calltrace %s\n", version)
	},
}

// newLogger returns a text logger on w. Warnings and errors are always
// shown; each -v lowers the threshold one level.
func newLogger(w io.Writer, verbose int) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case verbose >= 2:
		level = slog.LevelDebug
	case verbose == 1:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// findRepoRoot walks up from startDir looking for a .git directory.
// Returns the directory containing .git, or startDir if not found.
func findRepoRoot(startDir string) string {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return startDir
		}
		dir = parent
	}
}

// resolveDBPath returns the index path from the --db flag, the config file
// or the default, in that order. Relative paths are taken from repoRoot.
func resolveDBPath(repoRoot string) string {
	p := flagDB
	if p == "" && cfg != nil {
		p = cfg.Index.DB
	}
	if p == "" {
		return filepath.Join(repoRoot, configDirName, "index.db")
	}
	return repoPath(repoRoot, p)
}

// repoPath anchors a relative path at repoRoot.
func repoPath(repoRoot, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(repoRoot, p)
}

// workingRepoRoot returns the repository containing the working directory.
func workingRepoRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	return findRepoRoot(wd), nil
}
