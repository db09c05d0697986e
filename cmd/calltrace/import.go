package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jward/calltrace/internal/store"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <graph.yaml>",
	Short: "Load a call graph document into the index",
	Long: "Import reads a call graph document (files, symbols with their parameters and annotations, " +
		"and call edges) produced by a language indexer and replaces the SQLite index used by trace.",
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	start := time.Now()

	repoRoot, err := workingRepoRoot()
	if err != nil {
		return outputError("import", err)
	}
	dbPath := resolveDBPath(repoRoot)
	stats, err := importGraph(cmd.Context(), args[0], dbPath)
	if err != nil {
		return outputError("import", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Imported %d files, %d symbols, %d calls in %s\n",
		stats.Files, stats.Symbols, stats.Calls, time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(cmd.ErrOrStderr(), "Database: %s\n", dbPath)
	return nil
}

// importGraph replaces the index at dbPath with the document at graphPath.
// The index is built in a sibling file and renamed into place, so a
// running server never observes a half-written database.
func importGraph(ctx context.Context, graphPath, dbPath string) (store.ImportStats, error) {
	var stats store.ImportStats

	g, err := store.LoadGraphFile(graphPath)
	if err != nil {
		return stats, err
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return stats, fmt.Errorf("creating %s: %w", dir, err)
	}

	tmpPath := dbPath + ".importing"
	if err := removeDB(tmpPath); err != nil {
		return stats, err
	}

	s, err := store.NewStore(tmpPath)
	if err != nil {
		return stats, err
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return stats, fmt.Errorf("migrating index: %w", err)
	}
	stats, err = s.ImportGraph(ctx, g)
	if cerr := s.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing index: %w", cerr)
	}
	if err != nil {
		removeDB(tmpPath)
		return stats, err
	}

	if err := removeDB(dbPath); err != nil {
		return stats, err
	}
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return stats, fmt.Errorf("installing index: %w", err)
	}
	logger.Info("import.done", "graph", graphPath, "db", dbPath, "snapshot", g.Snapshot)
	return stats, nil
}

// removeDB deletes a SQLite database and its WAL side files.
func removeDB(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}
