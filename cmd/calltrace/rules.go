package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jward/calltrace"
	"github.com/spf13/cobra"
)

var (
	flagRulesFile   string
	flagCheck       bool
	flagWriteConfig bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print or validate the entry-point rule table",
	Long: "Rules prints the effective entry-point rules in priority order: the file named by --rules " +
		"or rules_file in the config, else the built-in table. The first matching rule decides a construct's category.",
	Args: cobra.NoArgs,
	RunE: runRules,
}

func init() {
	rulesCmd.Flags().StringVar(&flagRulesFile, "rules", "", "rules file (default: rules_file from the config, else built-in rules)")
	rulesCmd.Flags().BoolVar(&flagCheck, "check", false, "only validate the rules")
	rulesCmd.Flags().BoolVar(&flagWriteConfig, "write-config", false, "write the rules to .calltrace/rules.yaml and reference them from the config")
}

func runRules(cmd *cobra.Command, args []string) error {
	repoRoot, err := workingRepoRoot()
	if err != nil {
		return outputError("rules", err)
	}

	path := repoPath(repoRoot, cfg.RulesFile)
	if flagRulesFile != "" {
		if path, err = filepath.Abs(flagRulesFile); err != nil {
			return outputError("rules", err)
		}
	}
	s := traceSettings{RepoRoot: repoRoot, SourceRoot: repoRoot, RulesFile: path}
	classifier, err := newClassifier(s, logger)
	if err != nil {
		return outputError("rules", err)
	}
	rules := classifier.Rules()

	switch {
	case flagCheck:
		source := path
		if source == "" {
			source = "built-in"
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d rules OK (%s)\n", len(rules), source)
		return nil
	case flagWriteConfig:
		written, err := writeRulesConfig(repoRoot, cfg, rules)
		if err != nil {
			return outputError("rules", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", written)
		return nil
	}

	format, _ := calltrace.ParseFormat(flagFormat)
	if err := writeRules(cmd.OutOrStdout(), format, rules); err != nil {
		return outputError("rules", err)
	}
	return nil
}

func writeRules(w io.Writer, format calltrace.Format, rules []calltrace.EntryPointRule) error {
	if format == calltrace.FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(calltrace.RuleSet{Rules: rules})
	}
	data, err := calltrace.MarshalRules(rules)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// writeRulesConfig saves rules to .calltrace/rules.yaml under repoRoot and
// points the repository config at it. An existing rules file is left as is
// and only referenced. It returns the config path.
func writeRulesConfig(repoRoot string, cfg *Config, rules []calltrace.EntryPointRule) (string, error) {
	rel := filepath.Join(configDirName, "rules.yaml")
	rulesPath := filepath.Join(repoRoot, rel)
	if _, err := os.Stat(rulesPath); os.IsNotExist(err) {
		data, err := calltrace.MarshalRules(rules)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(rulesPath), 0o755); err != nil {
			return "", fmt.Errorf("create rules dir: %w", err)
		}
		if err := os.WriteFile(rulesPath, data, 0o644); err != nil {
			return "", fmt.Errorf("write rules: %w", err)
		}
	}

	updated := *cfg
	updated.RulesFile = rel
	configPath := ConfigPath(repoRoot)
	if err := SaveConfig(&updated, configPath); err != nil {
		return "", err
	}
	return configPath, nil
}
