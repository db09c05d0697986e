package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jward/calltrace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRules_Formats(t *testing.T) {
	t.Parallel()
	rules := calltrace.DefaultRules()

	var yml bytes.Buffer
	require.NoError(t, writeRules(&yml, calltrace.FormatYAML, rules))
	parsed, err := calltrace.LoadRules(&yml)
	require.NoError(t, err)
	assert.Equal(t, rules, parsed)

	var js bytes.Buffer
	require.NoError(t, writeRules(&js, calltrace.FormatJSON, rules))
	var doc struct {
		Rules []struct {
			Category string `json:"category"`
		} `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(js.Bytes(), &doc))
	require.Len(t, doc.Rules, len(rules))
	assert.Equal(t, "http", doc.Rules[0].Category)
}

func TestWriteRulesConfig(t *testing.T) {
	t.Parallel()
	repo := t.TempDir()
	cfg := DefaultConfig()

	configPath, err := writeRulesConfig(repo, cfg, calltrace.DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, ConfigPath(repo), configPath)
	assert.Empty(t, cfg.RulesFile, "caller's config is not modified")

	rules, err := calltrace.LoadRulesFile(filepath.Join(repo, ".calltrace", "rules.yaml"))
	require.NoError(t, err)
	assert.Equal(t, calltrace.DefaultRules(), rules)

	loaded, _, err := LoadConfig(configPath, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(".calltrace", "rules.yaml"), loaded.RulesFile)
}

func TestWriteRulesConfig_KeepsExistingRules(t *testing.T) {
	t.Parallel()
	repo := t.TempDir()
	rulesPath := filepath.Join(repo, ".calltrace", "rules.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(rulesPath), 0o755))
	custom := "rules:\n  - category: process\n    match:\n      names: [loop]\n"
	require.NoError(t, os.WriteFile(rulesPath, []byte(custom), 0o644))

	_, err := writeRulesConfig(repo, DefaultConfig(), calltrace.DefaultRules())
	require.NoError(t, err)

	data, err := os.ReadFile(rulesPath)
	require.NoError(t, err)
	assert.Equal(t, custom, string(data))
}

func TestRulesCommand(t *testing.T) {
	repo := newRepo(t)

	_, stderr, err := executeRoot(t, "rules", "--check")
	require.NoError(t, err)
	assert.Contains(t, stderr, "rules OK (built-in)")
	resetCLI()

	_, _, err = executeRoot(t, "rules", "--write-config")
	require.NoError(t, err)
	resetCLI()

	// The written config now names the rules file.
	_, stderr, err = executeRoot(t, "rules", "--check")
	require.NoError(t, err)
	assert.Contains(t, stderr, filepath.Join(repo, ".calltrace", "rules.yaml"))
	resetCLI()

	stdout, _, err := executeRoot(t, "rules", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "category: http")
}

func TestRulesCommand_InvalidFile(t *testing.T) {
	repo := newRepo(t)
	bad := filepath.Join(repo, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules:\n  - category: internal\n"), 0o644))

	_, _, err := executeRoot(t, "rules", "--check", "--rules", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rules[0]")
}
