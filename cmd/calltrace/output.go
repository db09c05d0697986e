package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/jward/calltrace"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// CLIResult is the envelope for structured (json, yaml) command errors.
type CLIResult struct {
	Command     string   `json:"command" yaml:"command"`
	Error       string   `json:"error,omitempty" yaml:"error,omitempty"`
	Suggestions []string `json:"suggestions,omitempty" yaml:"suggestions,omitempty"`
}

// outputError reports err in the selected format and marks it handled.
// Text goes to stderr; json and yaml envelopes go to stdout so scripts
// reading stdout always get a parseable document.
func outputError(command string, err error) error {
	errorHandled = true
	return writeError(os.Stdout, os.Stderr, flagFormat, command, err)
}

func writeError(stdout, stderr io.Writer, format, command string, err error) error {
	f, _ := calltrace.ParseFormat(format)
	if f == calltrace.FormatText {
		fmt.Fprintf(stderr, "%s %s\n", color.RedString("Error:"), err)
		return err
	}

	result := CLIResult{
		Command:     command,
		Error:       err.Error(),
		Suggestions: suggestions(err),
	}
	if f == calltrace.FormatYAML {
		enc := yaml.NewEncoder(stdout)
		_ = enc.Encode(result)
		_ = enc.Close()
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	return err
}

// suggestions lists the alternative symbols carried by a resolution error.
func suggestions(err error) []string {
	var syms []calltrace.Symbol
	var nf *calltrace.NotFoundError
	var amb *calltrace.AmbiguousSymbolError
	switch {
	case errors.As(err, &nf):
		syms = nf.Suggestions
	case errors.As(err, &amb):
		syms = amb.Candidates
	}
	if len(syms) == 0 {
		return nil
	}
	out := make([]string, len(syms))
	for i, s := range syms {
		out[i] = s.String()
	}
	return out
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// useColor reports whether text written to w should carry ANSI colors.
// NO_COLOR and non-terminal outputs disable them.
func useColor(w io.Writer) bool {
	return !color.NoColor && isTerminal(w)
}
