package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// The "-h" (help) flag should cause cli.Parse to return `shouldExit=true`.
	args := []string{"-h"}
	out := &bytes.Buffer{}

	// --- Act ---
	// The run function should see `shouldExit=true` and return a nil error.
	err := run(out, args)

	// --- Assert ---
	require.NoError(t, err, "run() should return a nil error when shouldExit is true")
	require.Contains(t, out.String(), "Usage:", "Expected help text to be printed to the output buffer")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// Providing an unknown flag will cause cli.Parse to return an error.
	args := []string{"--this-is-not-a-valid-flag"}
	out := &bytes.Buffer{}

	// --- Act ---
	// The run function should propagate the error from cli.Parse.
	err := run(out, args)

	// --- Assert ---
	require.Error(t, err, "run() should return an error when argument parsing fails")
	require.Contains(t, err.Error(), "flag provided but not defined: -this-is-not-a-valid-flag")
}

func TestRun_MissingIntake(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// A pipeline path without -intake is a usage error with exit code 2.
	args := []string{"pipeline.hcl"}
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(out, args)

	// --- Assert ---
	require.Error(t, err)
	require.Contains(t, err.Error(), "-intake flag is required")
}

func TestRun_InvalidPipeline(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// An HCL file with a syntax error fails during app construction.
	invalidHCL := `
		step "parse_notice" {
	// Missing closing brace here
`
	tempDir := t.TempDir()
	pipelinePath := filepath.Join(tempDir, "pipeline.hcl")
	require.NoError(t, os.WriteFile(pipelinePath, []byte(invalidHCL), 0600))
	intakePath := filepath.Join(tempDir, "intake.yaml")
	require.NoError(t, os.WriteFile(intakePath, []byte("suite_type: GARDEN\nnotice_text: x\n"), 0600))

	args := []string{"-intake", intakePath, "-log-level", "error", pipelinePath}
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(out, args)

	// --- Assert ---
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to load pipeline configuration")
}
