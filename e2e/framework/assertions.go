//go:build e2e

package framework

import (
	"strings"
	"testing"
)

// AssertExitCode asserts the expected exit code.
func AssertExitCode(t *testing.T, r *Result, expected int) {
	t.Helper()
	if r.Err != nil {
		t.Fatalf("Command did not run: %v", r.Err)
	}
	if r.ExitCode != expected {
		t.Errorf("Expected exit code %d, got %d\nStdout: %s\nStderr: %s",
			expected, r.ExitCode, r.Stdout, r.Stderr)
	}
}

// AssertStdoutContains asserts that stdout contains the expected substring.
func AssertStdoutContains(t *testing.T, r *Result, expected string) {
	t.Helper()
	if !strings.Contains(r.Stdout, expected) {
		t.Errorf("Expected stdout to contain %q, but got:\n%s", expected, r.Stdout)
	}
}

// AssertStderrContains asserts that stderr contains the expected substring.
func AssertStderrContains(t *testing.T, r *Result, expected string) {
	t.Helper()
	if !strings.Contains(r.Stderr, expected) {
		t.Errorf("Expected stderr to contain %q, but got:\n%s", expected, r.Stderr)
	}
}

// AssertFileEquals asserts that a project file has exactly the expected content.
func AssertFileEquals(t *testing.T, env *Environment, path, expected string) {
	t.Helper()
	if got := env.ReadFile(path); got != expected {
		t.Errorf("Expected file %s to equal %q, but got:\n%s", path, expected, got)
	}
}

// AssertFileNotExists asserts that a project file does not exist.
func AssertFileNotExists(t *testing.T, env *Environment, path string) {
	t.Helper()
	if env.FileExists(path) {
		t.Errorf("Expected file %s to NOT exist", path)
	}
}
