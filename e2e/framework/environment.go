//go:build e2e

// Package framework provides the E2E test infrastructure for converge: it
// builds the binary once and runs it against throwaway project directories
// with the local transport.
package framework

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

// Environment is an isolated project directory holding inventories,
// playbooks and the files runs converge.
type Environment struct {
	t          *testing.T
	rootDir    string
	binaryPath string
}

var (
	buildOnce  sync.Once
	binaryPath string
	buildErr   error
)

// findProjectRoot locates the directory holding go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

// buildBinary builds the converge binary once per test run.
func buildBinary(t *testing.T) (string, error) {
	buildOnce.Do(func() {
		root, err := findProjectRoot()
		if err != nil {
			buildErr = err
			return
		}

		binaryPath = filepath.Join(os.TempDir(), "converge-e2e-test")
		cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/converge")
		cmd.Dir = root

		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			buildErr = err
			t.Logf("Build stderr: %s", stderr.String())
		}
	})

	return binaryPath, buildErr
}

// NewEnvironment creates a new isolated project directory.
func NewEnvironment(t *testing.T) *Environment {
	t.Helper()

	binary, err := buildBinary(t)
	if err != nil {
		t.Fatalf("Failed to build binary: %v", err)
	}

	return &Environment{
		t:          t,
		rootDir:    t.TempDir(),
		binaryPath: binary,
	}
}

// RootDir returns the project directory. Commands run from here.
func (e *Environment) RootDir() string {
	return e.rootDir
}

// BinaryPath returns the path to the built binary.
func (e *Environment) BinaryPath() string {
	return e.binaryPath
}

// Path returns the absolute path of a project-relative path.
func (e *Environment) Path(rel string) string {
	return filepath.Join(e.rootDir, rel)
}

// WriteFile writes content to a project-relative path, creating parents.
func (e *Environment) WriteFile(path, content string) string {
	e.t.Helper()

	fullPath := e.Path(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		e.t.Fatalf("Failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		e.t.Fatalf("Failed to write file %s: %v", fullPath, err)
	}
	return fullPath
}

// FileExists reports whether a project-relative path exists.
func (e *Environment) FileExists(path string) bool {
	_, err := os.Stat(e.Path(path))
	return err == nil
}

// ReadFile reads a project-relative file.
func (e *Environment) ReadFile(path string) string {
	e.t.Helper()

	content, err := os.ReadFile(e.Path(path))
	if err != nil {
		e.t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}
