// Package command runs commands on the local machine through os/exec.
package command

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"

	"github.com/felixgeelhaar/converge/internal/ports"
)

// RealRunner executes actual commands.
type RealRunner struct {
	// Env, when non-nil, replaces the environment of every command.
	Env []string
}

// NewRealRunner creates a new RealRunner.
func NewRealRunner() *RealRunner {
	return &RealRunner{}
}

// Run executes a command and returns the result.
func (r *RealRunner) Run(ctx context.Context, command string, args ...string) (ports.CommandResult, error) {
	return r.RunWithInput(ctx, nil, command, args...)
}

// RunWithInput executes a command with stdin attached.
func (r *RealRunner) RunWithInput(ctx context.Context, stdin io.Reader, command string, args ...string) (ports.CommandResult, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	if r.Env != nil {
		cmd.Env = r.Env
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := ports.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}

	return result, nil
}

var _ ports.CommandRunner = (*RealRunner)(nil)
