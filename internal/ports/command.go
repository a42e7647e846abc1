package ports

import (
	"context"
	"io"
)

// CommandResult represents the result of executing a local command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success returns true if the command exited with code 0.
func (r CommandResult) Success() bool {
	return r.ExitCode == 0
}

// CommandRunner executes commands on the machine converge runs on. A
// non-zero exit is reported through CommandResult, not as an error; the
// error is reserved for commands that could not be started or were
// cancelled.
type CommandRunner interface {
	Run(ctx context.Context, command string, args ...string) (CommandResult, error)
	RunWithInput(ctx context.Context, stdin io.Reader, command string, args ...string) (CommandResult, error)
}
