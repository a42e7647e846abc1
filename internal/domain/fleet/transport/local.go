package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/felixgeelhaar/converge/internal/adapters/command"
	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"github.com/felixgeelhaar/converge/internal/ports"
)

// LocalTransport runs commands on the machine converge itself runs on.
type LocalTransport struct {
	runner ports.CommandRunner
	shell  string
}

// LocalOption configures a LocalTransport.
type LocalOption func(*LocalTransport)

// WithRunner replaces the command runner.
func WithRunner(runner ports.CommandRunner) LocalOption {
	return func(t *LocalTransport) {
		t.runner = runner
	}
}

// WithShell sets the shell used to interpret commands (default "sh").
func WithShell(shell string) LocalOption {
	return func(t *LocalTransport) {
		t.shell = shell
	}
}

// NewLocalTransport creates a new local transport.
func NewLocalTransport(opts ...LocalOption) *LocalTransport {
	t := &LocalTransport{runner: command.NewRealRunner(), shell: "sh"}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns "local".
func (t *LocalTransport) Name() string {
	return "local"
}

// Connect returns a local connection.
func (t *LocalTransport) Connect(ctx context.Context, host *fleet.Host) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unreachable(host, fault.ErrCodeConnect, err)
	}
	return &LocalConnection{host: host, runner: t.runner, shell: t.shell}, nil
}

// Ping verifies that the local shell can run commands.
func (t *LocalTransport) Ping(ctx context.Context, host *fleet.Host) error {
	conn, err := t.Connect(ctx, host)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	result, err := conn.Run(ctx, "true")
	if err != nil {
		return err
	}
	if !result.Success() {
		return Unreachable(host, fault.ErrCodeConnect,
			fmt.Errorf("ping command failed with exit code %d", result.ExitCode))
	}
	return nil
}

// LocalConnection implements Connection for local execution.
type LocalConnection struct {
	host   *fleet.Host
	runner ports.CommandRunner
	shell  string
}

// Host returns the host.
func (c *LocalConnection) Host() *fleet.Host {
	return c.host
}

// Run executes a command locally.
func (c *LocalConnection) Run(ctx context.Context, cmd string) (*CommandResult, error) {
	return c.RunWithInput(ctx, cmd, nil)
}

// RunWithInput executes a command with stdin.
func (c *LocalConnection) RunWithInput(ctx context.Context, cmd string, stdin io.Reader) (*CommandResult, error) {
	start := time.Now()

	out, err := c.runner.RunWithInput(ctx, stdin, c.shell, "-c", cmd)
	if err != nil {
		return nil, Unreachable(c.host, fault.ErrCodeTransport, err)
	}

	return &CommandResult{
		ExitCode: out.ExitCode,
		Stdout:   []byte(out.Stdout),
		Stderr:   []byte(out.Stderr),
		Duration: time.Since(start),
	}, nil
}

// Close is a no-op for local connections.
func (c *LocalConnection) Close() error {
	return nil
}
