// Package transport carries commands to targets. A Transport opens one
// Connection per target; the executor owns that connection for the
// lifetime of the target's run and closes it when the target finishes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet"
)

// CommandResult holds the result of a remote command execution.
type CommandResult struct {
	// ExitCode is the command's exit code.
	ExitCode int
	// Stdout is the standard output.
	Stdout []byte
	// Stderr is the standard error output.
	Stderr []byte
	// Duration is how long the command took.
	Duration time.Duration
}

// Success returns true if the command exited with code 0.
func (r *CommandResult) Success() bool {
	return r.ExitCode == 0
}

// CombinedOutput returns stdout and stderr combined.
func (r *CommandResult) CombinedOutput() []byte {
	result := make([]byte, 0, len(r.Stdout)+len(r.Stderr))
	result = append(result, r.Stdout...)
	result = append(result, r.Stderr...)
	return result
}

// Output returns trimmed stdout as a string.
func (r *CommandResult) Output() string {
	return strings.TrimSpace(string(r.Stdout))
}

// Connection represents an open channel to one target. A non-zero exit is
// reported in the CommandResult; a returned error means the target could
// not be reached and is always a fault.ConnectionError.
type Connection interface {
	// Host returns the connected host.
	Host() *fleet.Host

	// Run executes a shell command and returns the result.
	Run(ctx context.Context, cmd string) (*CommandResult, error)

	// RunWithInput executes a shell command with stdin attached.
	RunWithInput(ctx context.Context, cmd string, stdin io.Reader) (*CommandResult, error)

	// Close closes the connection.
	Close() error
}

// Transport opens connections to hosts.
type Transport interface {
	// Name returns the transport name ("ssh", "local").
	Name() string

	// Connect establishes a connection to a host.
	Connect(ctx context.Context, host *fleet.Host) (Connection, error)

	// Ping tests connectivity to a host.
	Ping(ctx context.Context, host *fleet.Host) error
}

// Mux dispatches to a transport by the host's connection setting, falling
// back to a default for hosts that name none.
type Mux struct {
	transports map[string]Transport
	fallback   string
}

// NewMux creates a Mux with the named default transport and the given
// transports registered by name.
func NewMux(fallback string, transports ...Transport) *Mux {
	m := &Mux{transports: make(map[string]Transport, len(transports)), fallback: fallback}
	for _, t := range transports {
		m.transports[t.Name()] = t
	}
	return m
}

// Name returns the default transport's name.
func (m *Mux) Name() string {
	return m.fallback
}

// Connect opens a connection with the transport selected for host.
func (m *Mux) Connect(ctx context.Context, host *fleet.Host) (Connection, error) {
	t, err := m.For(host)
	if err != nil {
		return nil, err
	}
	return t.Connect(ctx, host)
}

// Ping pings host with the transport selected for it.
func (m *Mux) Ping(ctx context.Context, host *fleet.Host) error {
	t, err := m.For(host)
	if err != nil {
		return err
	}
	return t.Ping(ctx, host)
}

// For returns the transport that serves host.
func (m *Mux) For(host *fleet.Host) (Transport, error) {
	name := host.Address().Connection
	if name == "" {
		name = m.fallback
	}
	t, ok := m.transports[name]
	if !ok {
		return nil, fault.ConfigError(fault.ErrCodeInvalidConfig,
			fmt.Sprintf("host %s uses unknown transport %q", host.ID(), name), nil)
	}
	return t, nil
}

// Unreachable wraps a transport-level failure for a target. Context errors
// become timeouts; errors that already carry a fault kind pass through.
func Unreachable(host *fleet.Host, code string, err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		code = fault.ErrCodeTimeout
	}
	return fault.ConnectionError(code, host.ID().String(), err)
}

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@+,%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
