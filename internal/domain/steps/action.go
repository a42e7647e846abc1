// Package steps holds the closed set of state primitives a playbook step
// can ensure: user, package, file, hostname and timezone. Every variant
// probes the target's current state and applies only what differs, which
// makes re-running a step safe.
package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/converge/internal/domain/facts"
	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport"
)

// Kind names a step variant.
type Kind string

const (
	KindUser     Kind = "user"
	KindPackage  Kind = "package"
	KindFile     Kind = "file"
	KindHostname Kind = "hostname"
	KindTimezone Kind = "timezone"
)

// Kinds lists every variant in declaration order.
var Kinds = []Kind{KindUser, KindPackage, KindFile, KindHostname, KindTimezone}

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// Env is what an action may consult about its target besides the
// connection.
type Env struct {
	Facts facts.Facts
}

// State is the outcome of a probe.
type State struct {
	// Satisfied is true when the target already has the desired state.
	Satisfied bool
	// Diff describes what an apply would change.
	Diff Diff
}

// Action is one step variant. The set is sealed: only this package can
// add variants.
type Action interface {
	// Kind returns the variant.
	Kind() Kind
	// Describe returns a short description of the desired state.
	Describe() string
	// Probe reads the target's current state and compares it to the
	// desired state. It never changes the target.
	Probe(ctx context.Context, conn transport.Connection, env Env) (State, error)
	// Apply moves the target towards the desired state.
	Apply(ctx context.Context, conn transport.Connection, env Env) error
	// Validate checks the desired state after templates are rendered.
	Validate() error

	sealed()
}

// Result is the outcome of Ensure.
type Result struct {
	Changed bool
	Diff    Diff
}

// Ensure drives action to its desired state: probe, and when the state
// differs, apply and probe again. In check mode it stops after the first
// probe and reports what would change. Transport failures come back as
// ConnectionErrors; everything else that prevents convergence is a
// StepError.
func Ensure(ctx context.Context, action Action, conn transport.Connection, env Env, check bool) (Result, error) {
	state, err := action.Probe(ctx, conn, env)
	if err != nil {
		return Result{}, classify(err, fault.ErrCodeProbe, "probe failed")
	}
	if state.Satisfied {
		return Result{Diff: state.Diff}, nil
	}
	if check {
		return Result{Changed: true, Diff: state.Diff}, nil
	}

	if err := action.Apply(ctx, conn, env); err != nil {
		return Result{Diff: state.Diff}, classify(err, fault.ErrCodeApply, "apply failed")
	}

	after, err := action.Probe(ctx, conn, env)
	if err != nil {
		return Result{Diff: state.Diff}, classify(err, fault.ErrCodeProbe, "probe after apply failed")
	}
	if !after.Satisfied {
		return Result{Diff: state.Diff}, fault.StepError(fault.ErrCodeNotConverged,
			fmt.Sprintf("%s did not reach the desired state", action.Describe()), nil)
	}
	return Result{Changed: true, Diff: state.Diff}, nil
}

func classify(err error, code, msg string) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.StepError(code, msg, err)
}

// run executes cmd and turns a non-zero exit into an error carrying the
// command's stderr.
func run(ctx context.Context, conn transport.Connection, cmd string) (*transport.CommandResult, error) {
	result, err := conn.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		return result, commandFailed(cmd, result)
	}
	return result, nil
}

func commandFailed(cmd string, result *transport.CommandResult) error {
	out := string(result.Stderr)
	if out == "" {
		out = string(result.Stdout)
	}
	return fmt.Errorf("%s: exit %d: %s", firstWord(cmd), result.ExitCode, trimOutput(out))
}

func firstWord(cmd string) string {
	for i, r := range cmd {
		if r == ' ' {
			return cmd[:i]
		}
	}
	return cmd
}

func trimOutput(s string) string {
	const max = 512
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
