package execution

import (
	"context"
	"errors"
	"time"

	"github.com/felixgeelhaar/converge/internal/domain/facts"
	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport"
	"github.com/felixgeelhaar/converge/internal/domain/playbook"
	"github.com/felixgeelhaar/converge/internal/domain/steps"
	"github.com/felixgeelhaar/converge/internal/ports"
)

// executeOnHost runs every step of pb on one target over a single
// connection. A connection error ends the sequence; any other failure is
// recorded and the next step runs.
func (e *FleetExecutor) executeOnHost(ctx context.Context, pb *playbook.Playbook, job Job) *HostResult {
	host := job.Host
	hr := &HostResult{
		HostID:    host.ID(),
		Hostname:  host.Address().Hostname,
		StartTime: time.Now(),
		Outcomes:  make([]Outcome, 0, len(pb.Steps)),
	}
	defer func() { hr.EndTime = time.Now() }()

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	conn, err := e.transport.Connect(ctx, host)
	if err != nil {
		hr.Status = HostStatusUnreachable
		hr.Error = asConnectionError(host.ID().String(), err)
		warn(ctx, "target unreachable", ports.F("target", host.ID()), ports.Err(err))
		return hr
	}
	defer func() { _ = conn.Close() }()
	elevated := transport.Become(conn)

	scope := playbook.Scope{Target: host.ID().String(), Vars: job.Vars}
	if pb.GatherFacts {
		f, err := facts.Gather(ctx, conn)
		if err != nil {
			hr.Status = HostStatusUnreachable
			hr.Error = asConnectionError(host.ID().String(), err)
			warn(ctx, "fact gathering failed", ports.F("target", host.ID()), ports.Err(err))
			return hr
		}
		hr.Facts = &f
		scope.Facts = f
	}
	env := steps.Env{Facts: scope.Facts}

	for _, step := range pb.Steps {
		c := conn
		if step.BecomeFor(pb.Become) {
			c = elevated
		}
		o := e.executeStep(ctx, c, step, scope, env)
		hr.Outcomes = append(hr.Outcomes, o)

		if fault.IsConnection(o.Error) {
			hr.Status = HostStatusUnreachable
			hr.Error = o.Error
			warn(ctx, "connection lost", ports.F("target", host.ID()), ports.F("step", step.Name), ports.Err(o.Error))
			return hr
		}
	}

	hr.Status = HostStatusOK
	if hr.Failed() > 0 {
		hr.Status = HostStatusFailed
	}
	return hr
}

func (e *FleetExecutor) executeStep(ctx context.Context, conn transport.Connection, step playbook.Step, scope playbook.Scope, env steps.Env) Outcome {
	o := Outcome{
		Target:    conn.Host().ID(),
		Step:      step.Name,
		Kind:      step.Kind(),
		CheckMode: e.config.Check,
	}
	start := time.Now()
	defer func() { o.Duration = time.Since(start) }()

	if !step.Applies(scope) {
		o.Status = StatusUnchanged
		o.GuardSkipped = true
		debug(ctx, "guard false", ports.F("target", o.Target), ports.F("step", step.Name))
		return o
	}

	action, err := step.Render(scope)
	if err != nil {
		o.Status = StatusFailed
		o.Error = annotate(err, scope.Target, step.Name)
		return o
	}

	res, err := steps.Ensure(ctx, action, conn, env, e.config.Check)
	if !res.Diff.IsZero() && (res.Changed || err != nil) {
		d := res.Diff
		o.Diff = &d
	}
	switch {
	case err != nil:
		o.Status = StatusFailed
		o.Error = annotate(err, scope.Target, step.Name)
	case res.Changed:
		o.Status = StatusChanged
	default:
		o.Status = StatusUnchanged
	}
	debug(ctx, "step finished", ports.F("target", o.Target), ports.F("step", step.Name), ports.F("status", string(o.Status)))
	return o
}

// annotate attaches the target and step to a coded error.
func annotate(err error, target, step string) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		out := fe
		if out.Target == "" {
			out = out.WithTarget(target)
		}
		if out.Step == "" {
			out = out.WithStep(step)
		}
		return out
	}
	return fault.StepError(fault.ErrCodeApply, err.Error(), err).WithTarget(target).WithStep(step)
}

func asConnectionError(target string, err error) error {
	if fault.IsConnection(err) {
		return err
	}
	return fault.ConnectionError(fault.ErrCodeTransport, target, err)
}
