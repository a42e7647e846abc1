// Package app wires converge together: it loads the inventory, the
// playbook and the variable layers, resolves and renders everything up
// front, then runs the executor and builds the report.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/felixgeelhaar/converge/internal/adapters/inventory"
	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/execution"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/targeting"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport"
	"github.com/felixgeelhaar/converge/internal/domain/playbook"
	"github.com/felixgeelhaar/converge/internal/domain/report"
	"github.com/felixgeelhaar/converge/internal/domain/vars"
	"github.com/felixgeelhaar/converge/internal/ports"
)

// Converge is the application orchestrator.
type Converge struct {
	settings  Settings
	transport transport.Transport
	inventory *fleet.Inventory
	invRoot   string
}

// Option configures a Converge.
type Option func(*Converge)

// WithTransport replaces the transport built from the settings.
func WithTransport(t transport.Transport) Option {
	return func(c *Converge) {
		c.transport = t
	}
}

// WithInventory uses inv instead of loading the settings' inventory file.
// root is where group_vars/ and host_vars/ are looked up; empty disables
// them.
func WithInventory(inv *fleet.Inventory, root string) Option {
	return func(c *Converge) {
		c.inventory = inv
		c.invRoot = root
	}
}

// New creates a new Converge application.
func New(settings Settings, opts ...Option) *Converge {
	c := &Converge{settings: settings}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = NewTransport(settings)
	}
	return c
}

// NewTransport builds the transport named by the settings. Hosts that set
// their own connection pick ssh or local regardless of the default.
func NewTransport(s Settings) transport.Transport {
	ssh := transport.NewSSHTransport()
	if s.SSH.ConnectTimeout > 0 {
		ssh.DefaultTimeout = s.SSH.ConnectTimeout
	}
	if s.SSH.HostKeyChecking != nil {
		ssh.HostKeyChecking = *s.SSH.HostKeyChecking
	}
	if len(s.SSH.KnownHosts) > 0 {
		ssh.KnownHostsFiles = s.SSH.KnownHosts
	}
	if len(s.SSH.IdentityFiles) > 0 {
		ssh.IdentityFiles = s.SSH.IdentityFiles
	}
	fallback := s.Transport
	if fallback == "" {
		fallback = ssh.Name()
	}
	return transport.NewMux(fallback, ssh, transport.NewLocalTransport())
}

// Settings returns the settings in use.
func (c *Converge) Settings() Settings {
	return c.settings
}

// Inventory loads the inventory once. Without an inventory file the
// inventory is the local machine.
func (c *Converge) Inventory() (*fleet.Inventory, error) {
	if c.inventory != nil {
		return c.inventory, nil
	}
	if c.settings.Inventory == "" {
		c.inventory = inventory.Localhost()
		return c.inventory, nil
	}
	inv, err := inventory.Load(c.settings.Inventory)
	if err != nil {
		return nil, err
	}
	c.inventory = inv
	c.invRoot = filepath.Dir(c.settings.Inventory)
	return inv, nil
}

// Select returns the hosts matching every given selector, in inventory
// order. Empty selectors are ignored.
func (c *Converge) Select(selectors ...string) ([]*fleet.Host, error) {
	targets := make([]*targeting.Target, 0, len(selectors))
	for _, expr := range selectors {
		if expr == "" {
			continue
		}
		t, err := targeting.Parse(expr)
		if err != nil {
			return nil, fault.ConfigError(fault.ErrCodeInvalidConfig, fmt.Sprintf("invalid selector %q", expr), err).
				WithSuggestion("use @group, tag:name, a glob or ~regex")
		}
		targets = append(targets, t)
	}
	return c.selectTargets(targets...)
}

func (c *Converge) selectTargets(targets ...*targeting.Target) ([]*fleet.Host, error) {
	inv, err := c.Inventory()
	if err != nil {
		return nil, err
	}
	hosts := inv.AllHosts()
	for _, t := range targets {
		hosts = intersect(hosts, t.Select(inv))
	}
	return hosts, nil
}

func intersect(hosts, keep []*fleet.Host) []*fleet.Host {
	ids := make(map[fleet.HostID]bool, len(keep))
	for _, h := range keep {
		ids[h.ID()] = true
	}
	out := make([]*fleet.Host, 0, len(hosts))
	for _, h := range hosts {
		if ids[h.ID()] {
			out = append(out, h)
		}
	}
	return out
}

// RunOptions select what a run does.
type RunOptions struct {
	Playbook string
	Limit    string
	Extra    []string
	Check    bool
}

// Plan is a run resolved up front: every target's variables are known
// and every step renders.
type Plan struct {
	Playbook *playbook.Playbook
	Jobs     []execution.Job
}

// Hosts returns the planned hosts in order.
func (p *Plan) Hosts() []*fleet.Host {
	hosts := make([]*fleet.Host, len(p.Jobs))
	for i, j := range p.Jobs {
		hosts[i] = j.Host
	}
	return hosts
}

// Prepare loads and resolves everything a run needs without contacting
// any target. Every failure is a ConfigError.
func (c *Converge) Prepare(ctx context.Context, opts RunOptions) (*Plan, error) {
	pb, err := playbook.Load(opts.Playbook)
	if err != nil {
		return nil, err
	}
	selector, err := pb.Target()
	if err != nil {
		return nil, err
	}
	targets := []*targeting.Target{selector}
	if opts.Limit != "" {
		limit, err := targeting.Parse(opts.Limit)
		if err != nil {
			return nil, fault.ConfigError(fault.ErrCodeInvalidConfig, fmt.Sprintf("invalid --limit %q", opts.Limit), err).
				WithSuggestion("use @group, tag:name, a glob or ~regex")
		}
		targets = append(targets, limit)
	}
	hosts, err := c.selectTargets(targets...)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fault.ConfigError(fault.ErrCodeInvalidConfig,
			fmt.Sprintf("no targets match %s", describeSelection(selector.String(), opts.Limit)), nil).
			WithSuggestion("Check the playbook's hosts and the --limit selector against `converge inventory list`")
	}

	resolver, err := c.resolver(pb, opts.Extra)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Playbook: pb, Jobs: make([]execution.Job, 0, len(hosts))}
	for _, h := range hosts {
		cfg, err := resolver.Resolve(h)
		if err != nil {
			return nil, err
		}
		if err := pb.Preflight(playbook.Scope{Target: h.ID().String(), Vars: cfg}); err != nil {
			return nil, err
		}
		plan.Jobs = append(plan.Jobs, execution.Job{Host: h, Vars: cfg})
	}

	if log := ports.LoggerFromContext(ctx); log != nil {
		log.Debug(ctx, "plan ready",
			ports.F("playbook", pb.Name),
			ports.F("targets", len(plan.Jobs)),
			ports.F("steps", len(pb.Steps)))
	}
	return plan, nil
}

func describeSelection(hosts, limit string) string {
	if limit == "" {
		return hosts
	}
	return fmt.Sprintf("%s limited to %s", hosts, limit)
}

// resolver builds the variable resolver for pb. Playbook vars and
// vars_files join the global layer; group_vars and host_vars come from
// next to the inventory.
func (c *Converge) resolver(pb *playbook.Playbook, extraItems []string) (*vars.Resolver, error) {
	inv, err := c.Inventory()
	if err != nil {
		return nil, err
	}
	opts := []vars.ResolverOption{vars.WithDefinitions(pb.Definitions()...)}
	if len(pb.Vars) > 0 {
		opts = append(opts, vars.WithGlobal(pb.Vars))
	}
	for _, path := range pb.VarsFiles {
		values, err := vars.LoadFile(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, vars.WithGlobal(values))
	}
	if c.invRoot != "" {
		files, err := vars.LoadFileVars(c.invRoot, inv)
		if err != nil {
			return nil, err
		}
		opts = append(opts, vars.WithFileVars(files))
	}
	extra, err := vars.ParseExtra(extraItems)
	if err != nil {
		return nil, err
	}
	opts = append(opts, vars.WithExtra(extra))
	return vars.NewResolver(inv, opts...), nil
}

// Run prepares and executes a playbook. A ConfigError is returned before
// any target is contacted; otherwise the report carries every outcome.
func (c *Converge) Run(ctx context.Context, opts RunOptions) (*report.Report, error) {
	plan, err := c.Prepare(ctx, opts)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, plan, opts.Check), nil
}

// Execute runs a prepared plan.
func (c *Converge) Execute(ctx context.Context, plan *Plan, check bool) *report.Report {
	executor := execution.NewFleetExecutor(c.transport, c.settings.ExecutorConfig(check))
	if log := ports.LoggerFromContext(ctx); log != nil {
		cfg := executor.Config()
		log.Info(ctx, "run started",
			ports.F("playbook", plan.Playbook.Name),
			ports.F("targets", len(plan.Jobs)),
			ports.F("strategy", string(cfg.Strategy)),
			ports.F("forks", cfg.Forks),
			ports.F("check", check))
	}
	result := executor.Execute(ctx, plan.Playbook, plan.Jobs)
	r := report.New(plan.Playbook.Name, result)
	if log := ports.LoggerFromContext(ctx); log != nil {
		log.Info(ctx, "run finished",
			ports.F("run_id", r.RunID),
			ports.F("changed", r.Totals.Changed),
			ports.F("failed", r.Totals.StepsFailed),
			ports.F("unreachable", r.Totals.Unreachable))
	}
	return r
}

// Vars resolves the variables of one host. With a playbook its variable
// declarations, vars and vars_files take part.
func (c *Converge) Vars(hostID, playbookPath string, extra []string) (vars.EffectiveConfig, error) {
	inv, err := c.Inventory()
	if err != nil {
		return vars.EffectiveConfig{}, err
	}
	host, ok := inv.GetHost(fleet.HostID(hostID))
	if !ok {
		return vars.EffectiveConfig{}, fault.ConfigError(fault.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown host %q", hostID), nil).
			WithSuggestion("List hosts with `converge inventory list`")
	}
	pb := &playbook.Playbook{}
	if playbookPath != "" {
		if pb, err = playbook.Load(playbookPath); err != nil {
			return vars.EffectiveConfig{}, err
		}
	}
	resolver, err := c.resolver(pb, extra)
	if err != nil {
		return vars.EffectiveConfig{}, err
	}
	return resolver.Resolve(host)
}

// PingResult is the connectivity of one host.
type PingResult struct {
	Host    *fleet.Host
	Latency time.Duration
	Err     error
}

// Ping opens and closes a connection to every selected host in order.
func (c *Converge) Ping(ctx context.Context, limit string) ([]PingResult, error) {
	hosts, err := c.Select(limit)
	if err != nil {
		return nil, err
	}
	results := make([]PingResult, 0, len(hosts))
	for _, h := range hosts {
		start := time.Now()
		pingCtx := ctx
		var cancel context.CancelFunc = func() {}
		if c.settings.Timeout > 0 {
			pingCtx, cancel = context.WithTimeout(ctx, c.settings.Timeout)
		}
		pingErr := c.transport.Ping(pingCtx, h)
		cancel()
		results = append(results, PingResult{Host: h, Latency: time.Since(start), Err: pingErr})
	}
	return results, nil
}
