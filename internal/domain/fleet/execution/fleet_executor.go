package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport"
	"github.com/felixgeelhaar/converge/internal/domain/playbook"
	"github.com/felixgeelhaar/converge/internal/domain/vars"
	"github.com/felixgeelhaar/converge/internal/ports"
)

// Strategy defines how hosts are processed.
type Strategy string

const (
	// StrategyParallel processes all hosts in parallel.
	StrategyParallel Strategy = "parallel"
	// StrategyRolling processes hosts in batches.
	StrategyRolling Strategy = "rolling"
	// StrategyCanary processes a canary host first, then the rest.
	StrategyCanary Strategy = "canary"
)

// ParseStrategy validates a strategy name. Empty means parallel.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StrategyParallel, nil
	case StrategyParallel, StrategyRolling, StrategyCanary:
		return st, nil
	}
	return "", fmt.Errorf("unknown strategy %q (use parallel, rolling or canary)", s)
}

// DefaultForks is the default number of targets worked on at once.
const DefaultForks = 5

// ExecutorConfig configures the fleet executor.
type ExecutorConfig struct {
	// Strategy is the execution strategy.
	Strategy Strategy
	// Forks is the maximum number of targets worked on at once.
	Forks int
	// BatchSize is the batch size for the rolling strategy.
	BatchSize int
	// StopOnError stops starting new targets once one has failed.
	StopOnError bool
	// Timeout bounds each target's whole step sequence. Zero means none.
	Timeout time.Duration
	// Check only probes; nothing is applied.
	Check bool
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Strategy:  StrategyParallel,
		Forks:     DefaultForks,
		BatchSize: DefaultForks,
	}
}

// Job is one target with its resolved variables.
type Job struct {
	Host *fleet.Host
	Vars vars.EffectiveConfig
}

// FleetExecutor runs a playbook across many targets.
type FleetExecutor struct {
	transport transport.Transport
	config    ExecutorConfig
}

// NewFleetExecutor creates a new fleet executor.
func NewFleetExecutor(t transport.Transport, config ExecutorConfig) *FleetExecutor {
	if config.Forks <= 0 {
		config.Forks = DefaultForks
	}
	if config.BatchSize <= 0 {
		config.BatchSize = config.Forks
	}
	if config.Strategy == "" {
		config.Strategy = StrategyParallel
	}
	if config.Timeout < 0 {
		config.Timeout = 0
	}
	return &FleetExecutor{
		transport: t,
		config:    config,
	}
}

// Config returns the effective configuration.
func (e *FleetExecutor) Config() ExecutorConfig {
	return e.config
}

// Execute runs the playbook on every job's target. Host results come back
// in job order whatever order the targets finished in.
func (e *FleetExecutor) Execute(ctx context.Context, pb *playbook.Playbook, jobs []Job) *FleetResult {
	result := NewFleetResult()
	result.Check = e.config.Check

	hosts := make([]*fleet.Host, len(jobs))
	for i, j := range jobs {
		hosts[i] = j.Host
	}
	if len(jobs) == 0 {
		result.Complete(hosts)
		return result
	}

	switch e.config.Strategy {
	case StrategyRolling:
		e.executeRolling(ctx, pb, jobs, result)
	case StrategyCanary:
		e.executeCanary(ctx, pb, jobs, result)
	default:
		e.executeParallel(ctx, pb, jobs, result)
	}

	result.Complete(hosts)
	return result
}

// executeParallel runs jobs with at most Forks in flight and reports
// whether any of them failed.
func (e *FleetExecutor) executeParallel(ctx context.Context, pb *playbook.Playbook, jobs []Job, result *FleetResult) bool {
	sem := make(chan struct{}, e.config.Forks)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var stopFlag bool

	for _, job := range jobs {
		mu.Lock()
		stop := e.config.StopOnError && stopFlag
		mu.Unlock()
		if stop {
			result.AddHostResult(skipped(job.Host, fmt.Errorf("skipped after an earlier target failed")))
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(j Job) {
			defer wg.Done()
			defer func() { <-sem }()

			hr := e.executeOnHost(ctx, pb, j)
			result.AddHostResult(hr)

			if hr.Status != HostStatusOK {
				mu.Lock()
				stopFlag = true
				mu.Unlock()
			}
		}(job)
	}

	wg.Wait()
	return stopFlag
}

func (e *FleetExecutor) executeRolling(ctx context.Context, pb *playbook.Playbook, jobs []Job, result *FleetResult) {
	for i := 0; i < len(jobs); i += e.config.BatchSize {
		end := i + e.config.BatchSize
		if end > len(jobs) {
			end = len(jobs)
		}

		failed := e.executeParallel(ctx, pb, jobs[i:end], result)

		// Check for stop condition after each batch
		if e.config.StopOnError && failed {
			for _, j := range jobs[end:] {
				result.AddHostResult(skipped(j.Host, fmt.Errorf("skipped after a failed batch")))
			}
			return
		}
	}
}

func (e *FleetExecutor) executeCanary(ctx context.Context, pb *playbook.Playbook, jobs []Job, result *FleetResult) {
	canary := jobs[0]
	canaryResult := e.executeOnHost(ctx, pb, canary)
	result.AddHostResult(canaryResult)

	// If canary failed, skip remaining hosts
	if canaryResult.Status != HostStatusOK {
		for _, j := range jobs[1:] {
			result.AddHostResult(skipped(j.Host, fmt.Errorf("skipped due to canary failure on %s", canary.Host.ID())))
		}
		return
	}

	if len(jobs) > 1 {
		e.executeRolling(ctx, pb, jobs[1:], result)
	}
}

func skipped(host *fleet.Host, reason error) *HostResult {
	now := time.Now()
	return &HostResult{
		HostID:    host.ID(),
		Hostname:  host.Address().Hostname,
		Status:    HostStatusSkipped,
		StartTime: now,
		EndTime:   now,
		Error:     reason,
	}
}

func logger(ctx context.Context) ports.Logger {
	return ports.LoggerFromContext(ctx)
}

func debug(ctx context.Context, msg string, fields ...ports.Field) {
	if l := logger(ctx); l != nil {
		l.Debug(ctx, msg, fields...)
	}
}

func warn(ctx context.Context, msg string, fields ...ports.Field) {
	if l := logger(ctx); l != nil {
		l.Warn(ctx, msg, fields...)
	}
}
