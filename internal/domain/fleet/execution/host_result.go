// Package execution runs a playbook across a fleet: each target's steps in
// order over one connection, targets fanned out under a strategy.
package execution

import (
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/converge/internal/domain/facts"
	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"github.com/felixgeelhaar/converge/internal/domain/steps"
)

// Status is the outcome of one step on one target.
type Status string

const (
	StatusUnchanged Status = "unchanged"
	StatusChanged   Status = "changed"
	StatusFailed    Status = "failed"
)

// Outcome records what happened when a step ran on a target.
type Outcome struct {
	Target fleet.HostID
	Step   string
	Kind   steps.Kind
	Status Status
	// GuardSkipped is set when the step's guard was false. The status is
	// then unchanged and the target was not touched.
	GuardSkipped bool
	// CheckMode is set when the run only probed.
	CheckMode bool
	Diff      *steps.Diff
	Error     error
	Duration  time.Duration
}

// HostStatus represents the status of execution on a single host.
type HostStatus string

const (
	// HostStatusOK means every step is unchanged or changed.
	HostStatusOK HostStatus = "ok"
	// HostStatusFailed means at least one step failed.
	HostStatusFailed HostStatus = "failed"
	// HostStatusUnreachable means the connection failed before or during
	// the step sequence.
	HostStatusUnreachable HostStatus = "unreachable"
	// HostStatusSkipped means the strategy stopped before reaching the host.
	HostStatusSkipped HostStatus = "skipped"
)

// HostResult captures the result of execution on a single host.
type HostResult struct {
	HostID    fleet.HostID
	Hostname  string
	Status    HostStatus
	StartTime time.Time
	EndTime   time.Time
	// Facts are set when they were gathered.
	Facts    *facts.Facts
	Outcomes []Outcome
	// Error is the connection error, or why the host was skipped.
	Error error
}

// Duration returns how long execution took.
func (r *HostResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Count returns the number of outcomes with the given status.
func (r *HostResult) Count(status Status) int {
	count := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			count++
		}
	}
	return count
}

// Changed returns the number of changed steps.
func (r *HostResult) Changed() int { return r.Count(StatusChanged) }

// Failed returns the number of failed steps.
func (r *HostResult) Failed() int { return r.Count(StatusFailed) }

// FleetResult aggregates results across all hosts.
type FleetResult struct {
	StartTime   time.Time
	EndTime     time.Time
	Check       bool
	HostResults []*HostResult

	mu sync.Mutex
}

// NewFleetResult creates a new fleet result.
func NewFleetResult() *FleetResult {
	return &FleetResult{
		StartTime:   time.Now(),
		HostResults: make([]*HostResult, 0),
	}
}

// AddHostResult adds a host result. Safe for concurrent use.
func (r *FleetResult) AddHostResult(hr *HostResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.HostResults = append(r.HostResults, hr)
}

// Complete marks the fleet result as complete and orders host results as
// the given hosts are ordered.
func (r *FleetResult) Complete(order []*fleet.Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos := make(map[fleet.HostID]int, len(order))
	for i, h := range order {
		pos[h.ID()] = i
	}
	sort.SliceStable(r.HostResults, func(a, b int) bool {
		return pos[r.HostResults[a].HostID] < pos[r.HostResults[b].HostID]
	})
	r.EndTime = time.Now()
}

// Duration returns total fleet execution time.
func (r *FleetResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// Host returns the result for id.
func (r *FleetResult) Host(id fleet.HostID) (*HostResult, bool) {
	for _, hr := range r.HostResults {
		if hr.HostID == id {
			return hr, true
		}
	}
	return nil, false
}

// TotalHosts returns the total number of hosts.
func (r *FleetResult) TotalHosts() int {
	return len(r.HostResults)
}

// CountHosts returns the number of hosts with the given status.
func (r *FleetResult) CountHosts(status HostStatus) int {
	count := 0
	for _, hr := range r.HostResults {
		if hr.Status == status {
			count++
		}
	}
	return count
}

// AllSuccessful returns true if all hosts are ok.
func (r *FleetResult) AllSuccessful() bool {
	return len(r.HostResults) > 0 && r.CountHosts(HostStatusOK) == len(r.HostResults)
}

// Summary totals a fleet run.
type Summary struct {
	Hosts       int           `json:"hosts"`
	OK          int           `json:"ok"`
	Failed      int           `json:"failed"`
	Unreachable int           `json:"unreachable"`
	Skipped     int           `json:"skipped"`
	Unchanged   int           `json:"unchanged"`
	Changed     int           `json:"changed"`
	StepsFailed int           `json:"steps_failed"`
	Duration    time.Duration `json:"duration"`
}

// Summary returns a summary of the fleet result.
func (r *FleetResult) Summary() Summary {
	s := Summary{
		Hosts:       r.TotalHosts(),
		OK:          r.CountHosts(HostStatusOK),
		Failed:      r.CountHosts(HostStatusFailed),
		Unreachable: r.CountHosts(HostStatusUnreachable),
		Skipped:     r.CountHosts(HostStatusSkipped),
		Duration:    r.Duration(),
	}
	for _, hr := range r.HostResults {
		s.Unchanged += hr.Count(StatusUnchanged)
		s.Changed += hr.Changed()
		s.StepsFailed += hr.Failed()
	}
	return s
}
