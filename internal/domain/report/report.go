// Package report turns a fleet run into a machine-readable record, a text
// table and a process exit status.
package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/converge/internal/domain/facts"
	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/execution"
	"github.com/felixgeelhaar/converge/internal/domain/steps"
	"github.com/google/uuid"
)

// Exit statuses of a run.
const (
	ExitOK = 0
	// ExitConfig is returned for usage and configuration errors, which are
	// raised before any target is contacted.
	ExitConfig = 1
	// ExitFailed is returned when a step failed or a target was unreachable.
	ExitFailed = 2
)

// Mode is how the run treated its targets.
type Mode string

const (
	ModeApply Mode = "apply"
	ModeCheck Mode = "check"
)

// Report is the record of one run.
type Report struct {
	RunID      string       `json:"run_id"`
	Playbook   string       `json:"playbook"`
	Mode       Mode         `json:"mode"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Hosts      []HostReport `json:"hosts"`
	Totals     Totals       `json:"totals"`
}

// HostReport is one target's part of a report.
type HostReport struct {
	Target     string       `json:"target"`
	Hostname   string       `json:"hostname"`
	Status     string       `json:"status"`
	DurationMS int64        `json:"duration_ms"`
	Facts      *facts.Facts `json:"facts,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
	Steps      []StepReport `json:"steps"`
}

// StepReport is one outcome.
type StepReport struct {
	Step         string       `json:"step"`
	Kind         string       `json:"kind"`
	Status       string       `json:"status"`
	GuardSkipped bool         `json:"guard_skipped,omitempty"`
	CheckMode    bool         `json:"check_mode,omitempty"`
	DurationMS   int64        `json:"duration_ms"`
	Diff         *steps.Diff  `json:"diff,omitempty"`
	Error        *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the serialisable form of an error.
type ErrorDetail struct {
	Kind       string `json:"kind,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Totals counts targets by status and outcomes by status.
type Totals struct {
	Targets     int `json:"targets"`
	OK          int `json:"ok"`
	Failed      int `json:"failed"`
	Unreachable int `json:"unreachable"`
	Skipped     int `json:"skipped"`
	Unchanged   int `json:"unchanged"`
	Changed     int `json:"changed"`
	StepsFailed int `json:"steps_failed"`
}

// New builds a report from a fleet result. Host order is kept.
func New(playbook string, result *execution.FleetResult) *Report {
	mode := ModeApply
	if result.Check {
		mode = ModeCheck
	}
	summary := result.Summary()
	r := &Report{
		RunID:      uuid.New().String(),
		Playbook:   playbook,
		Mode:       mode,
		StartedAt:  result.StartTime,
		FinishedAt: result.EndTime,
		Hosts:      make([]HostReport, 0, len(result.HostResults)),
		Totals: Totals{
			Targets:     summary.Hosts,
			OK:          summary.OK,
			Failed:      summary.Failed,
			Unreachable: summary.Unreachable,
			Skipped:     summary.Skipped,
			Unchanged:   summary.Unchanged,
			Changed:     summary.Changed,
			StepsFailed: summary.StepsFailed,
		},
	}
	for _, hr := range result.HostResults {
		h := HostReport{
			Target:     hr.HostID.String(),
			Hostname:   hr.Hostname,
			Status:     string(hr.Status),
			DurationMS: hr.Duration().Milliseconds(),
			Facts:      hr.Facts,
			Error:      Detail(hr.Error),
			Steps:      make([]StepReport, 0, len(hr.Outcomes)),
		}
		for _, o := range hr.Outcomes {
			h.Steps = append(h.Steps, StepReport{
				Step:         o.Step,
				Kind:         o.Kind.String(),
				Status:       string(o.Status),
				GuardSkipped: o.GuardSkipped,
				CheckMode:    o.CheckMode,
				DurationMS:   o.Duration.Milliseconds(),
				Diff:         o.Diff,
				Error:        Detail(o.Error),
			})
		}
		r.Hosts = append(r.Hosts, h)
	}
	return r
}

// Detail converts err for the report. Target and step are left out since
// the report already nests by both.
func Detail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return &ErrorDetail{Message: err.Error()}
	}
	msg := fe.Message
	if fe.Underlying != nil {
		msg = fmt.Sprintf("%s: %v", msg, fe.Underlying)
	}
	return &ErrorDetail{
		Kind:       fe.Kind.String(),
		Code:       fe.Code,
		Message:    msg,
		Suggestion: fe.Suggestion,
	}
}

// Failed reports whether any outcome failed or any target was unreachable.
func (r *Report) Failed() bool {
	return r.Totals.Failed > 0 || r.Totals.Unreachable > 0 || r.Totals.StepsFailed > 0
}

// ExitCode returns the process exit status for the run.
func (r *Report) ExitCode() int {
	if r.Failed() {
		return ExitFailed
	}
	return ExitOK
}
