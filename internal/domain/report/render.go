package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Format selects how a report is written.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown format %q (use text or json)", s)
}

// Write renders r in the given format.
func (r *Report) Write(w io.Writer, format Format) error {
	if format == FormatJSON {
		return r.WriteJSON(w)
	}
	return r.WriteText(w)
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes one table row per outcome, followed by diffs, errors and
// a recap line per target.
func (r *Report) WriteText(w io.Writer) error {
	caser := cases.Title(language.English)

	header := fmt.Sprintf("%s run of %s", caser.String(string(r.Mode)), r.Playbook)
	if r.Playbook == "" {
		header = caser.String(string(r.Mode)) + " run"
	}
	if _, err := fmt.Fprintf(w, "%s (%s)\n\n", header, r.RunID); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	//nolint:errcheck // Tabwriter errors are captured by Flush
	fmt.Fprintln(tw, "TARGET\tSTEP\tKIND\tSTATUS\tDURATION\tDETAIL")
	for _, h := range r.Hosts {
		if len(h.Steps) == 0 {
			//nolint:errcheck // Tabwriter errors are captured by Flush
			fmt.Fprintf(tw, "%s\t-\t-\t%s\t%s\t%s\n", h.Target, caser.String(h.Status),
				ms(h.DurationMS), h.Error.line())
			continue
		}
		for _, s := range h.Steps {
			//nolint:errcheck // Tabwriter errors are captured by Flush
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", h.Target, s.Step, s.Kind,
				stepStatus(caser, s), ms(s.DurationMS), s.detail())
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	var b strings.Builder
	for _, h := range r.Hosts {
		for _, s := range h.Steps {
			if s.Diff != nil && s.Diff.Text != "" {
				fmt.Fprintf(&b, "\n--- %s / %s\n%s", h.Target, s.Step, s.Diff.Text)
				if !strings.HasSuffix(s.Diff.Text, "\n") {
					b.WriteByte('\n')
				}
			}
			if s.Error != nil && s.Error.Suggestion != "" {
				fmt.Fprintf(&b, "\n%s / %s: %s\n", h.Target, s.Step, s.Error.Suggestion)
			}
		}
		if h.Error != nil && h.Error.Suggestion != "" {
			fmt.Fprintf(&b, "\n%s: %s\n", h.Target, h.Error.Suggestion)
		}
	}

	b.WriteString("\nRECAP\n")
	rw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	for _, h := range r.Hosts {
		changed, unchanged, failed := 0, 0, 0
		for _, s := range h.Steps {
			switch s.Status {
			case "changed":
				changed++
			case "unchanged":
				unchanged++
			case "failed":
				failed++
			}
		}
		//nolint:errcheck // Tabwriter errors are captured by Flush
		fmt.Fprintf(rw, "%s\t%s\tchanged=%d\tunchanged=%d\tfailed=%d\n",
			h.Target, caser.String(h.Status), changed, unchanged, failed)
	}
	if err := rw.Flush(); err != nil {
		return err
	}
	t := r.Totals
	fmt.Fprintf(&b, "\n%d targets: %d ok, %d failed, %d unreachable, %d skipped; steps: %d changed, %d unchanged, %d failed (%s)\n",
		t.Targets, t.OK, t.Failed, t.Unreachable, t.Skipped, t.Changed, t.Unchanged, t.StepsFailed,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	_, err := io.WriteString(w, b.String())
	return err
}

func stepStatus(caser cases.Caser, s StepReport) string {
	status := caser.String(s.Status)
	switch {
	case s.GuardSkipped:
		status += " (skipped)"
	case s.CheckMode && s.Status == "changed":
		status = "Would Change"
	}
	return status
}

func (s StepReport) detail() string {
	if s.Error != nil {
		return s.Error.line()
	}
	if s.Diff != nil {
		return s.Diff.Summary()
	}
	return ""
}

func (e *ErrorDetail) line() string {
	if e == nil {
		return ""
	}
	msg := strings.Join(strings.Fields(e.Message), " ")
	if e.Code == "" {
		return msg
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func ms(v int64) string {
	return (time.Duration(v) * time.Millisecond).String()
}
