package steps

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffType represents the type of change a step will make.
type DiffType string

const (
	// DiffTypeAdd indicates a new resource will be created.
	DiffTypeAdd DiffType = "add"
	// DiffTypeRemove indicates an existing resource will be removed.
	DiffTypeRemove DiffType = "remove"
	// DiffTypeModify indicates an existing resource will be modified.
	DiffTypeModify DiffType = "modify"
	// DiffTypeNone indicates no change is needed.
	DiffTypeNone DiffType = "none"
)

// Diff describes a planned change.
type Diff struct {
	Type     DiffType `json:"type"`
	Resource string   `json:"resource"`
	Name     string   `json:"name"`
	Old      string   `json:"old,omitempty"`
	New      string   `json:"new,omitempty"`
	// Text is a line diff of file content, when there is one.
	Text string `json:"text,omitempty"`
}

// IsZero reports whether d is empty.
func (d Diff) IsZero() bool {
	return d.Type == "" && d.Resource == ""
}

// Summary returns a one-line description of the diff.
func (d Diff) Summary() string {
	switch d.Type {
	case DiffTypeAdd:
		if d.New != "" {
			return fmt.Sprintf("+ %s %s (%s)", d.Resource, d.Name, d.New)
		}
		return fmt.Sprintf("+ %s %s", d.Resource, d.Name)
	case DiffTypeRemove:
		return fmt.Sprintf("- %s %s", d.Resource, d.Name)
	case DiffTypeModify:
		if d.Old != "" || d.New != "" {
			return fmt.Sprintf("~ %s %s: %s -> %s", d.Resource, d.Name, d.Old, d.New)
		}
		return fmt.Sprintf("~ %s %s", d.Resource, d.Name)
	case DiffTypeNone:
		return fmt.Sprintf("  %s %s", d.Resource, d.Name)
	}
	return ""
}

// LineDiff renders a line-oriented diff of before and after, prefixing
// removed lines with "-", added lines with "+" and context with " ".
func LineDiff(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		text := strings.TrimSuffix(d.Text, "\n")
		for _, line := range strings.Split(text, "\n") {
			out.WriteString(prefix)
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	return out.String()
}
