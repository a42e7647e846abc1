package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineDiff(t *testing.T) {
	t.Parallel()

	assert.Empty(t, LineDiff("same\n", "same\n"))
	assert.Equal(t, "+a\n+b\n", LineDiff("", "a\nb\n"))
	assert.Equal(t, "-a\n", LineDiff("a\n", ""))
	assert.Equal(t, " keep\n-old\n+new\n tail\n", LineDiff("keep\nold\ntail\n", "keep\nnew\ntail\n"))
}

func TestDiff_Summary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		diff     Diff
		expected string
	}{
		{Diff{Type: DiffTypeAdd, Resource: "user", Name: "bob"}, "+ user bob"},
		{Diff{Type: DiffTypeAdd, Resource: "file", Name: "/etc/motd", New: "mode=0644"}, "+ file /etc/motd (mode=0644)"},
		{Diff{Type: DiffTypeRemove, Resource: "package", Name: "telnet"}, "- package telnet"},
		{Diff{Type: DiffTypeModify, Resource: "hostname", Name: "web", Old: "a", New: "web"}, "~ hostname web: a -> web"},
		{Diff{}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.diff.Summary())
	}
	assert.True(t, Diff{}.IsZero())
}
