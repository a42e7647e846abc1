package fleet

import (
	"fmt"
	"regexp"
	"strings"
)

// GroupName is the identifier for a group of hosts.
type GroupName string

// AllGroup is the implicit group every host belongs to.
const AllGroup GroupName = "all"

// groupNamePattern validates group names.
var groupNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,62}[a-zA-Z0-9]?$`)

// NewGroupName creates a new group name, validating the format.
func NewGroupName(name string) (GroupName, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("group name cannot be empty")
	}
	if !groupNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid group name %q: must be alphanumeric with hyphens/underscores, 1-64 chars", name)
	}
	return GroupName(name), nil
}

// String returns the group name as a string.
func (g GroupName) String() string {
	return string(g)
}

// GroupOption configures a group at construction time.
type GroupOption func(*Group)

// WithDescription sets the group description.
func WithDescription(desc string) GroupOption {
	return func(g *Group) {
		g.description = desc
	}
}

// WithHostPatterns sets glob patterns matching member host IDs.
func WithHostPatterns(patterns ...string) GroupOption {
	return func(g *Group) {
		g.hostPatterns = appendUnique(g.hostPatterns, patterns...)
	}
}

// WithChildren sets child groups. Members of a child are members of the parent.
func WithChildren(children ...GroupName) GroupOption {
	return func(g *Group) {
		for _, c := range children {
			if !g.HasChild(c) {
				g.children = append(g.children, c)
			}
		}
	}
}

// WithGroupVars sets group-level variables.
func WithGroupVars(vars map[string]any) GroupOption {
	return func(g *Group) {
		g.vars = copyVars(vars)
	}
}

// Group is a named collection of hosts carrying a variable layer.
type Group struct {
	name         GroupName
	description  string
	hostPatterns []string
	children     []GroupName
	vars         map[string]any
}

// NewGroup creates a new group with the given name.
func NewGroup(name GroupName, opts ...GroupOption) *Group {
	g := &Group{
		name:         name,
		hostPatterns: []string{},
		children:     []GroupName{},
		vars:         map[string]any{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the group name.
func (g *Group) Name() GroupName {
	return g.name
}

// Description returns the group description.
func (g *Group) Description() string {
	return g.description
}

// HostPatterns returns the host matching patterns.
func (g *Group) HostPatterns() []string {
	result := make([]string, len(g.hostPatterns))
	copy(result, g.hostPatterns)
	return result
}

// Children returns the child group names.
func (g *Group) Children() []GroupName {
	result := make([]GroupName, len(g.children))
	copy(result, g.children)
	return result
}

// HasChild checks whether name is a direct child.
func (g *Group) HasChild(name GroupName) bool {
	for _, c := range g.children {
		if c == name {
			return true
		}
	}
	return false
}

// Vars returns a copy of the group variables.
func (g *Group) Vars() map[string]any {
	return copyVars(g.vars)
}

// GroupSummary is a read-only summary of a group.
type GroupSummary struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	HostPatterns []string `json:"host_patterns,omitempty"`
	Children     []string `json:"children,omitempty"`
	Depth        int      `json:"depth"`
}

// Summary returns a read-only summary of the group. Depth is filled in by
// the inventory.
func (g *Group) Summary() GroupSummary {
	children := make([]string, len(g.children))
	for i, c := range g.children {
		children[i] = c.String()
	}
	return GroupSummary{
		Name:         g.name.String(),
		Description:  g.description,
		HostPatterns: g.HostPatterns(),
		Children:     children,
	}
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
