package targeting

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/converge/internal/domain/fleet"
)

// SelectorType indicates the type of selector.
type SelectorType string

const (
	// SelectorTypeAll selects all hosts.
	SelectorTypeAll SelectorType = "all"
	// SelectorTypeGroup selects hosts by group name.
	SelectorTypeGroup SelectorType = "group"
	// SelectorTypeTag selects hosts by tag.
	SelectorTypeTag SelectorType = "tag"
	// SelectorTypePattern selects hosts by ID pattern.
	SelectorTypePattern SelectorType = "pattern"
	// SelectorTypeHost selects a host by ID, falling back to a group of
	// the same name.
	SelectorTypeHost SelectorType = "host"
)

// Op is how a selector combines with the ones before it.
type Op string

const (
	// OpUnion adds matching hosts.
	OpUnion Op = "union"
	// OpExclude removes matching hosts.
	OpExclude Op = "exclude"
	// OpIntersect keeps only hosts that also match.
	OpIntersect Op = "intersect"
)

// Selector is one term of a target expression.
type Selector struct {
	selectorType SelectorType
	value        string
	pattern      *Pattern
	op           Op
}

// NewSelector parses a single term.
// Supported forms:
//   - @all, all or * select all hosts
//   - @groupname selects a group
//   - tag:tagname selects by tag
//   - globs and ~regex match host IDs
//   - a bare name selects a host, or a group when no host has that ID
//   - a leading ! excludes, a leading & intersects
func NewSelector(term string) (*Selector, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("selector cannot be empty")
	}

	s := &Selector{op: OpUnion}

	switch {
	case strings.HasPrefix(term, "!"):
		s.op = OpExclude
		term = term[1:]
	case strings.HasPrefix(term, "&"):
		s.op = OpIntersect
		term = term[1:]
	}

	switch {
	case term == "@all" || term == "all" || term == "*":
		s.selectorType = SelectorTypeAll
		s.value = "all"

	case strings.HasPrefix(term, "@"):
		s.selectorType = SelectorTypeGroup
		s.value = term[1:]
		if s.value == "" {
			return nil, fmt.Errorf("group name cannot be empty")
		}

	case strings.HasPrefix(term, "tag:"):
		s.selectorType = SelectorTypeTag
		s.value = term[4:]
		if s.value == "" {
			return nil, fmt.Errorf("tag name cannot be empty")
		}

	case strings.ContainsAny(term, "*?[") || strings.HasPrefix(term, "~"):
		s.selectorType = SelectorTypePattern
		s.value = term
		pattern, err := NewPattern(term)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		s.pattern = pattern

	default:
		s.selectorType = SelectorTypeHost
		s.value = term
	}

	return s, nil
}

// Type returns the selector type.
func (s *Selector) Type() SelectorType {
	return s.selectorType
}

// Value returns the selector value.
func (s *Selector) Value() string {
	return s.value
}

// Op returns how the selector combines.
func (s *Selector) Op() Op {
	return s.op
}

// Select returns hosts from the inventory matching this selector, ignoring
// its operator.
func (s *Selector) Select(inv *fleet.Inventory) []*fleet.Host {
	switch s.selectorType {
	case SelectorTypeAll:
		return inv.AllHosts()

	case SelectorTypeGroup:
		return inv.HostsByGroup(fleet.GroupName(s.value))

	case SelectorTypeTag:
		tag, err := fleet.NewTag(s.value)
		if err != nil {
			return nil
		}
		return inv.HostsByTag(tag)

	case SelectorTypePattern:
		var hosts []*fleet.Host
		for _, host := range inv.AllHosts() {
			if s.pattern.Match(string(host.ID())) {
				hosts = append(hosts, host)
			}
		}
		return hosts

	case SelectorTypeHost:
		if host, ok := inv.GetHost(fleet.HostID(s.value)); ok {
			return []*fleet.Host{host}
		}
		return inv.HostsByGroup(fleet.GroupName(s.value))
	}

	return nil
}

// String returns a string representation of the selector.
func (s *Selector) String() string {
	prefix := ""
	switch s.op {
	case OpExclude:
		prefix = "!"
	case OpIntersect:
		prefix = "&"
	case OpUnion:
	}

	switch s.selectorType {
	case SelectorTypeAll:
		return prefix + "@all"
	case SelectorTypeGroup:
		return prefix + "@" + s.value
	case SelectorTypeTag:
		return prefix + "tag:" + s.value
	default:
		return prefix + s.value
	}
}

// Target is a complete targeting expression.
type Target struct {
	selectors []*Selector
}

// Parse parses an expression whose terms are separated by commas or colons,
// e.g. "@desktops:!ws3" or "tag:linux,&@office". Colons inside "tag:" are
// kept.
func Parse(expr string) (*Target, error) {
	return NewTarget(splitTerms(expr)...)
}

// NewTarget creates a target from selector terms.
func NewTarget(terms ...string) (*Target, error) {
	t := &Target{}
	hasUnion := false
	for _, term := range terms {
		if strings.TrimSpace(term) == "" {
			continue
		}
		selector, err := NewSelector(term)
		if err != nil {
			return nil, err
		}
		if selector.op == OpUnion {
			hasUnion = true
		}
		t.selectors = append(t.selectors, selector)
	}

	// Exclusions or intersections alone apply to all hosts.
	if !hasUnion {
		all, _ := NewSelector("@all")
		t.selectors = append([]*Selector{all}, t.selectors...)
	}

	return t, nil
}

// Select returns the hosts matching the expression in inventory order.
// Unions are collected first, then intersections, then exclusions.
func (t *Target) Select(inv *fleet.Inventory) []*fleet.Host {
	included := make(map[fleet.HostID]bool)
	for _, s := range t.selectors {
		if s.op != OpUnion {
			continue
		}
		for _, host := range s.Select(inv) {
			included[host.ID()] = true
		}
	}

	for _, s := range t.selectors {
		if s.op != OpIntersect {
			continue
		}
		keep := make(map[fleet.HostID]bool)
		for _, host := range s.Select(inv) {
			keep[host.ID()] = true
		}
		for id := range included {
			if !keep[id] {
				delete(included, id)
			}
		}
	}

	for _, s := range t.selectors {
		if s.op != OpExclude {
			continue
		}
		for _, host := range s.Select(inv) {
			delete(included, host.ID())
		}
	}

	var result []*fleet.Host
	for _, host := range inv.AllHosts() {
		if included[host.ID()] {
			result = append(result, host)
		}
	}
	return result
}

// Selectors returns the parsed selectors.
func (t *Target) Selectors() []*Selector {
	return t.selectors
}

// String returns a string representation of the target.
func (t *Target) String() string {
	parts := make([]string, 0, len(t.selectors))
	for _, s := range t.selectors {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, ",")
}

func splitTerms(expr string) []string {
	var terms []string
	for _, chunk := range strings.Split(expr, ",") {
		parts := strings.Split(chunk, ":")
		for i := 0; i < len(parts); i++ {
			part := parts[i]
			// Re-join "tag:x" (possibly prefixed with ! or &).
			if strings.TrimLeft(strings.TrimSpace(part), "!&") == "tag" && i+1 < len(parts) {
				part = part + ":" + parts[i+1]
				i++
			}
			if strings.TrimSpace(part) != "" {
				terms = append(terms, strings.TrimSpace(part))
			}
		}
	}
	return terms
}
