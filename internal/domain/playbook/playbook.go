// Package playbook holds the declarative run description: which targets,
// which variables, and the ordered steps to ensure on each of them.
// Playbooks are written in YAML or HCL and rendered per target into the
// step primitives of package steps.
package playbook

import (
	"fmt"
	"sort"
	"strings"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/targeting"
	"github.com/felixgeelhaar/converge/internal/domain/steps"
	"github.com/felixgeelhaar/converge/internal/domain/vars"
)

// DefaultHosts is the selector used when a playbook names none.
const DefaultHosts = "@all"

// Variable declares a variable the playbook expects.
type Variable struct {
	Name        string
	Description string
	Required    bool
	Default     any
	HasDefault  bool
}

// Playbook is a parsed playbook.
type Playbook struct {
	Name        string
	Hosts       string
	Become      bool
	GatherFacts bool
	Variables   []Variable
	Vars        map[string]any
	// VarsFiles are paths resolved against the playbook's directory.
	VarsFiles []string
	Steps     []Step
	// Dir is the directory relative paths are resolved against.
	Dir string
}

// Step is one declared step. It is stateless and shared by all targets.
type Step struct {
	Name   string
	When   *Guard
	Become *bool
	Spec   Spec

	dir       string
	usesFacts bool
}

// Kind returns the step's action kind.
func (s Step) Kind() steps.Kind {
	return s.Spec.Kind()
}

// UsesFacts reports whether any of the step's templates read facts.
func (s Step) UsesFacts() bool {
	return s.usesFacts
}

// BecomeFor returns whether the step runs privileged under a playbook
// whose default is def.
func (s Step) BecomeFor(def bool) bool {
	if s.Become != nil {
		return *s.Become
	}
	return def
}

// Definitions returns the variable declarations for the vars resolver.
func (p *Playbook) Definitions() []vars.Definition {
	defs := make([]vars.Definition, 0, len(p.Variables))
	for _, v := range p.Variables {
		defs = append(defs, vars.Definition{
			Name:        v.Name,
			Description: v.Description,
			Required:    v.Required,
			Default:     v.Default,
			HasDefault:  v.HasDefault,
		})
	}
	return defs
}

// Target parses the playbook's host selector.
func (p *Playbook) Target() (*targeting.Target, error) {
	expr := p.Hosts
	if expr == "" {
		expr = DefaultHosts
	}
	t, err := targeting.Parse(expr)
	if err != nil {
		return nil, fault.ConfigError(fault.ErrCodeInvalidConfig, "invalid hosts selector", err).
			WithSuggestion("use @group, tag:name, a glob or ~regex")
	}
	return t, nil
}

// Validate checks structure that does not depend on variables: names,
// action presence and guard shape.
func (p *Playbook) Validate() error {
	if len(p.Steps) == 0 {
		return fault.ConfigError(fault.ErrCodeInvalidConfig, "playbook has no steps", nil)
	}
	if _, err := p.Target(); err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, v := range p.Variables {
		if v.Name == "" {
			return fault.ConfigError(fault.ErrCodeInvalidConfig, "variable without a name", nil)
		}
		if seen[v.Name] {
			return fault.ConfigError(fault.ErrCodeInvalidConfig, fmt.Sprintf("variable %q declared twice", v.Name), nil)
		}
		seen[v.Name] = true
	}

	names := map[string]bool{}
	for i, s := range p.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return fault.ConfigError(fault.ErrCodeInvalidConfig, fmt.Sprintf("step %d has no name", i+1), nil)
		}
		if names[s.Name] {
			return fault.ConfigError(fault.ErrCodeInvalidConfig, fmt.Sprintf("duplicate step name %q", s.Name), nil).
				WithStep(s.Name)
		}
		names[s.Name] = true
		if s.Spec == nil {
			return fault.ConfigError(fault.ErrCodeInvalidConfig, "step has no action", nil).
				WithStep(s.Name).
				WithSuggestion("add exactly one of: " + kindList())
		}
		if s.When != nil {
			if err := s.When.validate(); err != nil {
				return fault.ConfigError(fault.ErrCodeInvalidConfig, "invalid guard", err).WithStep(s.Name)
			}
		}
	}
	return nil
}

// finish fills derived fields once parsing is done.
func (p *Playbook) finish() {
	sort.SliceStable(p.Variables, func(a, b int) bool {
		return p.Variables[a].Name < p.Variables[b].Name
	})
	if p.Vars == nil {
		p.Vars = map[string]any{}
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		s.dir = p.Dir
		if s.Spec != nil {
			for _, t := range s.Spec.templates() {
				if strings.Contains(t, ".facts") {
					s.usesFacts = true
				}
			}
		}
	}
}

func kindList() string {
	names := make([]string, len(steps.Kinds))
	for i, k := range steps.Kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ", ")
}
