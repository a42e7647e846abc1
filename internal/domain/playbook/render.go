package playbook

import (
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/felixgeelhaar/converge/internal/domain/facts"
	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/steps"
	"github.com/felixgeelhaar/converge/internal/domain/vars"
)

// Scope is what a step sees of one target when its guard is evaluated and
// its templates are rendered.
type Scope struct {
	Target string
	Vars   vars.EffectiveConfig
	Facts  facts.Facts
}

// Lookup resolves a dotted path. "facts.<name>" reads a fact; empty facts
// count as undefined.
func (s Scope) Lookup(path string) (any, bool) {
	if name, ok := strings.CutPrefix(path, "facts."); ok {
		v, found := s.Facts.Map()[name]
		if !found || v == "" {
			return nil, false
		}
		return v, true
	}
	return s.Vars.Lookup(path)
}

// data is the template root: the variables plus "facts" and "target".
func (s Scope) data() map[string]any {
	d := s.Vars.Values()
	if d == nil {
		d = map[string]any{}
	}
	d["facts"] = s.Facts.Map()
	d["target"] = s.Target
	return d
}

// Applies evaluates the step's guard.
func (s Step) Applies(scope Scope) bool {
	return s.When.Evaluate(scope.Lookup)
}

// Render fills the step's templates for one target and validates the
// resulting action. Failures are ConfigErrors.
func (s Step) Render(scope Scope) (steps.Action, error) {
	return s.render(scope, true)
}

func (s Step) render(scope Scope, validate bool) (steps.Action, error) {
	r := &renderer{
		data:   scope.data(),
		lookup: scope.Lookup,
		target: scope.Target,
		step:   s.Name,
		dir:    s.dir,
	}
	action, err := s.Spec.render(r)
	if err != nil {
		return nil, err
	}
	if validate {
		if err := action.Validate(); err != nil {
			return nil, fault.ConfigError(fault.ErrCodeInvalidConfig, "invalid "+s.Kind().String()+" step", err).
				WithTarget(scope.Target).
				WithStep(s.Name)
		}
	}
	return action, nil
}

// Preflight renders every step for a target before any connection is
// made, with facts left empty. It catches undefined variables and template
// errors up front. Steps whose templates read facts are validated later,
// once facts are known.
func (p *Playbook) Preflight(scope Scope) error {
	scope.Facts = facts.Facts{}
	for _, s := range p.Steps {
		if _, err := s.render(scope, !s.usesFacts); err != nil {
			return err
		}
	}
	return nil
}

var (
	missingKey = regexp.MustCompile(`map has no entry for key "([^"]+)"`)
	wholeRef   = regexp.MustCompile(`^\{\{-?\s*\.([A-Za-z_][A-Za-z0-9_.]*)\s*-?\}\}$`)
)

var funcs = template.FuncMap{
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"trim":  strings.TrimSpace,
	"join": func(sep string, v any) string {
		items, ok := v.([]any)
		if !ok {
			return fmt.Sprint(v)
		}
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, sep)
	},
	"default": func(def, v any) any {
		if !Truthy(v) {
			return def
		}
		return v
	},
}

// renderer renders the fields of one step for one target and keeps the
// first error.
type renderer struct {
	data   map[string]any
	lookup Lookup
	target string
	step   string
	dir    string
	err    error
}

func (r *renderer) str(field, text string) string {
	if r.err != nil || !strings.Contains(text, "{{") {
		return text
	}
	tmpl, err := template.New(field).Option("missingkey=error").Funcs(funcs).Parse(text)
	if err != nil {
		r.fail(fault.ConfigError(fault.ErrCodeTemplate, "invalid template in "+field, err))
		return ""
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, r.data); err != nil {
		if m := missingKey.FindStringSubmatch(err.Error()); m != nil {
			r.fail(fault.ConfigError(fault.ErrCodeUndefinedVariable,
				fmt.Sprintf("%s references undefined variable %q", field, m[1]), err).
				WithSuggestion(fmt.Sprintf("Define %q in the inventory, a vars file, or pass -e %s=<value>", m[1], m[1])))
			return ""
		}
		r.fail(fault.ConfigError(fault.ErrCodeTemplate, "cannot render "+field, err))
		return ""
	}
	return out.String()
}

// mode renders a file mode. A mode taken whole from a variable must be a
// string: a number no longer carries the octal digits it was written with.
func (r *renderer) mode(text string) string {
	if m := wholeRef.FindStringSubmatch(text); m != nil && r.err == nil {
		if v, ok := r.lookup(m[1]); ok {
			if _, isString := v.(string); !isString {
				r.fail(fault.ConfigError(fault.ErrCodeInvalidConfig,
					fmt.Sprintf("mode variable %q holds %v, not a string", m[1], v), nil).
					WithSuggestion(fmt.Sprintf("Quote the mode, e.g. %s: \"0644\"", m[1])))
				return ""
			}
		}
	}
	return r.str("mode", text)
}

// list renders each item. An item that is exactly a reference to a list
// variable, such as "{{ .tools }}", expands to that list's items.
func (r *renderer) list(field string, items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if m := wholeRef.FindStringSubmatch(item); m != nil {
			if v, ok := r.lookup(m[1]); ok {
				if list, isList := v.([]any); isList {
					for _, elem := range list {
						out = append(out, fmt.Sprint(elem))
					}
					continue
				}
			}
		}
		out = append(out, r.str(field, item))
	}
	return out
}

func (r *renderer) fail(err *fault.Error) error {
	if r.err == nil {
		r.err = err.WithTarget(r.target).WithStep(r.step)
	}
	return r.err
}
