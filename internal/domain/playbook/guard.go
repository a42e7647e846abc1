package playbook

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// Guard is a condition tree deciding whether a step applies to a target.
// Every condition that is set must hold; an empty guard always holds.
// Variable paths are dotted and resolve against the target's variables,
// or against its facts under the "facts." prefix.
type Guard struct {
	Var       string      `yaml:"var,omitempty" hcl:"var,optional"`
	Defined   string      `yaml:"defined,omitempty" hcl:"defined,optional"`
	Undefined string      `yaml:"undefined,omitempty" hcl:"undefined,optional"`
	Equals    *Comparison `yaml:"equals,omitempty" hcl:"equals,block"`
	In        *Membership `yaml:"in,omitempty" hcl:"in,block"`
	Not       *Guard      `yaml:"not,omitempty" hcl:"not,block"`
	All       []Guard     `yaml:"all,omitempty" hcl:"all,block"`
	Any       []Guard     `yaml:"any,omitempty" hcl:"any,block"`
}

// Comparison holds when the variable's value equals Value.
type Comparison struct {
	Var   string `yaml:"var" hcl:"var"`
	Value string `yaml:"value" hcl:"value"`
}

// Membership holds when the variable's value is one of Values.
type Membership struct {
	Var    string   `yaml:"var" hcl:"var"`
	Values []string `yaml:"values" hcl:"values"`
}

// Lookup resolves a dotted variable path.
type Lookup func(path string) (any, bool)

// UnmarshalYAML accepts a bare string as shorthand for {var: name}.
func (g *Guard) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		g.Var = node.Value
		return nil
	}
	type plain Guard
	return node.Decode((*plain)(g))
}

// Evaluate checks the guard against lookup.
func (g *Guard) Evaluate(lookup Lookup) bool {
	if g == nil {
		return true
	}
	if g.Var != "" {
		v, ok := lookup(g.Var)
		if !ok || !Truthy(v) {
			return false
		}
	}
	if g.Defined != "" {
		if _, ok := lookup(g.Defined); !ok {
			return false
		}
	}
	if g.Undefined != "" {
		if _, ok := lookup(g.Undefined); ok {
			return false
		}
	}
	if g.Equals != nil {
		v, ok := lookup(g.Equals.Var)
		if !ok || !equal(v, g.Equals.Value) {
			return false
		}
	}
	if g.In != nil {
		v, ok := lookup(g.In.Var)
		if !ok {
			return false
		}
		found := false
		for _, candidate := range g.In.Values {
			if equal(v, candidate) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if g.Not != nil && g.Not.Evaluate(lookup) {
		return false
	}
	for i := range g.All {
		if !g.All[i].Evaluate(lookup) {
			return false
		}
	}
	if len(g.Any) > 0 {
		match := false
		for i := range g.Any {
			if g.Any[i].Evaluate(lookup) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

// String renders the guard compactly for logs and reports.
func (g *Guard) String() string {
	if g == nil {
		return "always"
	}
	var parts []string
	if g.Var != "" {
		parts = append(parts, g.Var)
	}
	if g.Defined != "" {
		parts = append(parts, "defined("+g.Defined+")")
	}
	if g.Undefined != "" {
		parts = append(parts, "undefined("+g.Undefined+")")
	}
	if g.Equals != nil {
		parts = append(parts, fmt.Sprintf("%s == %q", g.Equals.Var, g.Equals.Value))
	}
	if g.In != nil {
		parts = append(parts, fmt.Sprintf("%s in [%s]", g.In.Var, strings.Join(g.In.Values, ", ")))
	}
	if g.Not != nil {
		parts = append(parts, "not("+g.Not.String()+")")
	}
	for i := range g.All {
		parts = append(parts, g.All[i].String())
	}
	if len(g.Any) > 0 {
		alts := make([]string, len(g.Any))
		for i := range g.Any {
			alts[i] = g.Any[i].String()
		}
		parts = append(parts, "("+strings.Join(alts, " or ")+")")
	}
	if len(parts) == 0 {
		return "always"
	}
	return strings.Join(parts, " and ")
}

func (g *Guard) validate() error {
	if g.Equals != nil && g.Equals.Var == "" {
		return errors.New("equals needs var")
	}
	if g.In != nil {
		if g.In.Var == "" {
			return errors.New("in needs var")
		}
		if len(g.In.Values) == 0 {
			return errors.New("in needs at least one value")
		}
	}
	if g.Not != nil {
		if err := g.Not.validate(); err != nil {
			return fmt.Errorf("not: %w", err)
		}
	}
	for i := range g.All {
		if err := g.All[i].validate(); err != nil {
			return fmt.Errorf("all[%d]: %w", i, err)
		}
	}
	for i := range g.Any {
		if err := g.Any[i].validate(); err != nil {
			return fmt.Errorf("any[%d]: %w", i, err)
		}
	}
	return nil
}

// Truthy reports whether v counts as true: non-zero numbers, true, non-empty
// collections and strings other than "false", "no", "off" and "0".
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "false", "no", "off", "0":
			return false
		}
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

// equal compares a variable value with a declared string by its printed form,
// so 22 equals "22" and true equals "true".
func equal(v any, want string) bool {
	return fmt.Sprint(v) == want
}
