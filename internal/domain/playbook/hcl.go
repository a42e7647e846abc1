package playbook

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

type hclPlaybook struct {
	Name        string        `hcl:"name,optional"`
	Hosts       string        `hcl:"hosts,optional"`
	Become      bool          `hcl:"become,optional"`
	GatherFacts *bool         `hcl:"gather_facts,optional"`
	VarsFiles   []string      `hcl:"vars_files,optional"`
	Vars        *hclVars      `hcl:"vars,block"`
	Variables   []hclVariable `hcl:"variable,block"`
	Steps       []hclStep     `hcl:"step,block"`
}

type hclVars struct {
	Remain hcl.Body `hcl:",remain"`
}

type hclVariable struct {
	Name        string    `hcl:"name,label"`
	Description string    `hcl:"description,optional"`
	Required    bool      `hcl:"required,optional"`
	Default     cty.Value `hcl:"default,optional"`
}

type hclStep struct {
	Name     string        `hcl:"name,label"`
	Become   *bool         `hcl:"become,optional"`
	When     *Guard        `hcl:"when,block"`
	User     *UserSpec     `hcl:"user,block"`
	Package  *PackageSpec  `hcl:"package,block"`
	File     *FileSpec     `hcl:"file,block"`
	Hostname *HostnameSpec `hcl:"hostname,block"`
	Timezone *TimezoneSpec `hcl:"timezone,block"`
}

// ParseHCL parses an HCL playbook:
//
//	name  = "workstation"
//	hosts = "@workstations"
//
//	variable "username" {
//	  required = true
//	}
//
//	step "create user" {
//	  user {
//	    name = "{{ .username }}"
//	  }
//	}
func ParseHCL(data []byte, filename, dir string) (*Playbook, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fault.ConfigError(fault.ErrCodeParse, "cannot parse playbook", diags)
	}

	var raw hclPlaybook
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, fault.ConfigError(fault.ErrCodeParse, "cannot decode playbook", diags)
	}

	p := &Playbook{
		Name:        raw.Name,
		Hosts:       raw.Hosts,
		Become:      raw.Become,
		GatherFacts: raw.GatherFacts == nil || *raw.GatherFacts,
		VarsFiles:   resolvePaths(dir, raw.VarsFiles),
		Vars:        map[string]any{},
		Dir:         dir,
	}

	if raw.Vars != nil {
		attrs, diags := raw.Vars.Remain.JustAttributes()
		if diags.HasErrors() {
			return nil, fault.ConfigError(fault.ErrCodeParse, "vars block may only hold attributes", diags)
		}
		for name, attr := range attrs {
			val, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return nil, fault.ConfigError(fault.ErrCodeParse, fmt.Sprintf("cannot evaluate var %q", name), diags)
			}
			goVal, err := ctyToGo(val)
			if err != nil {
				return nil, fault.ConfigError(fault.ErrCodeParse, fmt.Sprintf("cannot convert var %q", name), err)
			}
			p.Vars[name] = goVal
		}
	}

	for _, v := range raw.Variables {
		decl := Variable{Name: v.Name, Description: v.Description, Required: v.Required}
		if !v.Default.IsNull() {
			def, err := ctyToGo(v.Default)
			if err != nil {
				return nil, fault.ConfigError(fault.ErrCodeParse, fmt.Sprintf("cannot convert default of %q", v.Name), err)
			}
			decl.Default = def
			decl.HasDefault = true
		}
		p.Variables = append(p.Variables, decl)
	}

	for _, s := range raw.Steps {
		acts := actions{User: s.User, Package: s.Package, File: s.File, Hostname: s.Hostname, Timezone: s.Timezone}
		spec, err := acts.spec(s.Name)
		if err != nil {
			return nil, err
		}
		p.Steps = append(p.Steps, Step{Name: s.Name, When: s.When, Become: s.Become, Spec: spec})
	}

	p.finish()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ctyToGo converts an evaluated HCL value into the plain Go values the
// vars package works with.
func ctyToGo(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	t := v.Type()
	switch {
	case t == cty.String:
		return v.AsString(), nil
	case t == cty.Bool:
		return v.True(), nil
	case t == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return int(i), nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case t.IsListType() || t.IsTupleType() || t.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			g, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
		return out, nil
	case t.IsMapType() || t.IsObjectType():
		m := v.AsValueMap()
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(m))
		for _, k := range keys {
			g, err := ctyToGo(m[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = g
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", t.FriendlyName())
}
