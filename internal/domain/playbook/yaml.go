package playbook

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/vars"
	"gopkg.in/yaml.v3"
)

type yamlPlaybook struct {
	Name        string               `yaml:"name"`
	Hosts       string               `yaml:"hosts"`
	Become      bool                 `yaml:"become"`
	GatherFacts *bool                `yaml:"gather_facts"`
	Variables   map[string]yaml.Node `yaml:"variables"`
	Vars        yaml.Node            `yaml:"vars"`
	VarsFiles   []string             `yaml:"vars_files"`
	Steps       []yamlStep           `yaml:"steps"`
}

type yamlVariable struct {
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
	Default     any    `yaml:"default"`
}

type yamlStep struct {
	Name     string        `yaml:"name"`
	When     *Guard        `yaml:"when"`
	Become   *bool         `yaml:"become"`
	User     *UserSpec     `yaml:"user"`
	Package  *PackageSpec  `yaml:"package"`
	File     *FileSpec     `yaml:"file"`
	Hostname *HostnameSpec `yaml:"hostname"`
	Timezone *TimezoneSpec `yaml:"timezone"`
}

// ParseYAML parses a YAML playbook. Unknown keys are rejected. Relative
// paths resolve against dir.
func ParseYAML(data []byte, dir string) (*Playbook, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raw yamlPlaybook
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fault.ConfigError(fault.ErrCodeParse, "cannot parse playbook", err)
	}

	p := &Playbook{
		Name:        raw.Name,
		Hosts:       raw.Hosts,
		Become:      raw.Become,
		GatherFacts: raw.GatherFacts == nil || *raw.GatherFacts,
		VarsFiles:   resolvePaths(dir, raw.VarsFiles),
		Dir:         dir,
	}

	if raw.Vars.Kind != 0 {
		vars.KeepOctalText(&raw.Vars)
		if err := raw.Vars.Decode(&p.Vars); err != nil {
			return nil, fault.ConfigError(fault.ErrCodeParse, "cannot parse playbook vars", err)
		}
	}

	for name, node := range raw.Variables {
		vars.KeepOctalText(&node)
		v := Variable{Name: name}
		if node.Kind == yaml.MappingNode {
			var decl yamlVariable
			if err := node.Decode(&decl); err != nil {
				return nil, fault.ConfigError(fault.ErrCodeParse, fmt.Sprintf("cannot parse variable %q", name), err)
			}
			v.Description = decl.Description
			v.Required = decl.Required
			v.Default = decl.Default
			v.HasDefault = hasKey(&node, "default")
		} else if node.ShortTag() != "!!null" {
			// "name: value" declares a default.
			if err := node.Decode(&v.Default); err != nil {
				return nil, fault.ConfigError(fault.ErrCodeParse, fmt.Sprintf("cannot parse variable %q", name), err)
			}
			v.HasDefault = true
		}
		p.Variables = append(p.Variables, v)
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

func hasKey(node *yaml.Node, key string) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}
