package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/steps"
	"gopkg.in/yaml.v3"
)

// Spec is the declared, unrendered form of a step action. String fields may
// hold templates.
type Spec interface {
	Kind() steps.Kind
	templates() []string
	render(r *renderer) (steps.Action, error)
}

// UserSpec declares a user step.
type UserSpec struct {
	Name   string   `yaml:"name" hcl:"name"`
	State  string   `yaml:"state,omitempty" hcl:"state,optional"`
	Shell  string   `yaml:"shell,omitempty" hcl:"shell,optional"`
	Home   string   `yaml:"home,omitempty" hcl:"home,optional"`
	Groups []string `yaml:"groups,omitempty" hcl:"groups,optional"`
	System bool     `yaml:"system,omitempty" hcl:"system,optional"`
}

// Kind returns steps.KindUser.
func (s *UserSpec) Kind() steps.Kind { return steps.KindUser }

func (s *UserSpec) templates() []string {
	return append([]string{s.Name, s.State, s.Shell, s.Home}, s.Groups...)
}

func (s *UserSpec) render(r *renderer) (steps.Action, error) {
	a := &steps.UserAction{
		Name:   r.str("name", s.Name),
		State:  steps.Presence(r.str("state", s.State)),
		Shell:  r.str("shell", s.Shell),
		Home:   r.str("home", s.Home),
		Groups: r.list("groups", s.Groups),
		System: s.System,
	}
	return a, r.err
}

// PackageSpec declares a package step.
type PackageSpec struct {
	Names             []string `yaml:"names,omitempty" hcl:"names,optional"`
	State             string   `yaml:"state,omitempty" hcl:"state,optional"`
	UpdateCache       bool     `yaml:"update_cache,omitempty" hcl:"update_cache,optional"`
	CacheValidMinutes int      `yaml:"cache_valid_minutes,omitempty" hcl:"cache_valid_minutes,optional"`
	Upgrade           bool     `yaml:"upgrade,omitempty" hcl:"upgrade,optional"`
	Manager           string   `yaml:"manager,omitempty" hcl:"manager,optional"`
}

// Kind returns steps.KindPackage.
func (s *PackageSpec) Kind() steps.Kind { return steps.KindPackage }

func (s *PackageSpec) templates() []string {
	return append([]string{s.State, s.Manager}, s.Names...)
}

func (s *PackageSpec) render(r *renderer) (steps.Action, error) {
	a := &steps.PackageAction{
		Names:             r.list("names", s.Names),
		State:             steps.PackageState(r.str("state", s.State)),
		UpdateCache:       s.UpdateCache,
		CacheValidMinutes: s.CacheValidMinutes,
		Upgrade:           s.Upgrade,
		Manager:           r.str("manager", s.Manager),
	}
	return a, r.err
}

// FileSpec declares a file step. Content comes from Content or from the
// local file Src, resolved against the playbook directory. Src files ending
// in ".tmpl" are rendered as templates.
type FileSpec struct {
	Dest    string `yaml:"dest" hcl:"dest"`
	Content string `yaml:"content,omitempty" hcl:"content,optional"`
	Src     string `yaml:"src,omitempty" hcl:"src,optional"`
	State   string `yaml:"state,omitempty" hcl:"state,optional"`
	Mode    string `yaml:"mode,omitempty" hcl:"mode,optional"`
	Owner   string `yaml:"owner,omitempty" hcl:"owner,optional"`
	Group   string `yaml:"group,omitempty" hcl:"group,optional"`
}

// Kind returns steps.KindFile.
func (s *FileSpec) Kind() steps.Kind { return steps.KindFile }

func (s *FileSpec) templates() []string {
	return []string{s.Dest, s.Content, s.Src, s.State, s.Mode, s.Owner, s.Group}
}

func (s *FileSpec) render(r *renderer) (steps.Action, error) {
	a := &steps.FileAction{
		Dest:    r.str("dest", s.Dest),
		Content: r.str("content", s.Content),
		State:   steps.Presence(r.str("state", s.State)),
		Mode:    r.mode(s.Mode),
		Owner:   r.str("owner", s.Owner),
		Group:   r.str("group", s.Group),
	}
	if s.Src != "" && r.err == nil {
		src := r.str("src", s.Src)
		if !filepath.IsAbs(src) {
			src = filepath.Join(r.dir, src)
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, r.fail(fault.ConfigError(fault.ErrCodeInvalidConfig, "cannot read file source", err))
		}
		a.Content = string(data)
		if strings.HasSuffix(src, ".tmpl") {
			a.Content = r.str("src", a.Content)
		}
	}
	return a, r.err
}

// HostnameSpec declares a hostname step. In YAML it may be a bare string.
type HostnameSpec struct {
	Name string `yaml:"name" hcl:"name"`
}

// Kind returns steps.KindHostname.
func (s *HostnameSpec) Kind() steps.Kind { return steps.KindHostname }

func (s *HostnameSpec) templates() []string { return []string{s.Name} }

func (s *HostnameSpec) render(r *renderer) (steps.Action, error) {
	return &steps.HostnameAction{Name: r.str("name", s.Name)}, r.err
}

// UnmarshalYAML accepts "hostname: web-01".
func (s *HostnameSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Name = node.Value
		return nil
	}
	type plain HostnameSpec
	return node.Decode((*plain)(s))
}

// TimezoneSpec declares a timezone step. In YAML it may be a bare string.
type TimezoneSpec struct {
	Name string `yaml:"name" hcl:"name"`
}

// Kind returns steps.KindTimezone.
func (s *TimezoneSpec) Kind() steps.Kind { return steps.KindTimezone }

func (s *TimezoneSpec) templates() []string { return []string{s.Name} }

func (s *TimezoneSpec) render(r *renderer) (steps.Action, error) {
	return &steps.TimezoneAction{Name: r.str("name", s.Name)}, r.err
}

// UnmarshalYAML accepts "timezone: Europe/Berlin".
func (s *TimezoneSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Name = node.Value
		return nil
	}
	type plain TimezoneSpec
	return node.Decode((*plain)(s))
}

// actions holds the action keys of one step declaration.
type actions struct {
	User     *UserSpec
	Package  *PackageSpec
	File     *FileSpec
	Hostname *HostnameSpec
	Timezone *TimezoneSpec
}

// spec returns the step's single action, nil when there is none.
func (a actions) spec(step string) (Spec, error) {
	var found []Spec
	if a.User != nil {
		found = append(found, a.User)
	}
	if a.Package != nil {
		found = append(found, a.Package)
	}
	if a.File != nil {
		if a.File.Content != "" && a.File.Src != "" {
			return nil, fault.ConfigError(fault.ErrCodeInvalidConfig, "file step sets both content and src", nil).WithStep(step)
		}
		found = append(found, a.File)
	}
	if a.Hostname != nil {
		found = append(found, a.Hostname)
	}
	if a.Timezone != nil {
		found = append(found, a.Timezone)
	}

	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	}
	kinds := make([]string, len(found))
	for i, f := range found {
		kinds[i] = f.Kind().String()
	}
	return nil, fault.ConfigError(fault.ErrCodeInvalidConfig,
		fmt.Sprintf("step declares %s; exactly one action is allowed", strings.Join(kinds, " and ")), nil).WithStep(step)
}
