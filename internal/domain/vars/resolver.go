package vars

import (
	"path/filepath"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet"
)

// Definition declares a variable a playbook depends on.
type Definition struct {
	Name        string
	Description string
	Required    bool
	Default     any
	HasDefault  bool
}

// FileVars holds group_vars and host_vars loaded from disk, keyed by group
// or host name. They apply on top of the inline inventory values of the
// same group or host.
type FileVars struct {
	Groups map[string]map[string]any
	Hosts  map[string]map[string]any
}

// Resolver resolves the EffectiveConfig of targets in one inventory.
type Resolver struct {
	inventory   *fleet.Inventory
	definitions []Definition
	global      []map[string]any
	files       FileVars
	extra       map[string]any
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithDefinitions declares required variables and defaults.
func WithDefinitions(defs ...Definition) ResolverOption {
	return func(r *Resolver) {
		r.definitions = append(r.definitions, defs...)
	}
}

// WithGlobal appends a global layer applied after the inventory's own vars.
// Playbook vars and vars_files use this.
func WithGlobal(values map[string]any) ResolverOption {
	return func(r *Resolver) {
		r.global = append(r.global, values)
	}
}

// WithFileVars sets group_vars and host_vars loaded from disk.
func WithFileVars(files FileVars) ResolverOption {
	return func(r *Resolver) {
		r.files = files
	}
}

// WithExtra sets the command line override layer.
func WithExtra(values map[string]any) ResolverOption {
	return func(r *Resolver) {
		r.extra = values
	}
}

// NewResolver creates a resolver over inv.
func NewResolver(inv *fleet.Inventory, opts ...ResolverOption) *Resolver {
	r := &Resolver{inventory: inv}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Layers returns the ordered layers that apply to host.
func (r *Resolver) Layers(host *fleet.Host) []Layer {
	var layers []Layer

	defaults := map[string]any{}
	for _, d := range r.definitions {
		if d.HasDefault {
			defaults[d.Name] = d.Default
		}
	}
	layers = append(layers, Layer{Kind: LayerDefaults, Values: defaults})

	global := mergeValue(map[string]any{}, r.inventory.Vars()).(map[string]any)
	if fv, ok := r.files.Groups[fleet.AllGroup.String()]; ok {
		global = mergeValue(global, fv).(map[string]any)
	}
	for _, g := range r.global {
		global = mergeValue(global, g).(map[string]any)
	}
	layers = append(layers, Layer{Kind: LayerGlobal, Values: global})

	for _, group := range r.inventory.GroupsFor(host.ID()) {
		values := group.Vars()
		if fv, ok := r.files.Groups[group.Name().String()]; ok {
			values = mergeValue(values, fv).(map[string]any)
		}
		layers = append(layers, Layer{Kind: LayerGroup, Name: group.Name().String(), Values: values})
	}

	hostValues := host.Vars()
	if fv, ok := r.files.Hosts[host.ID().String()]; ok {
		hostValues = mergeValue(hostValues, fv).(map[string]any)
	}
	layers = append(layers, Layer{Kind: LayerHost, Name: host.ID().String(), Values: hostValues})

	if len(r.extra) > 0 {
		layers = append(layers, Layer{Kind: LayerExtra, Values: r.extra})
	}
	return layers
}

// Resolve merges the layers of host and checks required variables. It has
// no side effects. A required variable absent from every layer fails with
// a ConfigError naming the variable and the target.
func (r *Resolver) Resolve(host *fleet.Host) (EffectiveConfig, error) {
	cfg := Merge(r.Layers(host)...)
	for _, d := range r.definitions {
		if d.Required && !cfg.Has(d.Name) {
			return EffectiveConfig{}, fault.UndefinedVariable(d.Name, host.ID().String())
		}
	}
	return cfg, nil
}

// ResolveAll resolves every host in order and stops at the first error.
func (r *Resolver) ResolveAll(hosts []*fleet.Host) (map[fleet.HostID]EffectiveConfig, error) {
	out := make(map[fleet.HostID]EffectiveConfig, len(hosts))
	for _, h := range hosts {
		cfg, err := r.Resolve(h)
		if err != nil {
			return nil, err
		}
		out[h.ID()] = cfg
	}
	return out, nil
}

// LoadFileVars loads group_vars/ and host_vars/ below root for every group
// and host of inv. Missing directories are not an error.
func LoadFileVars(root string, inv *fleet.Inventory) (FileVars, error) {
	files := FileVars{
		Groups: map[string]map[string]any{},
		Hosts:  map[string]map[string]any{},
	}
	groupDir := filepath.Join(root, "group_vars")
	hostDir := filepath.Join(root, "host_vars")

	names := []string{fleet.AllGroup.String()}
	for _, g := range inv.AllGroups() {
		names = append(names, g.Name().String())
	}
	for _, name := range names {
		values, err := LoadNamed(groupDir, name)
		if err != nil {
			return FileVars{}, err
		}
		if len(values) > 0 {
			files.Groups[name] = values
		}
	}
	for _, h := range inv.AllHosts() {
		values, err := LoadNamed(hostDir, h.ID().String())
		if err != nil {
			return FileVars{}, err
		}
		if len(values) > 0 {
			files.Hosts[h.ID().String()] = values
		}
	}
	return files, nil
}
