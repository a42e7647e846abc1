// Package vars resolves the effective variable set of a target from
// layered sources. Precedence, lowest first: defaults, global, group
// (shallow groups before deep ones, ties by name), host, extra.
package vars

import (
	"fmt"
	"sort"
	"strings"
)

// LayerKind identifies a precedence tier.
type LayerKind int

const (
	// LayerDefaults holds declared variable defaults.
	LayerDefaults LayerKind = iota
	// LayerGlobal holds inventory-wide and playbook variables.
	LayerGlobal
	// LayerGroup holds one group's variables.
	LayerGroup
	// LayerHost holds one host's variables.
	LayerHost
	// LayerExtra holds command line overrides.
	LayerExtra
)

// String returns the tier name.
func (k LayerKind) String() string {
	switch k {
	case LayerDefaults:
		return "defaults"
	case LayerGlobal:
		return "global"
	case LayerGroup:
		return "group"
	case LayerHost:
		return "host"
	case LayerExtra:
		return "extra"
	default:
		return "unknown"
	}
}

// Layer is one named source of variables.
type Layer struct {
	Kind   LayerKind
	Name   string
	Values map[string]any
}

// Provenance returns the label recorded for keys this layer sets, such as
// "group:debian" or "extra".
func (l Layer) Provenance() string {
	if l.Name == "" || l.Kind == LayerDefaults || l.Kind == LayerGlobal || l.Kind == LayerExtra {
		return l.Kind.String()
	}
	return l.Kind.String() + ":" + l.Name
}

// EffectiveConfig is the resolved variable set of one target. Each
// top-level key remembers the layer that last set it.
type EffectiveConfig struct {
	values     map[string]any
	provenance map[string]string
}

// Merge folds layers in the order given. Scalars and lists are replaced;
// nested maps are merged key by key.
func Merge(layers ...Layer) EffectiveConfig {
	cfg := EffectiveConfig{
		values:     make(map[string]any),
		provenance: make(map[string]string),
	}
	for _, layer := range layers {
		for key, value := range layer.Values {
			cfg.values[key] = mergeValue(cfg.values[key], value)
			cfg.provenance[key] = layer.Provenance()
		}
	}
	return cfg
}

func mergeValue(base, overlay any) any {
	bm, bok := base.(map[string]any)
	om, ook := overlay.(map[string]any)
	if !bok || !ook {
		return deepCopy(overlay)
	}
	out := make(map[string]any, len(bm)+len(om))
	for k, v := range bm {
		out[k] = deepCopy(v)
	}
	for k, v := range om {
		out[k] = mergeValue(out[k], v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}

// Get returns the value of a top-level key.
func (c EffectiveConfig) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Has reports whether a top-level key is set.
func (c EffectiveConfig) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Lookup resolves a dotted path such as "motd.title" through nested maps.
func (c EffectiveConfig) Lookup(path string) (any, bool) {
	return LookupPath(c.values, path)
}

// LookupPath resolves a dotted path through nested maps.
func LookupPath(values map[string]any, path string) (any, bool) {
	var cur any = values
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Provenance returns the layer label that set key, or "".
func (c EffectiveConfig) Provenance(key string) string {
	return c.provenance[key]
}

// Keys returns the top-level keys in sorted order.
func (c EffectiveConfig) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns a deep copy of the resolved variables.
func (c EffectiveConfig) Values() map[string]any {
	out, _ := deepCopy(c.values).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// Len returns the number of top-level keys.
func (c EffectiveConfig) Len() int {
	return len(c.values)
}

// Entry is one resolved variable with its source.
type Entry struct {
	Name   string `json:"name" yaml:"name"`
	Value  any    `json:"value" yaml:"value"`
	Source string `json:"source" yaml:"source"`
}

// Entries lists every variable in key order with its provenance.
func (c EffectiveConfig) Entries() []Entry {
	entries := make([]Entry, 0, len(c.values))
	for _, k := range c.Keys() {
		entries = append(entries, Entry{Name: k, Value: deepCopy(c.values[k]), Source: c.provenance[k]})
	}
	return entries
}

// String renders the config for debugging.
func (c EffectiveConfig) String() string {
	parts := make([]string, 0, len(c.values))
	for _, k := range c.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%v (%s)", k, c.values[k], c.provenance[k]))
	}
	return strings.Join(parts, ", ")
}
