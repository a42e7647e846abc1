package inventory

import (
	"fmt"

	"github.com/felixgeelhaar/converge/internal/domain/fleet"
)

type hostEntry struct {
	name   string
	addr   fleet.Address
	tags   []string
	groups []string
	vars   map[string]any
}

type groupEntry struct {
	name        string
	description string
	patterns    []string
	children    []string
	vars        map[string]any
}

// builder collects hosts and groups in the order they are first mentioned.
// A host mentioned twice is merged, as INI files list a host once per
// group.
type builder struct {
	addr     fleet.Address
	globals  map[string]any
	hosts    []*hostEntry
	hostIdx  map[string]*hostEntry
	groups   []*groupEntry
	groupIdx map[string]*groupEntry
}

func newBuilder() *builder {
	return &builder{
		globals:  map[string]any{},
		hostIdx:  map[string]*hostEntry{},
		groupIdx: map[string]*groupEntry{},
	}
}

func (b *builder) defaults(addr fleet.Address) {
	b.addr = mergeAddress(b.addr, addr)
}

func (b *builder) vars(values map[string]any) {
	b.globals = mergeVars(b.globals, values)
}

func (b *builder) group(name string) *groupEntry {
	if g, ok := b.groupIdx[name]; ok {
		return g
	}
	g := &groupEntry{name: name, vars: map[string]any{}}
	b.groupIdx[name] = g
	b.groups = append(b.groups, g)
	return g
}

func (b *builder) host(name string, addr fleet.Address, tags, groups []string, values map[string]any) error {
	if name == "" {
		return fmt.Errorf("host name cannot be empty")
	}
	h, ok := b.hostIdx[name]
	if !ok {
		h = &hostEntry{name: name, vars: map[string]any{}}
		b.hostIdx[name] = h
		b.hosts = append(b.hosts, h)
	}
	h.addr = mergeAddress(h.addr, addr)
	h.tags = append(h.tags, tags...)
	for _, g := range groups {
		if g == fleet.AllGroup.String() {
			continue
		}
		b.group(g)
		h.groups = append(h.groups, g)
	}
	h.vars = mergeVars(h.vars, values)
	return nil
}

func (b *builder) build() (*fleet.Inventory, error) {
	inv := fleet.NewInventory()
	inv.SetDefaults(mergeAddress(inv.Defaults(), b.addr))
	inv.SetVars(b.globals)

	for _, g := range b.groups {
		name, err := fleet.NewGroupName(g.name)
		if err != nil {
			return nil, err
		}
		children := make([]fleet.GroupName, 0, len(g.children))
		for _, c := range g.children {
			child, err := fleet.NewGroupName(c)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", g.name, err)
			}
			children = append(children, child)
		}
		group := fleet.NewGroup(name,
			fleet.WithDescription(g.description),
			fleet.WithHostPatterns(g.patterns...),
			fleet.WithChildren(children...),
			fleet.WithGroupVars(g.vars),
		)
		if err := inv.AddGroup(group); err != nil {
			return nil, err
		}
	}

	for _, h := range b.hosts {
		id, err := fleet.NewHostID(h.name)
		if err != nil {
			return nil, err
		}
		tags, err := fleet.NewTags(h.tags...)
		if err != nil {
			return nil, fmt.Errorf("host %q: %w", h.name, err)
		}
		groups := make([]fleet.GroupName, 0, len(h.groups))
		for _, g := range h.groups {
			groups = append(groups, fleet.GroupName(g))
		}
		host, err := fleet.NewHost(id, h.addr,
			fleet.WithTags(tags),
			fleet.WithGroups(groups...),
			fleet.WithVars(h.vars),
		)
		if err != nil {
			return nil, err
		}
		if err := inv.AddHost(host); err != nil {
			return nil, err
		}
	}

	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return inv, nil
}

// mergeAddress returns base with the non-zero fields of overlay applied.
func mergeAddress(base, overlay fleet.Address) fleet.Address {
	if overlay.Hostname != "" {
		base.Hostname = overlay.Hostname
	}
	if overlay.User != "" {
		base.User = overlay.User
	}
	if overlay.Port != 0 {
		base.Port = overlay.Port
	}
	if overlay.IdentityFile != "" {
		base.IdentityFile = overlay.IdentityFile
	}
	if overlay.ProxyJump != "" {
		base.ProxyJump = overlay.ProxyJump
	}
	if overlay.Connection != "" {
		base.Connection = overlay.Connection
	}
	if overlay.ConnectTimeout != 0 {
		base.ConnectTimeout = overlay.ConnectTimeout
	}
	return base
}

func mergeVars(base, overlay map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	for k, v := range overlay {
		base[k] = v
	}
	return base
}
