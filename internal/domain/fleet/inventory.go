package fleet

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Inventory is the aggregate root of the target registry. Hosts and groups
// are kept in declaration order so that runs and reports are deterministic.
type Inventory struct {
	mu         sync.RWMutex
	hosts      map[HostID]*Host
	hostOrder  []HostID
	groups     map[GroupName]*Group
	groupOrder []GroupName
	defaults   Address
	vars       map[string]any
}

// NewInventory creates a new empty inventory.
func NewInventory() *Inventory {
	return &Inventory{
		hosts:  make(map[HostID]*Host),
		groups: make(map[GroupName]*Group),
		defaults: Address{
			Port:           22,
			ConnectTimeout: 30 * time.Second,
		},
		vars: map[string]any{},
	}
}

// SetDefaults sets the default address fields applied to every host.
func (i *Inventory) SetDefaults(defaults Address) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.defaults = defaults
}

// Defaults returns the default address fields.
func (i *Inventory) Defaults() Address {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.defaults
}

// SetVars sets the global ("all") variable layer.
func (i *Inventory) SetVars(vars map[string]any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.vars = copyVars(vars)
}

// Vars returns a copy of the global variable layer.
func (i *Inventory) Vars() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return copyVars(i.vars)
}

// AddHost adds a host to the inventory.
func (i *Inventory) AddHost(host *Host) error {
	if host == nil {
		return fmt.Errorf("host cannot be nil")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.hosts[host.ID()]; exists {
		return fmt.Errorf("host %q already exists", host.ID())
	}
	i.hosts[host.ID()] = host
	i.hostOrder = append(i.hostOrder, host.ID())
	return nil
}

// GetHost returns a host by ID with inventory defaults applied.
func (i *Inventory) GetHost(id HostID) (*Host, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	host, ok := i.hosts[id]
	if !ok {
		return nil, false
	}
	return host.withDefaults(i.defaults), true
}

// AllHosts returns all hosts in declaration order, with defaults applied.
func (i *Inventory) AllHosts() []*Host {
	i.mu.RLock()
	defer i.mu.RUnlock()
	hosts := make([]*Host, 0, len(i.hostOrder))
	for _, id := range i.hostOrder {
		hosts = append(hosts, i.hosts[id].withDefaults(i.defaults))
	}
	return hosts
}

// HostCount returns the number of hosts.
func (i *Inventory) HostCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.hosts)
}

// Position returns the declaration index of a host, or -1.
func (i *Inventory) Position(id HostID) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for idx, hid := range i.hostOrder {
		if hid == id {
			return idx
		}
	}
	return -1
}

// AddGroup adds a group to the inventory.
func (i *Inventory) AddGroup(group *Group) error {
	if group == nil {
		return fmt.Errorf("group cannot be nil")
	}
	if group.Name() == AllGroup {
		return fmt.Errorf("group %q is implicit; use inventory vars instead", AllGroup)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.groups[group.Name()]; exists {
		return fmt.Errorf("group %q already exists", group.Name())
	}
	i.groups[group.Name()] = group
	i.groupOrder = append(i.groupOrder, group.Name())
	return nil
}

// GetGroup returns a group by name.
func (i *Inventory) GetGroup(name GroupName) (*Group, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	group, ok := i.groups[name]
	return group, ok
}

// AllGroups returns all groups in declaration order.
func (i *Inventory) AllGroups() []*Group {
	i.mu.RLock()
	defer i.mu.RUnlock()
	groups := make([]*Group, 0, len(i.groupOrder))
	for _, name := range i.groupOrder {
		groups = append(groups, i.groups[name])
	}
	return groups
}

// GroupCount returns the number of groups.
func (i *Inventory) GroupCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.groups)
}

// Validate checks group references and rejects cycles in the child graph.
func (i *Inventory) Validate() error {
	i.mu.RLock()
	defer i.mu.RUnlock()

	for _, id := range i.hostOrder {
		for _, g := range i.hosts[id].groups {
			if _, ok := i.groups[g]; !ok {
				return fmt.Errorf("host %q references unknown group %q", id, g)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[GroupName]int, len(i.groups))
	var visit func(name GroupName, path []GroupName) error
	visit = func(name GroupName, path []GroupName) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("group cycle detected: %v", append(path, name))
		case done:
			return nil
		}
		state[name] = visiting
		for _, child := range i.groups[name].children {
			if _, ok := i.groups[child]; !ok {
				return fmt.Errorf("group %q references unknown child %q", name, child)
			}
			if err := visit(child, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, name := range i.groupOrder {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// HostsByTag returns all hosts with a specific tag, in declaration order.
func (i *Inventory) HostsByTag(tag Tag) []*Host {
	return i.filter(func(h *Host) bool { return h.HasTag(tag) })
}

// HostsByTags returns all hosts with any of the given tags.
func (i *Inventory) HostsByTags(tags Tags) []*Host {
	return i.filter(func(h *Host) bool { return h.HasAnyTag(tags) })
}

// HostsByPattern returns hosts whose ID matches a glob pattern.
func (i *Inventory) HostsByPattern(pattern string) []*Host {
	return i.filter(func(h *Host) bool {
		matched, err := filepath.Match(pattern, string(h.ID()))
		return err == nil && matched
	})
}

// HostsByGroup returns all hosts in a group, including members of its
// descendants and hosts matched by the group's patterns.
func (i *Inventory) HostsByGroup(name GroupName) []*Host {
	if name == AllGroup {
		return i.AllHosts()
	}
	i.mu.RLock()
	if _, ok := i.groups[name]; !ok {
		i.mu.RUnlock()
		return nil
	}
	i.mu.RUnlock()
	return i.filter(func(h *Host) bool {
		return i.memberLocked(h, name, map[GroupName]bool{})
	})
}

// GroupsFor returns every group the host belongs to, directly or through a
// child group, ordered by depth (shallowest first) and then by name. This is
// the order in which group variable layers apply.
func (i *Inventory) GroupsFor(id HostID) []*Group {
	i.mu.RLock()
	defer i.mu.RUnlock()

	host, ok := i.hosts[id]
	if !ok {
		return nil
	}
	depths := i.depthsLocked()
	var result []*Group
	for _, name := range i.groupOrder {
		if i.memberLocked(host, name, map[GroupName]bool{}) {
			result = append(result, i.groups[name])
		}
	}
	sort.SliceStable(result, func(a, b int) bool {
		da, db := depths[result[a].Name()], depths[result[b].Name()]
		if da != db {
			return da < db
		}
		return result[a].Name() < result[b].Name()
	})
	return result
}

// Depth returns the depth of a group: 1 for top-level groups, parent depth
// plus one for children.
func (i *Inventory) Depth(name GroupName) int {
	if name == AllGroup {
		return 0
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.depthsLocked()[name]
}

func (i *Inventory) filter(keep func(*Host) bool) []*Host {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var result []*Host
	for _, id := range i.hostOrder {
		host := i.hosts[id]
		if keep(host) {
			result = append(result, host.withDefaults(i.defaults))
		}
	}
	return result
}

func (i *Inventory) memberLocked(host *Host, name GroupName, visited map[GroupName]bool) bool {
	if visited[name] {
		return false
	}
	visited[name] = true

	group, ok := i.groups[name]
	if !ok {
		return false
	}
	if host.InGroup(name) {
		return true
	}
	for _, pattern := range group.hostPatterns {
		if matched, _ := filepath.Match(pattern, string(host.ID())); matched {
			return true
		}
	}
	for _, child := range group.children {
		if i.memberLocked(host, child, visited) {
			return true
		}
	}
	return false
}

func (i *Inventory) depthsLocked() map[GroupName]int {
	parents := make(map[GroupName][]GroupName)
	for _, name := range i.groupOrder {
		for _, child := range i.groups[name].children {
			parents[child] = append(parents[child], name)
		}
	}
	depths := make(map[GroupName]int, len(i.groups))
	var depth func(name GroupName, seen map[GroupName]bool) int
	depth = func(name GroupName, seen map[GroupName]bool) int {
		if d, ok := depths[name]; ok {
			return d
		}
		if seen[name] {
			return 1
		}
		seen[name] = true
		d := 1
		for _, p := range parents[name] {
			if pd := depth(p, seen) + 1; pd > d {
				d = pd
			}
		}
		depths[name] = d
		return d
	}
	for _, name := range i.groupOrder {
		depth(name, map[GroupName]bool{})
	}
	return depths
}

// InventorySummary is a read-only summary of the inventory.
type InventorySummary struct {
	HostCount  int            `json:"host_count"`
	GroupCount int            `json:"group_count"`
	TagCounts  map[string]int `json:"tag_counts"`
	Groups     []GroupSummary `json:"groups"`
}

// Summary returns a summary of the inventory.
func (i *Inventory) Summary() InventorySummary {
	i.mu.RLock()
	defer i.mu.RUnlock()

	summary := InventorySummary{
		HostCount:  len(i.hosts),
		GroupCount: len(i.groups),
		TagCounts:  make(map[string]int),
		Groups:     make([]GroupSummary, 0, len(i.groups)),
	}
	for _, id := range i.hostOrder {
		for _, tag := range i.hosts[id].tags {
			summary.TagCounts[tag.String()]++
		}
	}
	depths := i.depthsLocked()
	for _, name := range i.groupOrder {
		gs := i.groups[name].Summary()
		gs.Depth = depths[name]
		summary.Groups = append(summary.Groups, gs)
	}
	return summary
}
