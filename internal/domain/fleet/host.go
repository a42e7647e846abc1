package fleet

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// HostID is a unique identifier for a host within the inventory.
type HostID string

// hostIDPattern validates host IDs: alphanumeric with hyphens and dots.
var hostIDPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]{0,62}[a-zA-Z0-9]?$`)

// NewHostID creates a new host ID, validating the format.
func NewHostID(id string) (HostID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("host ID cannot be empty")
	}
	if !hostIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid host ID %q: must be alphanumeric with hyphens/dots, 1-64 chars", id)
	}
	return HostID(id), nil
}

// String returns the host ID as a string.
func (h HostID) String() string {
	return string(h)
}

// Address holds how a host is reached and which credentials are used.
type Address struct {
	// Hostname is the DNS name or IP address. Defaults to the host ID.
	Hostname string `yaml:"hostname" json:"hostname"`
	// User is the login user.
	User string `yaml:"user" json:"user"`
	// Port is the SSH port (default 22).
	Port int `yaml:"port" json:"port"`
	// IdentityFile references the private key used to authenticate.
	// Empty means the transport's defaults and the SSH agent are tried.
	IdentityFile string `yaml:"ssh_key" json:"ssh_key,omitempty"`
	// ProxyJump is an optional jump host (host:port).
	ProxyJump string `yaml:"proxy_jump,omitempty" json:"proxy_jump,omitempty"`
	// Connection names the transport ("ssh" or "local"). Empty uses the run default.
	Connection string `yaml:"connection,omitempty" json:"connection,omitempty"`
	// ConnectTimeout bounds connection establishment. Zero uses the transport default.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
}

// Validate validates the address.
func (a Address) Validate() error {
	if a.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if a.Port < 0 || a.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	switch a.Connection {
	case "", "ssh", "local":
	default:
		return fmt.Errorf("unknown connection %q (use ssh or local)", a.Connection)
	}
	return nil
}

// WithDefaults returns a copy where zero fields are filled from defaults.
func (a Address) WithDefaults(defaults Address) Address {
	if a.Port == 0 {
		a.Port = defaults.Port
	}
	if a.Port == 0 {
		a.Port = 22
	}
	if a.User == "" {
		a.User = defaults.User
	}
	if a.IdentityFile == "" {
		a.IdentityFile = defaults.IdentityFile
	}
	if a.ProxyJump == "" {
		a.ProxyJump = defaults.ProxyJump
	}
	if a.Connection == "" {
		a.Connection = defaults.Connection
	}
	if a.ConnectTimeout == 0 {
		a.ConnectTimeout = defaults.ConnectTimeout
	}
	return a
}

// HostOption configures a host at construction time.
type HostOption func(*Host)

// WithTags sets the ordered tag set.
func WithTags(tags Tags) HostOption {
	return func(h *Host) {
		h.tags = Tags{}.Union(tags)
	}
}

// WithGroups sets direct group memberships.
func WithGroups(groups ...GroupName) HostOption {
	return func(h *Host) {
		for _, g := range groups {
			if !h.InGroup(g) {
				h.groups = append(h.groups, g)
			}
		}
	}
}

// WithVars sets host-level variables.
func WithVars(vars map[string]any) HostOption {
	return func(h *Host) {
		h.vars = copyVars(vars)
	}
}

// Host is a target machine. It is immutable once constructed; run state
// is tracked by the executor, not on the host.
type Host struct {
	id      HostID
	address Address
	tags    Tags
	groups  []GroupName
	vars    map[string]any
}

// NewHost creates a new host. An empty hostname defaults to the host ID.
func NewHost(id HostID, addr Address, opts ...HostOption) (*Host, error) {
	if addr.Hostname == "" {
		addr.Hostname = id.String()
	}
	if addr.Port == 0 {
		addr.Port = 22
	}
	if err := addr.Validate(); err != nil {
		return nil, fmt.Errorf("invalid address for %s: %w", id, err)
	}
	h := &Host{
		id:      id,
		address: addr,
		tags:    Tags{},
		groups:  []GroupName{},
		vars:    map[string]any{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ID returns the host's unique identifier.
func (h *Host) ID() HostID {
	return h.id
}

// Address returns the connection address.
func (h *Host) Address() Address {
	return h.address
}

// Tags returns a copy of the host's ordered tags.
func (h *Host) Tags() Tags {
	return Tags{}.Union(h.tags)
}

// Groups returns the groups this host directly belongs to.
func (h *Host) Groups() []GroupName {
	result := make([]GroupName, len(h.groups))
	copy(result, h.groups)
	return result
}

// Vars returns a copy of the host variables.
func (h *Host) Vars() map[string]any {
	return copyVars(h.vars)
}

// InGroup checks direct membership of a group.
func (h *Host) InGroup(group GroupName) bool {
	for _, g := range h.groups {
		if g == group {
			return true
		}
	}
	return false
}

// HasTag checks if the host has a specific tag.
func (h *Host) HasTag(tag Tag) bool {
	return h.tags.Contains(tag)
}

// HasAnyTag checks if the host has any of the given tags.
func (h *Host) HasAnyTag(tags Tags) bool {
	return h.tags.ContainsAny(tags)
}

// HasAllTags checks if the host has all the given tags.
func (h *Host) HasAllTags(tags Tags) bool {
	return h.tags.ContainsAll(tags)
}

// withDefaults returns a copy of the host with inventory defaults applied.
func (h *Host) withDefaults(defaults Address) *Host {
	c := *h
	c.address = h.address.WithDefaults(defaults)
	return &c
}

// HostSummary is a read-only summary of a host.
type HostSummary struct {
	ID         HostID   `json:"id"`
	Hostname   string   `json:"hostname"`
	User       string   `json:"user,omitempty"`
	Port       int      `json:"port"`
	Connection string   `json:"connection,omitempty"`
	Tags       []string `json:"tags"`
	Groups     []string `json:"groups"`
	VarNames   []string `json:"vars,omitempty"`
}

// Summary returns a read-only summary of the host.
func (h *Host) Summary() HostSummary {
	groups := make([]string, len(h.groups))
	for i, g := range h.groups {
		groups[i] = g.String()
	}
	names := make([]string, 0, len(h.vars))
	for k := range h.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return HostSummary{
		ID:         h.id,
		Hostname:   h.address.Hostname,
		User:       h.address.User,
		Port:       h.address.Port,
		Connection: h.address.Connection,
		Tags:       h.tags.Strings(),
		Groups:     groups,
		VarNames:   names,
	}
}

func copyVars(vars map[string]any) map[string]any {
	result := make(map[string]any, len(vars))
	for k, v := range vars {
		result[k] = v
	}
	return result
}
