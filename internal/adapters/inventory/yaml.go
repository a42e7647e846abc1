package inventory

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"github.com/felixgeelhaar/converge/internal/domain/vars"
	"gopkg.in/yaml.v3"
)

// File is the YAML structure of an inventory file. Hosts and groups are
// mappings whose key order is the declaration order.
type File struct {
	Defaults DefaultsConfig `yaml:"defaults"`
	Vars     map[string]any `yaml:"vars"`
	Hosts    yaml.Node      `yaml:"hosts"`
	Groups   yaml.Node      `yaml:"groups"`
}

// HostConfig represents a host in the inventory file.
type HostConfig struct {
	Hostname       string         `yaml:"hostname"`
	User           string         `yaml:"user"`
	Port           int            `yaml:"port"`
	SSHKey         string         `yaml:"ssh_key"`
	ProxyJump      string         `yaml:"proxy_jump"`
	Connection     string         `yaml:"connection"`
	ConnectTimeout time.Duration  `yaml:"connect_timeout"`
	Tags           []string       `yaml:"tags"`
	Groups         []string       `yaml:"groups"`
	Vars           map[string]any `yaml:"vars"`
}

// GroupConfig represents a group in the inventory file.
type GroupConfig struct {
	Description string         `yaml:"description"`
	Hosts       []string       `yaml:"hosts"`
	Children    []string       `yaml:"children"`
	Vars        map[string]any `yaml:"vars"`
}

// DefaultsConfig represents connection defaults for every host.
type DefaultsConfig struct {
	User           string        `yaml:"user"`
	Port           int           `yaml:"port"`
	SSHKey         string        `yaml:"ssh_key"`
	ProxyJump      string        `yaml:"proxy_jump"`
	Connection     string        `yaml:"connection"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ParseYAML parses a YAML inventory.
func ParseYAML(data []byte) (*fleet.Inventory, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	var raw File
	if doc.Kind != 0 {
		keepOctalVars(&doc)
		if err := doc.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to parse inventory: %w", err)
		}
	}
	return raw.ToInventory()
}

// keepOctalVars keeps leading-zero integers such as 0644 as text in every
// vars mapping below n. Other fields, like ports, stay numeric.
func keepOctalVars(n *yaml.Node) {
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == "vars" {
				vars.KeepOctalText(n.Content[i+1])
			}
		}
	}
	for _, c := range n.Content {
		keepOctalVars(c)
	}
}

// ToInventory converts the file to a domain Inventory.
func (f *File) ToInventory() (*fleet.Inventory, error) {
	b := newBuilder()
	b.defaults(fleet.Address{
		User:           f.Defaults.User,
		Port:           f.Defaults.Port,
		IdentityFile:   f.Defaults.SSHKey,
		ProxyJump:      f.Defaults.ProxyJump,
		Connection:     f.Defaults.Connection,
		ConnectTimeout: f.Defaults.ConnectTimeout,
	})
	b.vars(f.Vars)

	err := eachEntry(&f.Hosts, "hosts", func(name string, node *yaml.Node) error {
		var cfg HostConfig
		if err := decodeEntry(node, &cfg); err != nil {
			return fmt.Errorf("host %q: %w", name, err)
		}
		return b.host(name, fleet.Address{
			Hostname:       cfg.Hostname,
			User:           cfg.User,
			Port:           cfg.Port,
			IdentityFile:   cfg.SSHKey,
			ProxyJump:      cfg.ProxyJump,
			Connection:     cfg.Connection,
			ConnectTimeout: cfg.ConnectTimeout,
		}, cfg.Tags, cfg.Groups, cfg.Vars)
	})
	if err != nil {
		return nil, err
	}

	err = eachEntry(&f.Groups, "groups", func(name string, node *yaml.Node) error {
		var cfg GroupConfig
		if err := decodeEntry(node, &cfg); err != nil {
			return fmt.Errorf("group %q: %w", name, err)
		}
		if name == fleet.AllGroup.String() {
			b.vars(cfg.Vars)
			return nil
		}
		g := b.group(name)
		g.description = cfg.Description
		g.patterns = append(g.patterns, cfg.Hosts...)
		g.children = append(g.children, cfg.Children...)
		g.vars = mergeVars(g.vars, cfg.Vars)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return b.build()
}

// eachEntry walks a YAML mapping in document order.
func eachEntry(node *yaml.Node, what string, fn func(name string, value *yaml.Node) error) error {
	if node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null") {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%s must be a mapping (line %d)", what, node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if err := fn(node.Content[i].Value, node.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// decodeEntry decodes a host or group body. An empty body is allowed.
func decodeEntry(node *yaml.Node, out any) error {
	if node.Kind == yaml.ScalarNode && (node.Tag == "!!null" || node.Value == "") {
		return nil
	}
	return node.Decode(out)
}
