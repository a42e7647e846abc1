package inventory

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"gopkg.in/ini.v1"
)

// ParseINI parses an Ansible-style INI inventory:
//
//	web1 hostname=10.0.0.1 user=deploy tags=web,edge
//
//	[web]
//	web1
//	web2 port=2222
//
//	[web:vars]
//	http_port=8080
//
//	[prod:children]
//	web
//
// Hosts before the first section belong to no group. [all:vars] sets the
// global layer. Connection keys on a host line set its address; any other
// key=value is a host variable.
func ParseINI(data []byte) (*fleet.Inventory, error) {
	src := append([]byte("["+ungrouped+"]\n"), data...)

	// Host lines are not key=value pairs, so sections are read raw once
	// their names are known.
	probe, err := ini.LoadSources(ini.LoadOptions{
		AllowBooleanKeys:        true,
		SkipUnrecognizableLines: true,
	}, src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	f, err := ini.LoadSources(ini.LoadOptions{
		UnparseableSections: probe.SectionStrings(),
	}, src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	b := newBuilder()
	for _, section := range f.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			continue
		}
		group, suffix, _ := strings.Cut(name, ":")
		lines := bodyLines(section.Body())

		switch suffix {
		case "vars":
			values := map[string]any{}
			for _, line := range lines {
				k, v, ok := splitAssignment(line)
				if !ok {
					return nil, fmt.Errorf("[%s]: expected key=value, got %q", name, line)
				}
				values[k] = parseValue(v)
			}
			if group == fleet.AllGroup.String() {
				b.vars(values)
				continue
			}
			g := b.group(group)
			g.vars = mergeVars(g.vars, values)

		case "children":
			g := b.group(group)
			for _, child := range lines {
				b.group(child)
				g.children = append(g.children, child)
			}

		case "":
			if group == ungrouped || group == fleet.AllGroup.String() {
				group = ""
			} else {
				b.group(group)
			}
			for _, line := range lines {
				if err := hostLine(b, group, line); err != nil {
					return nil, fmt.Errorf("[%s] %s: %w", name, line, err)
				}
			}

		default:
			return nil, fmt.Errorf("unknown section type [%s]", name)
		}
	}
	return b.build()
}

// ungrouped holds host lines that precede the first section header.
const ungrouped = "ungrouped"

func bodyLines(body string) []string {
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func hostLine(b *builder, group, line string) error {
	fields := strings.Fields(line)
	var addr fleet.Address
	var tags []string
	values := map[string]any{}

	for _, field := range fields[1:] {
		k, v, ok := splitAssignment(field)
		if !ok {
			return fmt.Errorf("expected key=value, got %q", field)
		}
		switch k {
		case "hostname", "ansible_host":
			addr.Hostname = v
		case "user", "ansible_user":
			addr.User = v
		case "port", "ansible_port":
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid port %q", v)
			}
			addr.Port = port
		case "ssh_key", "ansible_ssh_private_key_file":
			addr.IdentityFile = v
		case "proxy_jump":
			addr.ProxyJump = v
		case "connection", "ansible_connection":
			addr.Connection = v
		case "connect_timeout":
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid connect_timeout %q", v)
			}
			addr.ConnectTimeout = d
		case "tags":
			tags = append(tags, strings.Split(v, ",")...)
		default:
			values[k] = parseValue(v)
		}
	}

	var groups []string
	if group != "" {
		groups = []string{group}
	}
	return b.host(fields[0], addr, tags, groups, values)
}

func splitAssignment(s string) (string, string, bool) {
	k, v, ok := strings.Cut(s, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return "", "", false
	}
	return k, strings.Trim(strings.TrimSpace(v), `"'`), true
}

// parseValue reads booleans and integers; everything else stays a string.
// Numbers with a leading zero, such as the mode 0644, stay strings too.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true", "yes":
		return true
	case "false", "no":
		return false
	}
	if len(s) > 1 && s[0] == '0' {
		return s
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}
