// Package inventory loads the target registry from YAML or Ansible-style INI
// files.
package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet"
)

// Load reads an inventory file. .yaml and .yml files are YAML; anything
// else (.ini, .cfg, hosts) is INI. Failures are ConfigErrors.
func Load(path string) (*fleet.Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.ConfigError(fault.ErrCodeInvalidConfig,
				fmt.Sprintf("inventory file not found: %s", path), nil).
				WithSuggestion("Pass an inventory with -i or set inventory in converge.yaml")
		}
		return nil, fault.ConfigError(fault.ErrCodeParse, "failed to read inventory", err)
	}

	inv, err := Parse(path, data)
	if err != nil {
		return nil, fault.ConfigError(fault.ErrCodeParse, fmt.Sprintf("invalid inventory %s", path), err)
	}
	return inv, nil
}

// Parse parses inventory data, choosing the format from name's extension.
func Parse(name string, data []byte) (*fleet.Inventory, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseINI(data)
	}
}

// Localhost returns an inventory holding one local target, used when no
// inventory is given.
func Localhost() *fleet.Inventory {
	inv := fleet.NewInventory()
	host, _ := fleet.NewHost("localhost", fleet.Address{Connection: "local"})
	_ = inv.AddHost(host)
	return inv
}
