package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
)

// Load reads a playbook file. The format follows the extension: .yaml and
// .yml are YAML, .hcl is HCL.
func Load(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.ConfigError(fault.ErrCodeInvalidConfig, "cannot read playbook", err).
			WithSuggestion("check the playbook path")
	}
	dir := filepath.Dir(path)

	var p *Playbook
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		p, err = ParseYAML(data, dir)
	case ".hcl":
		p, err = ParseHCL(data, path, dir)
	default:
		return nil, fault.ConfigError(fault.ErrCodeInvalidConfig, fmt.Sprintf("unsupported playbook format %q", ext), nil).
			WithSuggestion("use .yaml, .yml or .hcl")
	}
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

func resolvePaths(dir string, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		if filepath.IsAbs(p) || dir == "" {
			out[i] = p
			continue
		}
		out[i] = filepath.Join(dir, p)
	}
	return out
}
