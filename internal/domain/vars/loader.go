package vars

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Extensions lists the var file extensions LoadFile understands, in the
// order they are tried when looking up group_vars and host_vars.
var Extensions = []string{".yaml", ".yml", ".toml", ".json", ".jsonc", ".env"}

// LoadFile reads a variable file, choosing the decoder by extension.
func LoadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.ConfigError(fault.ErrCodeParse, fmt.Sprintf("cannot read vars file %s", path), err)
	}
	values, err := Decode(filepath.Ext(path), data)
	if err != nil {
		return nil, fault.ConfigError(fault.ErrCodeParse, fmt.Sprintf("cannot parse vars file %s", path), err)
	}
	return values, nil
}

// Decode decodes variable data in the format named by ext.
func Decode(ext string, data []byte) (map[string]any, error) {
	values := map[string]any{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if len(bytes.TrimSpace(data)) == 0 {
			return values, nil
		}
		if err := decodeYAML(data, &values); err != nil {
			return nil, err
		}
	case ".toml":
		if err := toml.Unmarshal(data, &values); err != nil {
			return nil, err
		}
	case ".json", ".jsonc":
		if len(bytes.TrimSpace(data)) == 0 {
			return values, nil
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), &values); err != nil {
			return nil, err
		}
	case ".env":
		env, err := godotenv.Unmarshal(string(data))
		if err != nil {
			return nil, err
		}
		for k, v := range env {
			values[k] = v
		}
	default:
		return nil, fmt.Errorf("unsupported vars format %q", ext)
	}
	return normalizeMap(values), nil
}

// legacyOctal matches integers written with a leading zero, such as 0644.
var legacyOctal = regexp.MustCompile(`^[-+]?0[0-7]+$`)

// decodeYAML decodes YAML into out. Leading-zero integers keep their text
// so that file modes like 0644 are not read as the number 420.
func decodeYAML(data []byte, out any) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Kind == 0 {
		return nil
	}
	KeepOctalText(&doc)
	return doc.Decode(out)
}

// KeepOctalText retags the leading-zero integers below n as strings.
func KeepOctalText(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!int" && legacyOctal.MatchString(n.Value) {
		n.Tag = "!!str"
	}
	for _, c := range n.Content {
		KeepOctalText(c)
	}
}

// LoadNamed loads the variables for name below dir. It accepts a single
// file <dir>/<name>.<ext> and a directory <dir>/<name>/ whose files are
// merged in lexical order. A name with no files yields an empty map.
func LoadNamed(dir, name string) (map[string]any, error) {
	merged := map[string]any{}

	for _, ext := range Extensions {
		path := filepath.Join(dir, name+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		values, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		merged = mergeValue(merged, values).(map[string]any)
	}

	sub := filepath.Join(dir, name)
	info, err := os.Stat(sub)
	if err != nil || !info.IsDir() {
		return merged, nil
	}
	entries, err := os.ReadDir(sub)
	if err != nil {
		return nil, fault.ConfigError(fault.ErrCodeParse, fmt.Sprintf("cannot read vars directory %s", sub), err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isVarsFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		values, err := LoadFile(filepath.Join(sub, n))
		if err != nil {
			return nil, err
		}
		merged = mergeValue(merged, values).(map[string]any)
	}
	return merged, nil
}

func isVarsFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// normalizeMap converts decoder-specific number types so that every format
// yields int for whole numbers and float64 otherwise.
func normalizeMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalize(v)
	}
	return m
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case int64:
		return int(t)
	case uint64:
		if t <= math.MaxInt64 {
			return int(t)
		}
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int(t)
		}
		return t
	default:
		return v
	}
}
