package vars

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
)

// ParseExtra parses command line overrides. Each item is key=value, where
// the value is read as a YAML scalar or flow collection, or @path to load a
// whole vars file. Later items win.
func ParseExtra(items []string) (map[string]any, error) {
	out := map[string]any{}
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.HasPrefix(item, "@") {
			values, err := LoadFile(item[1:])
			if err != nil {
				return nil, err
			}
			out = mergeValue(out, values).(map[string]any)
			continue
		}
		key, raw, ok := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fault.ConfigError(fault.ErrCodeInvalidConfig,
				fmt.Sprintf("invalid extra variable %q", item), nil).
				WithSuggestion("Use -e key=value or -e @vars.yaml")
		}
		out[key] = parseScalar(raw)
	}
	return out, nil
}

func parseScalar(raw string) any {
	if raw == "" {
		return ""
	}
	var v any
	if err := decodeYAML([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	switch v.(type) {
	case map[string]any, []any:
		return normalize(v)
	case string, bool, int, float64:
		return normalize(v)
	default:
		return raw
	}
}
