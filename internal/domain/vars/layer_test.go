package vars

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_Precedence(t *testing.T) {
	t.Parallel()

	cfg := Merge(
		Layer{Kind: LayerDefaults, Values: map[string]any{"timezone": "UTC", "shell": "/bin/bash"}},
		Layer{Kind: LayerGlobal, Values: map[string]any{"timezone": "Europe/Berlin"}},
		Layer{Kind: LayerGroup, Name: "linux", Values: map[string]any{"shell": "/bin/zsh"}},
		Layer{Kind: LayerHost, Name: "h1", Values: map[string]any{"username": "bob"}},
		Layer{Kind: LayerExtra, Values: map[string]any{"timezone": "UTC"}},
	)

	tests := []struct {
		key    string
		value  any
		source string
	}{
		{key: "timezone", value: "UTC", source: "extra"},
		{key: "shell", value: "/bin/zsh", source: "group:linux"},
		{key: "username", value: "bob", source: "host:h1"},
	}
	for _, tt := range tests {
		v, ok := cfg.Get(tt.key)
		require.True(t, ok, tt.key)
		assert.Equal(t, tt.value, v, tt.key)
		assert.Equal(t, tt.source, cfg.Provenance(tt.key), tt.key)
	}
	assert.Equal(t, []string{"shell", "timezone", "username"}, cfg.Keys())
	assert.Equal(t, 3, cfg.Len())
}

func TestMerge_NestedMapsMergeListsReplace(t *testing.T) {
	t.Parallel()

	cfg := Merge(
		Layer{Kind: LayerGlobal, Values: map[string]any{
			"motd":  map[string]any{"title": "Welcome", "footer": "ops"},
			"tools": []any{"git", "curl"},
		}},
		Layer{Kind: LayerHost, Name: "h1", Values: map[string]any{
			"motd":  map[string]any{"title": "Hello"},
			"tools": []any{"htop"},
		}},
	)

	motd, ok := cfg.Lookup("motd.title")
	require.True(t, ok)
	assert.Equal(t, "Hello", motd)
	footer, ok := cfg.Lookup("motd.footer")
	require.True(t, ok)
	assert.Equal(t, "ops", footer)

	tools, _ := cfg.Get("tools")
	assert.Equal(t, []any{"htop"}, tools)

	_, ok = cfg.Lookup("motd.title.deeper")
	assert.False(t, ok)
	_, ok = cfg.Lookup("missing")
	assert.False(t, ok)
}

func TestMerge_DoesNotAliasInputs(t *testing.T) {
	t.Parallel()

	nested := map[string]any{"a": 1}
	cfg := Merge(Layer{Kind: LayerGlobal, Values: map[string]any{"n": nested}})

	values := cfg.Values()
	values["n"].(map[string]any)["a"] = 2

	v, _ := cfg.Lookup("n.a")
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, nested["a"])
}

func TestEntries(t *testing.T) {
	t.Parallel()

	cfg := Merge(
		Layer{Kind: LayerDefaults, Values: map[string]any{"b": 2}},
		Layer{Kind: LayerHost, Name: "h1", Values: map[string]any{"a": 1}},
	)

	assert.Equal(t, []Entry{
		{Name: "a", Value: 1, Source: "host:h1"},
		{Name: "b", Value: 2, Source: "defaults"},
	}, cfg.Entries())
	assert.Equal(t, "a=1 (host:h1), b=2 (defaults)", cfg.String())
}

func TestLayerKind_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "defaults", LayerDefaults.String())
	assert.Equal(t, "extra", LayerExtra.String())
	assert.Equal(t, "unknown", LayerKind(42).String())
}
