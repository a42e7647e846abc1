package playbook

import (
	"path/filepath"
	"testing"

	"github.com/felixgeelhaar/converge/internal/domain/facts"
	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/steps"
	"github.com/felixgeelhaar/converge/internal/domain/vars"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scopeWith(values map[string]any) Scope {
	return Scope{
		Target: "ws-01",
		Vars:   vars.Merge(vars.Layer{Kind: vars.LayerGlobal, Values: values}),
		Facts:  facts.Facts{OS: "linux", OSFamily: "debian", PkgMgr: "apt", Distribution: "debian"},
	}
}

func parse(t *testing.T, src string) *Playbook {
	t.Helper()
	p, err := ParseYAML([]byte(src), "")
	require.NoError(t, err)
	return p
}

func TestStep_Render(t *testing.T) {
	t.Parallel()

	p := parse(t, workstationYAML)
	scope := scopeWith(map[string]any{
		"username":   "bob",
		"timezone":   "Europe/Berlin",
		"tools":      []any{"git", "htop", "jq"},
		"motd_title": "Welcome",
	})

	user, err := p.Steps[0].Render(scope)
	require.NoError(t, err)
	assert.Equal(t, &steps.UserAction{Name: "bob", Groups: []string{"sudo"}}, user)

	tools, err := p.Steps[2].Render(scope)
	require.NoError(t, err)
	assert.Equal(t, []string{"git", "htop", "jq"}, tools.(*steps.PackageAction).Names)

	motd, err := p.Steps[3].Render(scope)
	require.NoError(t, err)
	assert.Equal(t, "Welcome, bob\n", motd.(*steps.FileAction).Content)
	assert.Equal(t, "0644", motd.(*steps.FileAction).Mode)

	hostname, err := p.Steps[4].Render(scope)
	require.NoError(t, err)
	assert.Equal(t, "ws-01", hostname.(*steps.HostnameAction).Name)
}

func TestStep_RenderUndefinedVariable(t *testing.T) {
	t.Parallel()

	p := parse(t, workstationYAML)
	_, err := p.Steps[0].Render(scopeWith(map[string]any{}))

	require.Error(t, err)
	assert.True(t, fault.IsConfig(err))
	assert.ErrorIs(t, err, &fault.Error{Kind: fault.KindConfig, Code: fault.ErrCodeUndefinedVariable})

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "ws-01", fe.Target)
	assert.Equal(t, "create user", fe.Step)
	assert.Contains(t, fe.Message, `"username"`)
}

func TestStep_RenderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		code string
	}{
		{"bad syntax", "steps:\n  - name: x\n    hostname: \"{{ .name \"\n", fault.ErrCodeTemplate},
		{"unknown function", "steps:\n  - name: x\n    hostname: \"{{ shout .name }}\"\n", fault.ErrCodeTemplate},
		{"invalid after render", "steps:\n  - name: x\n    hostname: \"{{ .name }}_bad\"\n", fault.ErrCodeInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := parse(t, tt.yaml)
			_, err := p.Steps[0].Render(scopeWith(map[string]any{"name": "web"}))
			require.Error(t, err)
			assert.ErrorIs(t, err, &fault.Error{Kind: fault.KindConfig, Code: tt.code})
		})
	}
}

func TestStep_RenderModeFromVariable(t *testing.T) {
	t.Parallel()

	p := parse(t, "steps:\n  - name: motd\n    file:\n      dest: /etc/motd\n      content: hi\n      mode: \"{{ .motd_mode }}\"\n")

	fromExtra, err := vars.ParseExtra([]string{"motd_mode=0644"})
	require.NoError(t, err)
	fromFile, err := vars.Decode(".yaml", []byte("motd_mode: 0644\n"))
	require.NoError(t, err)

	for name, values := range map[string]map[string]any{"extra": fromExtra, "vars file": fromFile} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			action, err := p.Steps[0].Render(scopeWith(values))
			require.NoError(t, err)
			assert.Equal(t, "0644", action.(*steps.FileAction).Mode)
		})
	}

	t.Run("number rejected", func(t *testing.T) {
		t.Parallel()
		_, err := p.Steps[0].Render(scopeWith(map[string]any{"motd_mode": 420}))
		require.Error(t, err)
		assert.True(t, fault.IsConfig(err))
		assert.Contains(t, err.Error(), "motd_mode")
	})
}

func TestStep_RenderFacts(t *testing.T) {
	t.Parallel()

	p := parse(t, "steps:\n  - name: pkg\n    package:\n      names: [\"{{ if eq .facts.os_family \\\"debian\\\" }}build-essential{{ else }}gcc{{ end }}\"]\n")
	require.True(t, p.Steps[0].UsesFacts())

	action, err := p.Steps[0].Render(scopeWith(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"build-essential"}, action.(*steps.PackageAction).Names)
}

func TestStep_RenderFuncs(t *testing.T) {
	t.Parallel()

	p := parse(t, "steps:\n  - name: motd\n    file:\n      dest: /etc/motd\n      content: \"{{ upper .name }} {{ join \\\",\\\" .tools }} {{ default \\\"none\\\" .blank }}\"\n")
	action, err := p.Steps[0].Render(scopeWith(map[string]any{"name": "web", "tools": []any{"a", "b"}, "blank": ""}))
	require.NoError(t, err)
	assert.Equal(t, "WEB a,b none", action.(*steps.FileAction).Content)
}

func TestStep_RenderSrc(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "files/motd", "static {{ .name }}\n")
	writeFile(t, dir, "files/motd.tmpl", "hello {{ .name }}\n")
	path := writeFile(t, dir, "site.yml", `
steps:
  - name: static
    file: {dest: /etc/motd, src: files/motd}
  - name: templated
    file: {dest: /etc/issue, src: files/motd.tmpl}
  - name: missing
    file: {dest: /etc/x, src: files/nope}
`)
	p, err := Load(path)
	require.NoError(t, err)
	scope := scopeWith(map[string]any{"name": "bob"})

	static, err := p.Steps[0].Render(scope)
	require.NoError(t, err)
	assert.Equal(t, "static {{ .name }}\n", static.(*steps.FileAction).Content)

	templated, err := p.Steps[1].Render(scope)
	require.NoError(t, err)
	assert.Equal(t, "hello bob\n", templated.(*steps.FileAction).Content)

	_, err = p.Steps[2].Render(scope)
	require.Error(t, err)
	assert.True(t, fault.IsConfig(err))
	assert.Contains(t, err.Error(), filepath.Join("files", "nope"))
}

func TestStep_Applies(t *testing.T) {
	t.Parallel()

	p := parse(t, workstationYAML)
	scope := scopeWith(map[string]any{"install_tools": false})

	assert.True(t, p.Steps[0].Applies(scope))
	assert.False(t, p.Steps[2].Applies(scope))
	assert.True(t, p.Steps[5].Applies(scope))

	scope.Facts = facts.Facts{}
	assert.False(t, p.Steps[5].Applies(scope))
}

func TestPlaybook_Preflight(t *testing.T) {
	t.Parallel()

	p := parse(t, workstationYAML)
	ok := scopeWith(map[string]any{"username": "bob", "timezone": "UTC", "tools": []any{"git"}, "motd_title": "Hi"})
	assert.NoError(t, p.Preflight(ok))

	missing := scopeWith(map[string]any{"timezone": "UTC", "tools": []any{"git"}, "motd_title": "Hi"})
	err := p.Preflight(missing)
	require.Error(t, err)
	assert.ErrorIs(t, err, &fault.Error{Kind: fault.KindConfig, Code: fault.ErrCodeUndefinedVariable})

	facty := parse(t, "steps:\n  - name: h\n    hostname: \"{{ .facts.hostname }}\"\n")
	assert.NoError(t, facty.Preflight(scopeWith(nil)), "validation waits for facts")
}
