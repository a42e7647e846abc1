package playbook

import (
	"testing"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/steps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const workstationHCL = `
name   = "workstation"
hosts  = "@workstations"
become = true

vars_files = ["vars/common.yaml"]

vars {
  motd_title = "Welcome"
  ssh_port   = 2222
  ratio      = 0.5
  tools      = ["git", "htop"]
  motd       = { color = "green" }
}

variable "username" {
  required    = true
  description = "login account to create"
}

variable "timezone" {
  default = "Etc/UTC"
}

step "create user" {
  user {
    name   = "{{ .username }}"
    groups = ["sudo"]
  }
}

step "install tools" {
  when {
    any {
      var = "install_tools"
    }
    any {
      equals {
        var   = "facts.os_family"
        value = "debian"
      }
    }
  }
  package {
    names = ["{{ .tools }}"]
  }
}

step "set timezone" {
  become = false
  timezone {
    name = "{{ .timezone }}"
  }
}
`

func TestParseHCL_Workstation(t *testing.T) {
	t.Parallel()

	p, err := ParseHCL([]byte(workstationHCL), "site.hcl", "/srv/plays")
	require.NoError(t, err)

	assert.Equal(t, "workstation", p.Name)
	assert.True(t, p.Become)
	assert.True(t, p.GatherFacts)
	assert.Equal(t, []string{"/srv/plays/vars/common.yaml"}, p.VarsFiles)

	assert.Equal(t, "Welcome", p.Vars["motd_title"])
	assert.Equal(t, 2222, p.Vars["ssh_port"])
	assert.Equal(t, 0.5, p.Vars["ratio"])
	assert.Equal(t, []any{"git", "htop"}, p.Vars["tools"])
	assert.Equal(t, map[string]any{"color": "green"}, p.Vars["motd"])

	require.Len(t, p.Variables, 2)
	assert.Equal(t, "timezone", p.Variables[0].Name)
	assert.Equal(t, "Etc/UTC", p.Variables[0].Default)
	assert.True(t, p.Variables[1].Required)
	assert.False(t, p.Variables[1].HasDefault)

	require.Len(t, p.Steps, 3)
	assert.Equal(t, steps.KindUser, p.Steps[0].Kind())
	require.NotNil(t, p.Steps[1].When)
	assert.Len(t, p.Steps[1].When.Any, 2)
	assert.Equal(t, "debian", p.Steps[1].When.Any[1].Equals.Value)
	assert.False(t, p.Steps[1].UsesFacts())
	assert.False(t, p.Steps[2].BecomeFor(true))
}

func TestParseHCL_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
		code string
	}{
		{"syntax", `step "x" {`, fault.ErrCodeParse},
		{"unknown block", `stp "x" {}`, fault.ErrCodeParse},
		{"two actions", "step \"x\" {\n hostname {\n name = \"a\"\n }\n timezone {\n name = \"UTC\"\n }\n}\n", fault.ErrCodeInvalidConfig},
		{"vars with block", "vars {\n nested {\n }\n}\nstep \"x\" {\n hostname {\n name = \"a\"\n }\n}\n", fault.ErrCodeParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseHCL([]byte(tt.src), "bad.hcl", "")
			require.Error(t, err)
			assert.ErrorIs(t, err, &fault.Error{Kind: fault.KindConfig, Code: tt.code})
		})
	}
}

func TestCtyToGo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       cty.Value
		expected any
	}{
		{"null", cty.NullVal(cty.String), nil},
		{"string", cty.StringVal("x"), "x"},
		{"bool", cty.True, true},
		{"int", cty.NumberIntVal(42), 42},
		{"float", cty.NumberFloatVal(1.5), 1.5},
		{"list", cty.ListVal([]cty.Value{cty.StringVal("a"), cty.StringVal("b")}), []any{"a", "b"}},
		{"object", cty.ObjectVal(map[string]cty.Value{"n": cty.NumberIntVal(1)}), map[string]any{"n": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ctyToGo(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := ctyToGo(cty.UnknownVal(cty.String))
	assert.Error(t, err)
}
