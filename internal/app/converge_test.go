package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport/transporttest"
	"github.com/felixgeelhaar/converge/internal/domain/report"
	"github.com/felixgeelhaar/converge/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostsYAML = `
hosts:
  web1:
    hostname: 10.0.0.1
    groups: [web]
  web2:
    hostname: 10.0.0.2
    groups: [web]
  db1:
    hostname: 10.0.0.9
    groups: [db]
`

const sitePlaybook = `
name: site
become: true
variables:
  username:
    required: true
vars:
  motd_title: Default
vars_files:
  - common.yaml
steps:
  - name: create user
    user:
      name: "{{ .username }}"
  - name: banner
    file:
      dest: /etc/motd
      content: "{{ .motd_title }} {{ .username }}{{ .suffix }}\n"
`

type fixture struct {
	dir       string
	playbook  string
	transport *transporttest.Transport
	app       *Converge
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newFixture lays out an inventory with group_vars, a playbook with a vars
// file, and a fake machine per host.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	write(t, filepath.Join(dir, "inventory", "hosts.yaml"), hostsYAML)
	write(t, filepath.Join(dir, "inventory", "group_vars", "web.yaml"), "motd_title: Web\n")
	write(t, filepath.Join(dir, "playbooks", "site.yaml"), sitePlaybook)
	write(t, filepath.Join(dir, "playbooks", "common.yaml"), "suffix: \"!\"\n")

	tr := transporttest.NewTransport()
	for _, id := range []fleet.HostID{"web1", "web2", "db1"} {
		tr.Add(id, transporttest.NewDebian(id.String()))
	}

	settings := DefaultSettings()
	settings.Inventory = filepath.Join(dir, "inventory", "hosts.yaml")
	return &fixture{
		dir:       dir,
		playbook:  filepath.Join(dir, "playbooks", "site.yaml"),
		transport: tr,
		app:       New(settings, WithTransport(tr)),
	}
}

func TestRun_ConvergesFleet(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r, err := f.app.Run(context.Background(), RunOptions{
		Playbook: f.playbook,
		Extra:    []string{"username=bob"},
	})
	require.NoError(t, err)

	assert.Equal(t, "site", r.Playbook)
	assert.Equal(t, report.ModeApply, r.Mode)
	assert.Equal(t, report.ExitOK, r.ExitCode())
	assert.Equal(t, 3, r.Totals.Targets)
	assert.Equal(t, 6, r.Totals.Changed)

	var order []string
	for _, h := range r.Hosts {
		order = append(order, h.Target)
	}
	assert.Equal(t, []string{"web1", "web2", "db1"}, order)

	motd, ok := f.transport.Machine("web1").File("/etc/motd")
	require.True(t, ok)
	assert.Equal(t, "Web bob!\n", motd.Content, "group_vars beat playbook vars")

	motd, ok = f.transport.Machine("db1").File("/etc/motd")
	require.True(t, ok)
	assert.Equal(t, "Default bob!\n", motd.Content)

	again, err := f.app.Run(context.Background(), RunOptions{
		Playbook: f.playbook,
		Extra:    []string{"username=bob"},
	})
	require.NoError(t, err)
	assert.Zero(t, again.Totals.Changed)
	assert.Equal(t, 6, again.Totals.Unchanged)
}

func TestRun_CheckModeChangesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r, err := f.app.Run(context.Background(), RunOptions{
		Playbook: f.playbook,
		Extra:    []string{"username=bob"},
		Check:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, report.ModeCheck, r.Mode)
	assert.Equal(t, 6, r.Totals.Changed)
	for _, id := range []fleet.HostID{"web1", "web2", "db1"} {
		assert.Zero(t, f.transport.Machine(id).Mutations(), id)
	}
}

func TestRun_Limit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r, err := f.app.Run(context.Background(), RunOptions{
		Playbook: f.playbook,
		Limit:    "@web",
		Extra:    []string{"username=bob"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, r.Totals.Targets)
	assert.ElementsMatch(t, []fleet.HostID{"web1", "web2"}, f.transport.Connects())
}

func TestRun_ConfigErrorsContactNoTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		opts  func(f *fixture) RunOptions
		code  string
		setup func(t *testing.T, f *fixture)
	}{
		{
			name: "missing required variable",
			opts: func(f *fixture) RunOptions { return RunOptions{Playbook: f.playbook} },
			code: fault.ErrCodeUndefinedVariable,
		},
		{
			name: "no matching targets",
			opts: func(f *fixture) RunOptions {
				return RunOptions{Playbook: f.playbook, Limit: "@nosuchgroup", Extra: []string{"username=bob"}}
			},
			code: fault.ErrCodeInvalidConfig,
		},
		{
			name: "malformed extra var",
			opts: func(f *fixture) RunOptions {
				return RunOptions{Playbook: f.playbook, Extra: []string{"username"}}
			},
		},
		{
			name: "missing playbook",
			opts: func(f *fixture) RunOptions {
				return RunOptions{Playbook: filepath.Join(f.dir, "nope.yaml")}
			},
			code: fault.ErrCodeInvalidConfig,
		},
		{
			name: "template references undefined variable",
			opts: func(f *fixture) RunOptions {
				return RunOptions{Playbook: filepath.Join(f.dir, "playbooks", "broken.yaml")}
			},
			setup: func(t *testing.T, f *fixture) {
				write(t, filepath.Join(f.dir, "playbooks", "broken.yaml"),
					"name: broken\nsteps:\n  - name: host\n    hostname: \"{{ .missing }}\"\n")
			},
			code: fault.ErrCodeUndefinedVariable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(t, f)
			}

			r, err := f.app.Run(context.Background(), tt.opts(f))
			require.Error(t, err)
			assert.Nil(t, r)
			assert.True(t, fault.IsConfig(err), "got %v", err)
			if tt.code != "" {
				var fe *fault.Error
				require.ErrorAs(t, err, &fe)
				assert.Equal(t, tt.code, fe.Code)
			}
			assert.Empty(t, f.transport.Connects())
		})
	}
}

func TestRun_UnreachableTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.transport.SetUnreachable("web2")

	r, err := f.app.Run(context.Background(), RunOptions{
		Playbook: f.playbook,
		Extra:    []string{"username=bob"},
	})
	require.NoError(t, err)

	assert.Equal(t, report.ExitFailed, r.ExitCode())
	assert.Equal(t, 1, r.Totals.Unreachable)
	assert.Equal(t, 2, r.Totals.OK)
}

func TestRun_LogsThroughContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var buf bytes.Buffer
	s := DefaultSettings()
	s.LogLevel = "info"
	logger, err := NewLogger(&buf, s, false)
	require.NoError(t, err)

	ctx := ports.ContextWithLogger(context.Background(), logger)
	_, err = f.app.Run(ctx, RunOptions{Playbook: f.playbook, Extra: []string{"username=bob"}})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "run started")
	assert.Contains(t, buf.String(), "run finished")
	assert.NotContains(t, buf.String(), "plan ready", "debug is below info")
}

func TestVars_Provenance(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	cfg, err := f.app.Vars("web1", f.playbook, []string{"suffix=abc"})
	require.NoError(t, err)

	v, _ := cfg.Get("motd_title")
	assert.Equal(t, "Web", v)
	assert.Equal(t, "group:web", cfg.Provenance("motd_title"))

	v, _ = cfg.Get("suffix")
	assert.Equal(t, "abc", v)
	assert.Equal(t, "extra", cfg.Provenance("suffix"))

	_, err = f.app.Vars("db1", "", nil)
	require.NoError(t, err, "required variables are only checked with a playbook")

	_, err = f.app.Vars("nosuch", "", nil)
	require.Error(t, err)
	assert.True(t, fault.IsConfig(err))
}

func TestSelect(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	hosts, err := f.app.Select("@all", "web*")
	require.NoError(t, err)
	var ids []string
	for _, h := range hosts {
		ids = append(ids, h.ID().String())
	}
	assert.Equal(t, []string{"web1", "web2"}, ids)

	hosts, err = f.app.Select("")
	require.NoError(t, err)
	assert.Len(t, hosts, 3)

	_, err = f.app.Select("~(")
	require.Error(t, err)
	assert.True(t, fault.IsConfig(err))
}

func TestPing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.transport.SetUnreachable("db1")

	results, err := f.app.Ping(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, results, 3)

	for _, r := range results {
		if r.Host.ID() == "db1" {
			assert.True(t, fault.IsConnection(r.Err))
			continue
		}
		assert.NoError(t, r.Err, r.Host.ID())
	}
}

func TestInventory_DefaultsToLocalhost(t *testing.T) {
	t.Parallel()

	c := New(DefaultSettings(), WithTransport(transporttest.NewTransport()))
	inv, err := c.Inventory()
	require.NoError(t, err)

	hosts := inv.AllHosts()
	require.Len(t, hosts, 1)
	assert.Equal(t, "local", hosts[0].Address().Connection)
}

func TestNewTransport_DispatchesByConnection(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()
	mux, ok := NewTransport(s).(*transport.Mux)
	require.True(t, ok)
	assert.Equal(t, "ssh", mux.Name())

	local, err := fleet.NewHost("laptop", fleet.Address{Connection: "local"})
	require.NoError(t, err)
	tr, err := mux.For(local)
	require.NoError(t, err)
	assert.Equal(t, "local", tr.Name())

	remote, err := fleet.NewHost("web1", fleet.Address{Hostname: "10.0.0.1"})
	require.NoError(t, err)
	tr, err = mux.For(remote)
	require.NoError(t, err)
	assert.Equal(t, "ssh", tr.Name())

	s.Transport = "local"
	mux = NewTransport(s).(*transport.Mux)
	tr, err = mux.For(remote)
	require.NoError(t, err)
	assert.Equal(t, "local", tr.Name())
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := DefaultSettings()
	s.LogFormat = "json"
	logger, err := NewLogger(&buf, s, true)
	require.NoError(t, err)
	assert.Equal(t, ports.LevelDebug, logger.Level())

	logger.Debug(context.Background(), "hello", ports.F("target", "web1"))
	assert.True(t, strings.HasPrefix(strings.TrimSpace(buf.String()), "{"))
	assert.Contains(t, buf.String(), `"target":"web1"`)

	s.LogLevel = "loud"
	_, err = NewLogger(&buf, s, false)
	assert.Error(t, err)
}
