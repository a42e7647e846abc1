package steps

import (
	"context"
	"strings"
	"testing"

	"github.com/felixgeelhaar/converge/internal/domain/facts"
	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageAction_InstallThenUnchanged(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1").Install("git")
	action := &PackageAction{Names: []string{"git", "htop"}}

	res, err := Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "htop", res.Diff.Name)
	assert.True(t, m.Installed("htop"))

	res, err = Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestPackageAction_InstallsOnlyMissing(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1").Install("git")
	_, err := Ensure(context.Background(), &PackageAction{Names: []string{"git", "htop"}}, connect(t, m), aptEnv, false)
	require.NoError(t, err)

	var installs []string
	for _, c := range m.Commands() {
		if c.Line == "DEBIAN_FRONTEND=noninteractive apt-get install -y -q htop" {
			installs = append(installs, c.Line)
		}
	}
	assert.Len(t, installs, 1)
}

func TestPackageAction_Absent(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1").Install("telnet")
	action := &PackageAction{Names: []string{"telnet"}, State: PackageAbsent}

	res, err := Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, DiffTypeRemove, res.Diff.Type)
	assert.False(t, m.Installed("telnet"))
}

func TestPackageAction_Latest(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1").Install("openssl").MarkUpgradable("openssl")
	action := &PackageAction{Names: []string{"openssl"}, State: PackageLatest}

	res, err := Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, m.Upgradable("openssl"))

	res, err = Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestPackageAction_CacheOnly(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1")
	action := &PackageAction{UpdateCache: true}

	res, err := Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, m.CacheFresh())

	res, err = Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestPackageAction_UpdateCacheWithInstalledPackages(t *testing.T) {
	t.Parallel()

	t.Run("fresh cache", func(t *testing.T) {
		t.Parallel()
		m := transporttest.NewDebian("h1").Install("git").SetCacheFresh(true)
		res, err := Ensure(context.Background(), &PackageAction{Names: []string{"git"}, UpdateCache: true}, connect(t, m), aptEnv, false)

		require.NoError(t, err)
		assert.False(t, res.Changed)
		assert.Zero(t, m.Mutations())
	})

	t.Run("stale cache", func(t *testing.T) {
		t.Parallel()
		m := transporttest.NewDebian("h1").Install("git")
		res, err := Ensure(context.Background(), &PackageAction{Names: []string{"git"}, UpdateCache: true}, connect(t, m), aptEnv, false)

		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.True(t, m.CacheFresh())
		assert.Equal(t, 1, m.Mutations())
	})
}

func TestPackageAction_RefreshesCacheBeforeUpgrading(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1").Install("libc6").PublishUpgrade("libc6")
	action := &PackageAction{UpdateCache: true, Upgrade: true}

	res, err := Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, m.CacheFresh())
	assert.False(t, m.Upgradable("libc6"))

	var mutating []string
	for _, c := range m.Commands() {
		if c.Line == "apt-get update -q" || strings.HasSuffix(c.Line, "apt-get upgrade -y -q") {
			mutating = append(mutating, c.Line)
		}
	}
	assert.Equal(t, []string{"apt-get update -q", "DEBIAN_FRONTEND=noninteractive apt-get upgrade -y -q"}, mutating)

	res, err = Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestPackageAction_DNF(t *testing.T) {
	t.Parallel()

	dnfEnv := Env{Facts: facts.Facts{PkgMgr: "dnf"}}

	t.Run("cache only", func(t *testing.T) {
		t.Parallel()
		m := transporttest.NewFedora("h1")
		action := &PackageAction{UpdateCache: true}

		res, err := Ensure(context.Background(), action, connect(t, m), dnfEnv, false)
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.Equal(t, "update cache", res.Diff.New)
		assert.True(t, m.CacheFresh())

		res, err = Ensure(context.Background(), action, connect(t, m), dnfEnv, false)
		require.NoError(t, err)
		assert.False(t, res.Changed)
	})

	t.Run("install then unchanged", func(t *testing.T) {
		t.Parallel()
		m := transporttest.NewFedora("h1")
		action := &PackageAction{Names: []string{"git"}}

		res, err := Ensure(context.Background(), action, connect(t, m), dnfEnv, false)
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.True(t, m.Installed("git"))

		res, err = Ensure(context.Background(), action, connect(t, m), dnfEnv, false)
		require.NoError(t, err)
		assert.False(t, res.Changed)
	})

	t.Run("update cache and upgrade", func(t *testing.T) {
		t.Parallel()
		m := transporttest.NewFedora("h1").Install("kernel").PublishUpgrade("kernel")

		res, err := Ensure(context.Background(), &PackageAction{UpdateCache: true, Upgrade: true}, connect(t, m), dnfEnv, false)
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.False(t, m.Upgradable("kernel"))
	})
}

func TestPackageAction_StaleCacheIsDriftForEveryManager(t *testing.T) {
	t.Parallel()

	for _, name := range Managers() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			m := transporttest.NewDebian("h1")
			state, err := (&PackageAction{UpdateCache: true, Manager: name}).Probe(context.Background(), connect(t, m), Env{})

			require.NoError(t, err)
			assert.False(t, state.Satisfied)
			assert.Equal(t, "update cache", state.Diff.New)
			require.Len(t, m.Commands(), 1)
			assert.Contains(t, m.Commands()[0].Line, "find /var/")
		})
	}
}

func TestPackageAction_UpgradeAll(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1").Install("libc6", "bash").MarkUpgradable("libc6")
	action := &PackageAction{Upgrade: true}

	res, err := Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "upgrade", res.Diff.New)
	assert.False(t, m.Upgradable("libc6"))
}

func TestPackageAction_Errors(t *testing.T) {
	t.Parallel()

	t.Run("unavailable package", func(t *testing.T) {
		t.Parallel()
		m := transporttest.NewDebian("h1").MarkUnavailable("nosuchpkg")
		_, err := Ensure(context.Background(), &PackageAction{Names: []string{"nosuchpkg"}}, connect(t, m), aptEnv, false)
		require.Error(t, err)
		assert.True(t, fault.IsStep(err))
		assert.Contains(t, err.Error(), "Unable to locate package")
	})

	t.Run("no package manager", func(t *testing.T) {
		t.Parallel()
		m := transporttest.NewDebian("h1")
		_, err := Ensure(context.Background(), &PackageAction{Names: []string{"git"}}, connect(t, m), Env{Facts: facts.Facts{}}, false)
		require.Error(t, err)
		assert.ErrorIs(t, err, &fault.Error{Kind: fault.KindStep, Code: fault.ErrCodeProbe})
	})

	t.Run("explicit manager overrides facts", func(t *testing.T) {
		t.Parallel()
		m := transporttest.NewDebian("h1")
		_, err := Ensure(context.Background(), &PackageAction{Names: []string{"git"}, Manager: "apt"}, connect(t, m), Env{}, false)
		require.NoError(t, err)
		assert.True(t, m.Installed("git"))
	})
}

func TestPackageAction_Describe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		action   *PackageAction
		expected string
	}{
		{&PackageAction{Names: []string{"git", "htop"}}, "package git,htop present"},
		{&PackageAction{UpdateCache: true, Upgrade: true}, "update cache, upgrade all"},
		{&PackageAction{}, "package"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.action.Describe())
	}
}

func TestManagersAreRegistered(t *testing.T) {
	t.Parallel()

	for _, name := range Managers() {
		m, ok := managers[name]
		require.True(t, ok, name)
		assert.NotEmpty(t, m.update, name)
		assert.NotNil(t, m.install, name)
		assert.NotNil(t, m.cacheFresh, name)
	}
}
