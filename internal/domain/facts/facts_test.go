package facts

import (
	"context"
	"testing"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	out := "@@converge:uname_s\nLinux\n" +
		"@@converge:uname_m\naarch64\n" +
		"@@converge:os_release\nNAME=\"Ubuntu\"\nID=ubuntu\nID_LIKE=debian\nVERSION_ID=\"22.04\"\n" +
		"@@converge:hostname\nweb-01\n" +
		"@@converge:timezone\nEurope/Berlin\n" +
		"@@converge:pkg_mgr\napt-get\n"

	f := Parse(out)
	assert.Equal(t, Facts{
		OS:                  "linux",
		Arch:                "arm64",
		Distribution:        "ubuntu",
		DistributionVersion: "22.04",
		OSFamily:            "debian",
		PkgMgr:              "apt",
		Hostname:            "web-01",
		Timezone:            "Europe/Berlin",
	}, f)
}

func TestParse_Families(t *testing.T) {
	t.Parallel()

	tests := []struct {
		release string
		family  string
	}{
		{"ID=debian", "debian"},
		{"ID=rocky\nID_LIKE=\"rhel centos fedora\"", "redhat"},
		{"ID=fedora", "redhat"},
		{"ID=arch", "arch"},
		{"ID=alpine", "alpine"},
		{"ID=opensuse-leap\nID_LIKE=\"suse opensuse\"", "suse"},
	}
	for _, tt := range tests {
		t.Run(tt.release, func(t *testing.T) {
			t.Parallel()
			f := Parse("@@converge:uname_s\nLinux\n@@converge:os_release\n" + tt.release + "\n")
			assert.Equal(t, tt.family, f.OSFamily)
		})
	}
}

func TestParse_DarwinWithoutOSRelease(t *testing.T) {
	t.Parallel()

	f := Parse("@@converge:uname_s\nDarwin\n@@converge:uname_m\nx86_64\n@@converge:os_release\n")
	assert.Equal(t, "darwin", f.OS)
	assert.Equal(t, "darwin", f.OSFamily)
	assert.Equal(t, "amd64", f.Arch)
}

func TestParse_MalformedOSReleaseKeepsReadableKeys(t *testing.T) {
	t.Parallel()

	f := Parse("@@converge:uname_s\nLinux\n" +
		"@@converge:os_release\nID=fedora\nVENDOR-NAME=acme\nVERSION_ID=40\n" +
		"@@converge:hostname\nbuild-01\n")

	assert.Equal(t, "linux", f.OS)
	assert.Equal(t, "fedora", f.Distribution)
	assert.Equal(t, "40", f.DistributionVersion)
	assert.Equal(t, "redhat", f.OSFamily)
	assert.Equal(t, "build-01", f.Hostname)
}

func TestGather_MalformedOSReleaseIsReachable(t *testing.T) {
	t.Parallel()

	host, err := fleet.NewHost("h1", fleet.Address{})
	require.NoError(t, err)
	m := transporttest.NewDebian("h1").SetOSRelease("ID=debian\nPRETTY_NAME=\"unterminated\n", "apt-get")

	f, err := Gather(context.Background(), transporttest.NewConn(host, m))
	require.NoError(t, err)
	assert.Equal(t, "debian", f.Distribution)
	assert.Equal(t, "apt", f.PkgMgr)
}

func TestGather(t *testing.T) {
	t.Parallel()

	host, err := fleet.NewHost("h1", fleet.Address{})
	require.NoError(t, err)
	m := transporttest.NewDebian("h1")

	f, err := Gather(context.Background(), transporttest.NewConn(host, m))
	require.NoError(t, err)
	assert.Equal(t, "linux", f.OS)
	assert.Equal(t, "amd64", f.Arch)
	assert.Equal(t, "debian", f.Distribution)
	assert.Equal(t, "12", f.DistributionVersion)
	assert.Equal(t, "apt", f.PkgMgr)
	assert.Equal(t, "Etc/UTC", f.Timezone)
	assert.Equal(t, "h1", f.Map()["hostname"])
}

func TestGather_ScriptFailure(t *testing.T) {
	t.Parallel()

	host, err := fleet.NewHost("h1", fleet.Address{})
	require.NoError(t, err)
	m := transporttest.NewDebian("h1").Fail("echo '@@converge", 126, "permission denied")

	_, err = Gather(context.Background(), transporttest.NewConn(host, m))
	require.Error(t, err)
	assert.True(t, fault.IsConnection(err))
}
