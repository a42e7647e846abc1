package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGroupName(t *testing.T) {
	t.Parallel()

	name, err := NewGroupName(" desktops ")
	require.NoError(t, err)
	assert.Equal(t, GroupName("desktops"), name)

	_, err = NewGroupName("")
	assert.Error(t, err)

	_, err = NewGroupName("bad name")
	assert.Error(t, err)
}

func TestNewGroup_Options(t *testing.T) {
	t.Parallel()

	g := NewGroup("linux",
		WithDescription("all linux boxes"),
		WithHostPatterns("ws-*", "ws-*", "srv-*"),
		WithChildren("debian", "debian", "fedora"),
		WithGroupVars(map[string]any{"timezone": "UTC"}),
	)

	assert.Equal(t, GroupName("linux"), g.Name())
	assert.Equal(t, "all linux boxes", g.Description())
	assert.Equal(t, []string{"ws-*", "srv-*"}, g.HostPatterns())
	assert.Equal(t, []GroupName{"debian", "fedora"}, g.Children())
	assert.True(t, g.HasChild("fedora"))
	assert.Equal(t, "UTC", g.Vars()["timezone"])

	s := g.Summary()
	assert.Equal(t, "linux", s.Name)
	assert.Equal(t, []string{"debian", "fedora"}, s.Children)
}
