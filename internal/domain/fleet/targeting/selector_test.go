package targeting

import (
	"testing"

	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInventory(t *testing.T) *fleet.Inventory {
	t.Helper()

	inv := fleet.NewInventory()
	require.NoError(t, inv.AddGroup(fleet.NewGroup("desktops")))
	require.NoError(t, inv.AddGroup(fleet.NewGroup("servers")))

	add := func(id string, groups []fleet.GroupName, tags ...string) {
		tt, err := fleet.NewTags(tags...)
		require.NoError(t, err)
		h, err := fleet.NewHost(fleet.HostID(id), fleet.Address{}, fleet.WithGroups(groups...), fleet.WithTags(tt))
		require.NoError(t, err)
		require.NoError(t, inv.AddHost(h))
	}
	add("ws1", []fleet.GroupName{"desktops"}, "linux")
	add("ws2", []fleet.GroupName{"desktops"}, "linux", "office")
	add("db1", []fleet.GroupName{"servers"}, "linux", "office")
	add("mac1", []fleet.GroupName{"desktops"}, "darwin")
	return inv
}

func ids(hosts []*fleet.Host) []string {
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.ID().String()
	}
	return out
}

func TestNewSelector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		term     string
		wantType SelectorType
		wantOp   Op
		wantVal  string
		wantErr  bool
	}{
		{term: "@all", wantType: SelectorTypeAll, wantOp: OpUnion, wantVal: "all"},
		{term: "all", wantType: SelectorTypeAll, wantOp: OpUnion, wantVal: "all"},
		{term: "@desktops", wantType: SelectorTypeGroup, wantOp: OpUnion, wantVal: "desktops"},
		{term: "tag:linux", wantType: SelectorTypeTag, wantOp: OpUnion, wantVal: "linux"},
		{term: "!ws*", wantType: SelectorTypePattern, wantOp: OpExclude, wantVal: "ws*"},
		{term: "&@servers", wantType: SelectorTypeGroup, wantOp: OpIntersect, wantVal: "servers"},
		{term: "ws1", wantType: SelectorTypeHost, wantOp: OpUnion, wantVal: "ws1"},
		{term: "", wantErr: true},
		{term: "@", wantErr: true},
		{term: "tag:", wantErr: true},
		{term: "~(", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			t.Parallel()
			s, err := NewSelector(tt.term)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, s.Type())
			assert.Equal(t, tt.wantOp, s.Op())
			assert.Equal(t, tt.wantVal, s.Value())
		})
	}
}

func TestParse_Select(t *testing.T) {
	t.Parallel()

	inv := testInventory(t)

	tests := []struct {
		expr string
		want []string
	}{
		{expr: "@all", want: []string{"ws1", "ws2", "db1", "mac1"}},
		{expr: "@desktops", want: []string{"ws1", "ws2", "mac1"}},
		{expr: "desktops", want: []string{"ws1", "ws2", "mac1"}},
		{expr: "tag:linux", want: []string{"ws1", "ws2", "db1"}},
		{expr: "@desktops:!mac1", want: []string{"ws1", "ws2"}},
		{expr: "tag:office:&@desktops", want: []string{"ws2"}},
		{expr: "!tag:linux", want: []string{"mac1"}},
		{expr: "db1,ws1", want: []string{"ws1", "db1"}},
		{expr: "~^ws[0-9]$", want: []string{"ws1", "ws2"}},
		{expr: "nothing", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			target, err := Parse(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(target.Select(inv)))
		})
	}
}

func TestTarget_String(t *testing.T) {
	t.Parallel()

	target, err := Parse("tag:linux:!ws2")
	require.NoError(t, err)
	assert.Equal(t, "tag:linux,!ws2", target.String())
	assert.Len(t, target.Selectors(), 2)

	excludeOnly, err := Parse("!ws2")
	require.NoError(t, err)
	assert.Equal(t, "@all,!ws2", excludeOnly.String())
}
