package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/felixgeelhaar/converge/internal/domain/facts"
	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var aptEnv = Env{Facts: facts.Facts{OS: "linux", PkgMgr: "apt"}}

func connect(t *testing.T, m *transporttest.Machine) transport.Connection {
	t.Helper()
	host, err := fleet.NewHost("h1", fleet.Address{})
	require.NoError(t, err)
	return transporttest.NewConn(host, m)
}

// stuckAction reports a diff forever and never converges.
type stuckAction struct {
	applied int
}

func (a *stuckAction) sealed()          {}
func (a *stuckAction) Kind() Kind       { return KindHostname }
func (a *stuckAction) Describe() string { return "stuck" }
func (a *stuckAction) Validate() error  { return nil }
func (a *stuckAction) Probe(context.Context, transport.Connection, Env) (State, error) {
	return State{Diff: Diff{Type: DiffTypeModify, Resource: "stuck"}}, nil
}
func (a *stuckAction) Apply(context.Context, transport.Connection, Env) error {
	a.applied++
	return nil
}

func TestEnsure_CreatesUserThenUnchanged(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1")
	conn := connect(t, m)
	action := &UserAction{Name: "bob"}

	res, err := Ensure(context.Background(), action, conn, aptEnv, false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, DiffTypeAdd, res.Diff.Type)
	assert.True(t, m.HasUser("bob"))

	res, err = Ensure(context.Background(), action, conn, aptEnv, false)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, m.Mutations())
}

func TestEnsure_CheckModeOnlyProbes(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1")
	res, err := Ensure(context.Background(), &UserAction{Name: "bob"}, connect(t, m), aptEnv, true)

	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, m.HasUser("bob"))
	assert.Zero(t, m.Mutations())
}

func TestEnsure_NotConverged(t *testing.T) {
	t.Parallel()

	action := &stuckAction{}
	_, err := Ensure(context.Background(), action, connect(t, transporttest.NewDebian("h1")), aptEnv, false)

	require.Error(t, err)
	assert.True(t, fault.IsStep(err))
	assert.ErrorIs(t, err, &fault.Error{Kind: fault.KindStep, Code: fault.ErrCodeNotConverged})
	assert.Equal(t, 1, action.applied)
}

func TestEnsure_ApplyFailureIsStepError(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1")
	_, err := Ensure(context.Background(), &UserAction{Name: "bob", Groups: []string{"wheel"}}, connect(t, m), aptEnv, false)

	require.Error(t, err)
	assert.ErrorIs(t, err, &fault.Error{Kind: fault.KindStep, Code: fault.ErrCodeApply})
	assert.Contains(t, err.Error(), "group 'wheel' does not exist")
}

func TestEnsure_DroppedConnectionStaysConnectionError(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1").DropAfter(1)
	_, err := Ensure(context.Background(), &UserAction{Name: "bob"}, connect(t, m), aptEnv, false)

	require.Error(t, err)
	assert.True(t, fault.IsConnection(err))
	assert.False(t, fault.IsStep(err))
}

func TestEnsure_BecomeWrapsEveryCommand(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1").RequireBecome()

	_, err := Ensure(context.Background(), &UserAction{Name: "bob"}, connect(t, m), aptEnv, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Permission denied")

	_, err = Ensure(context.Background(), &UserAction{Name: "bob"}, transport.Become(connect(t, m)), aptEnv, false)
	require.NoError(t, err)
	assert.True(t, m.HasUser("bob"))

	last := m.Commands()[len(m.Commands())-1]
	assert.True(t, last.Become)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	plain := classify(errors.New("boom"), fault.ErrCodeProbe, "probe failed")
	assert.True(t, fault.IsStep(plain))

	conn := fault.ConnectionError(fault.ErrCodeTransport, "h1", errors.New("reset"))
	assert.Same(t, conn, classify(conn, fault.ErrCodeProbe, "probe failed"))
}

func TestTrimOutput(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "oops", trimOutput("oops \n\n"))
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, trimOutput(string(long)), 515)
}
