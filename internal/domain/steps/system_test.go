package steps

import (
	"context"
	"testing"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostnameAction(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("localhost")
	action := &HostnameAction{Name: "web-01"}

	state, err := action.Probe(context.Background(), connect(t, m), aptEnv)
	require.NoError(t, err)
	assert.Equal(t, "localhost", state.Diff.Old)
	assert.Equal(t, "web-01", state.Diff.New)

	res, err := Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "web-01", m.Hostname())

	res, err = Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestHostnameAction_WithoutHostnameBinary(t *testing.T) {
	t.Parallel()

	m := transporttest.NewFedora("localhost").WithoutHostnameBinary()
	action := &HostnameAction{Name: "web-01"}

	state, err := action.Probe(context.Background(), connect(t, m), Env{})
	require.NoError(t, err)
	assert.Equal(t, "localhost", state.Diff.Old)

	res, err := Ensure(context.Background(), action, connect(t, m), Env{}, false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "web-01", m.Hostname())

	res, err = Ensure(context.Background(), action, connect(t, m), Env{}, false)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestTimezoneAction(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1")
	action := &TimezoneAction{Name: "Europe/Berlin"}

	res, err := Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "Etc/UTC", res.Diff.Old)
	assert.Equal(t, "Europe/Berlin", m.Timezone())

	res, err = Ensure(context.Background(), action, connect(t, m), aptEnv, false)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestTimezoneAction_UnknownZone(t *testing.T) {
	t.Parallel()

	m := transporttest.NewDebian("h1")
	_, err := Ensure(context.Background(), &TimezoneAction{Name: "Mars/Olympus"}, connect(t, m), aptEnv, false)

	require.Error(t, err)
	assert.ErrorIs(t, err, &fault.Error{Kind: fault.KindStep, Code: fault.ErrCodeApply})
	assert.Equal(t, "Etc/UTC", m.Timezone())
}

func TestValidHostnameAndTimezone(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidHostname("web-01.example.com"))
	assert.False(t, ValidHostname("-bad"))
	assert.False(t, ValidHostname("under_score"))
	assert.True(t, ValidTimezone("America/Argentina/Buenos_Aires"))
	assert.True(t, ValidTimezone("UTC"))
	assert.False(t, ValidTimezone("../etc/passwd"))
}
