package transport

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestHost(t *testing.T, id string, addr fleet.Address) *fleet.Host {
	t.Helper()
	hid, err := fleet.NewHostID(id)
	require.NoError(t, err)
	host, err := fleet.NewHost(hid, addr)
	require.NoError(t, err)
	return host
}

func TestCommandResult(t *testing.T) {
	t.Parallel()

	result := &CommandResult{ExitCode: 0, Stdout: []byte(" out\n"), Stderr: []byte("err")}
	assert.True(t, result.Success())
	assert.Equal(t, " out\nerr", string(result.CombinedOutput()))
	assert.Equal(t, "out", result.Output())

	assert.False(t, (&CommandResult{ExitCode: 1}).Success())
}

func TestQuote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "''"},
		{in: "bob", want: "bob"},
		{in: "/etc/app.conf", want: "/etc/app.conf"},
		{in: "Europe/Berlin", want: "Europe/Berlin"},
		{in: "two words", want: "'two words'"},
		{in: "it's", want: `'it'\''s'`},
		{in: "$(reboot)", want: "'$(reboot)'"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Quote(tt.in))
		})
	}
}

func TestUnreachable(t *testing.T) {
	t.Parallel()

	host := createTestHost(t, "h1", fleet.Address{})

	assert.NoError(t, Unreachable(host, fault.ErrCodeConnect, nil))

	err := Unreachable(host, fault.ErrCodeConnect, errors.New("refused"))
	assert.True(t, fault.IsConnection(err))
	assert.ErrorIs(t, err, &fault.Error{Kind: fault.KindConnection, Code: fault.ErrCodeConnect})

	timeout := Unreachable(host, fault.ErrCodeTransport, context.DeadlineExceeded)
	assert.ErrorIs(t, timeout, &fault.Error{Kind: fault.KindConnection, Code: fault.ErrCodeTimeout})

	cfg := fault.ConfigError(fault.ErrCodeInvalidConfig, "bad", nil)
	assert.Same(t, cfg, Unreachable(host, fault.ErrCodeConnect, cfg))
}

func TestLocalTransport(t *testing.T) {
	t.Parallel()

	tr := NewLocalTransport()
	host := createTestHost(t, "localhost", fleet.Address{Connection: "local"})
	ctx := context.Background()

	assert.Equal(t, "local", tr.Name())
	require.NoError(t, tr.Ping(ctx, host))

	conn, err := tr.Connect(ctx, host)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	assert.Equal(t, host, conn.Host())

	t.Run("success", func(t *testing.T) {
		result, err := conn.Run(ctx, "echo hello")
		require.NoError(t, err)
		assert.True(t, result.Success())
		assert.Equal(t, "hello", result.Output())
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		result, err := conn.Run(ctx, "echo oops >&2; exit 4")
		require.NoError(t, err)
		assert.Equal(t, 4, result.ExitCode)
		assert.Equal(t, "oops\n", string(result.Stderr))
	})

	t.Run("stdin", func(t *testing.T) {
		result, err := conn.RunWithInput(ctx, "cat", strings.NewReader("payload"))
		require.NoError(t, err)
		assert.Equal(t, "payload", string(result.Stdout))
	})

	t.Run("cancelled context is a connection error", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := conn.Run(cctx, "sleep 5")
		require.Error(t, err)
		assert.True(t, fault.IsConnection(err))
	})
}

func TestLocalTransport_ConnectCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLocalTransport().Connect(ctx, createTestHost(t, "h1", fleet.Address{}))
	assert.True(t, fault.IsConnection(err))
}

type namedTransport struct {
	name string
	hits []string
}

func (n *namedTransport) Name() string { return n.name }

func (n *namedTransport) Connect(_ context.Context, host *fleet.Host) (Connection, error) {
	n.hits = append(n.hits, host.ID().String())
	return nil, nil
}

func (n *namedTransport) Ping(_ context.Context, host *fleet.Host) error {
	n.hits = append(n.hits, "ping:"+host.ID().String())
	return nil
}

func TestMux(t *testing.T) {
	t.Parallel()

	sshT := &namedTransport{name: "ssh"}
	localT := &namedTransport{name: "local"}
	mux := NewMux("ssh", sshT, localT)
	ctx := context.Background()

	remote := createTestHost(t, "web1", fleet.Address{})
	local := createTestHost(t, "laptop", fleet.Address{Connection: "local"})

	_, err := mux.Connect(ctx, remote)
	require.NoError(t, err)
	_, err = mux.Connect(ctx, local)
	require.NoError(t, err)
	require.NoError(t, mux.Ping(ctx, local))

	assert.Equal(t, []string{"web1"}, sshT.hits)
	assert.Equal(t, []string{"laptop", "ping:laptop"}, localT.hits)
	assert.Equal(t, "ssh", mux.Name())

	_, err = NewMux("winrm", sshT).Connect(ctx, remote)
	assert.True(t, fault.IsConfig(err))
}

type recordingConnection struct {
	host     *fleet.Host
	commands []string
}

func (r *recordingConnection) Host() *fleet.Host { return r.host }

func (r *recordingConnection) Run(ctx context.Context, cmd string) (*CommandResult, error) {
	return r.RunWithInput(ctx, cmd, nil)
}

func (r *recordingConnection) RunWithInput(_ context.Context, cmd string, _ io.Reader) (*CommandResult, error) {
	r.commands = append(r.commands, cmd)
	return &CommandResult{}, nil
}

func (r *recordingConnection) Close() error { return nil }

func TestBecome(t *testing.T) {
	t.Parallel()

	inner := &recordingConnection{host: createTestHost(t, "h1", fleet.Address{})}
	conn := Become(inner)

	assert.Same(t, conn, Become(conn))
	assert.Equal(t, inner.host, conn.Host())

	_, err := conn.Run(context.Background(), "useradd -m 'bob'")
	require.NoError(t, err)
	_, err = conn.RunWithInput(context.Background(), "cat > /etc/motd", strings.NewReader("hi"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		`sudo -n sh -c 'useradd -m '\''bob'\'''`,
		`sudo -n sh -c 'cat > /etc/motd'`,
	}, inner.commands)
}
