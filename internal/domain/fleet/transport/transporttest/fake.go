// Package transporttest provides an in-memory Transport whose targets are
// simulated Linux machines. It understands the commands converge's steps
// and fact gathering emit, so whole runs can be tested without SSH.
package transporttest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport"
)

// Transport is a fake transport over a set of machines.
type Transport struct {
	mu          sync.Mutex
	machines    map[fleet.HostID]*Machine
	unreachable map[fleet.HostID]bool
	connects    []fleet.HostID
	active      int
	maxActive   int
}

// NewTransport creates an empty fake transport.
func NewTransport() *Transport {
	return &Transport{
		machines:    map[fleet.HostID]*Machine{},
		unreachable: map[fleet.HostID]bool{},
	}
}

// Add registers a machine for a host ID and returns it.
func (t *Transport) Add(id fleet.HostID, m *Machine) *Machine {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.machines[id] = m
	return m
}

// Machine returns the machine behind id.
func (t *Transport) Machine(id fleet.HostID) *Machine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machines[id]
}

// SetUnreachable makes Connect fail for the given hosts.
func (t *Transport) SetUnreachable(ids ...fleet.HostID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		t.unreachable[id] = true
	}
}

// Name returns "fake".
func (t *Transport) Name() string { return "fake" }

// Connect opens a connection to the host's machine.
func (t *Transport) Connect(ctx context.Context, host *fleet.Host) (transport.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connects = append(t.connects, host.ID())
	if err := ctx.Err(); err != nil {
		return nil, transport.Unreachable(host, fault.ErrCodeConnect, err)
	}
	m, ok := t.machines[host.ID()]
	if !ok || t.unreachable[host.ID()] {
		return nil, transport.Unreachable(host, fault.ErrCodeConnect, errors.New("dial tcp: connection refused"))
	}
	t.active++
	if t.active > t.maxActive {
		t.maxActive = t.active
	}
	return &Conn{host: host, machine: m, owner: t}, nil
}

// Ping connects and closes.
func (t *Transport) Ping(ctx context.Context, host *fleet.Host) error {
	conn, err := t.Connect(ctx, host)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Connects returns the host IDs passed to Connect, in call order.
func (t *Transport) Connects() []fleet.HostID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]fleet.HostID(nil), t.connects...)
}

// MaxActive returns the highest number of simultaneously open connections.
func (t *Transport) MaxActive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxActive
}

// Active returns the number of open connections.
func (t *Transport) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Transport) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active--
}

// Conn is a connection to a Machine.
type Conn struct {
	host    *fleet.Host
	machine *Machine
	owner   *Transport
	once    sync.Once
}

// NewConn returns a standalone connection to m, not tracked by a Transport.
func NewConn(host *fleet.Host, m *Machine) *Conn {
	return &Conn{host: host, machine: m}
}

// Host returns the connected host.
func (c *Conn) Host() *fleet.Host { return c.host }

// Run executes cmd on the machine.
func (c *Conn) Run(ctx context.Context, cmd string) (*transport.CommandResult, error) {
	return c.RunWithInput(ctx, cmd, nil)
}

// RunWithInput executes cmd with stdin on the machine.
func (c *Conn) RunWithInput(ctx context.Context, cmd string, stdin io.Reader) (*transport.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.Unreachable(c.host, fault.ErrCodeTimeout, err)
	}
	var input []byte
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		input = data
	}

	start := time.Now()
	res, dropped := c.machine.exec(ctx, cmd, input)
	if dropped {
		return nil, transport.Unreachable(c.host, fault.ErrCodeTransport, errors.New("connection reset by peer"))
	}
	if err := ctx.Err(); err != nil {
		return nil, transport.Unreachable(c.host, fault.ErrCodeTimeout, err)
	}
	return &transport.CommandResult{
		ExitCode: res.exit,
		Stdout:   []byte(res.stdout),
		Stderr:   []byte(res.stderr),
		Duration: time.Since(start),
	}, nil
}

// Close releases the connection.
func (c *Conn) Close() error {
	c.once.Do(func() {
		if c.owner != nil {
			c.owner.release()
		}
	})
	return nil
}
