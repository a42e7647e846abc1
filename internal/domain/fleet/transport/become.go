package transport

import (
	"context"
	"io"

	"github.com/felixgeelhaar/converge/internal/domain/fleet"
)

// Become wraps conn so every command runs through non-interactive sudo.
// A target that prompts for a password fails the command instead of
// hanging the run.
func Become(conn Connection) Connection {
	if _, ok := conn.(*becomeConnection); ok {
		return conn
	}
	return &becomeConnection{inner: conn}
}

type becomeConnection struct {
	inner Connection
}

func (c *becomeConnection) Host() *fleet.Host {
	return c.inner.Host()
}

func (c *becomeConnection) Run(ctx context.Context, cmd string) (*CommandResult, error) {
	return c.inner.Run(ctx, BecomeCommand(cmd))
}

func (c *becomeConnection) RunWithInput(ctx context.Context, cmd string, stdin io.Reader) (*CommandResult, error) {
	return c.inner.RunWithInput(ctx, BecomeCommand(cmd), stdin)
}

func (c *becomeConnection) Close() error {
	return c.inner.Close()
}

// BecomeCommand returns cmd wrapped for privilege escalation.
func BecomeCommand(cmd string) string {
	return "sudo -n sh -c " + Quote(cmd)
}
