package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHTransport implements Transport using SSH.
type SSHTransport struct {
	// DefaultTimeout is the connection timeout when the host sets none.
	DefaultTimeout time.Duration
	// DefaultUser is the login user when the host sets none.
	DefaultUser string
	// IdentityFiles are default identity file paths to try.
	IdentityFiles []string
	// KnownHostsFiles are consulted when host key checking is on.
	KnownHostsFiles []string
	// HostKeyChecking verifies host keys against KnownHostsFiles.
	HostKeyChecking bool
	// AgentSocket is the ssh-agent socket. Empty disables the agent.
	AgentSocket string
}

// NewSSHTransport creates a new SSH transport with defaults taken from the
// environment and ~/.ssh.
func NewSSHTransport() *SSHTransport {
	homeDir, _ := os.UserHomeDir()
	return &SSHTransport{
		DefaultTimeout: 30 * time.Second,
		DefaultUser:    os.Getenv("USER"),
		IdentityFiles: []string{
			filepath.Join(homeDir, ".ssh", "id_ed25519"),
			filepath.Join(homeDir, ".ssh", "id_ecdsa"),
			filepath.Join(homeDir, ".ssh", "id_rsa"),
		},
		KnownHostsFiles: []string{filepath.Join(homeDir, ".ssh", "known_hosts")},
		HostKeyChecking: true,
		AgentSocket:     os.Getenv("SSH_AUTH_SOCK"),
	}
}

// Name returns "ssh".
func (t *SSHTransport) Name() string {
	return "ssh"
}

// Connect establishes an SSH connection to the host. Every failure is a
// fault.ConnectionError for the host.
func (t *SSHTransport) Connect(ctx context.Context, host *fleet.Host) (Connection, error) {
	addr := host.Address()

	var agentConn net.Conn
	if t.AgentSocket != "" {
		if c, err := net.Dial("unix", t.AgentSocket); err == nil {
			agentConn = c
		}
	}
	closeAgent := func() {
		if agentConn != nil {
			_ = agentConn.Close()
		}
	}

	authMethods, err := t.buildAuthMethods(addr, agentConn)
	if err != nil {
		closeAgent()
		return nil, Unreachable(host, fault.ErrCodeConnect, fmt.Errorf("failed to build auth methods: %w", err))
	}

	hostKeyCallback, err := t.hostKeyCallback()
	if err != nil {
		closeAgent()
		return nil, fault.ConfigError(fault.ErrCodeInvalidConfig, "cannot load known hosts", err).
			WithSuggestion("Create ~/.ssh/known_hosts or set host_key_checking: false")
	}

	timeout := addr.ConnectTimeout
	if timeout == 0 {
		timeout = t.DefaultTimeout
	}

	user := addr.User
	if user == "" {
		user = t.DefaultUser
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	target := net.JoinHostPort(addr.Hostname, strconv.Itoa(addr.Port))

	var client *ssh.Client
	var proxy *ssh.Client
	if addr.ProxyJump != "" {
		client, proxy, err = t.connectViaProxy(ctx, target, config, addr.ProxyJump)
	} else {
		client, err = t.dial(ctx, target, config)
	}
	if err != nil {
		closeAgent()
		return nil, Unreachable(host, fault.ErrCodeConnect, err)
	}

	return &SSHConnection{
		host:   host,
		client: client,
		proxy:  proxy,
		agent:  agentConn,
	}, nil
}

// Ping tests SSH connectivity by running a trivial command.
func (t *SSHTransport) Ping(ctx context.Context, host *fleet.Host) error {
	conn, err := t.Connect(ctx, host)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	result, err := conn.Run(ctx, "echo pong")
	if err != nil {
		return err
	}
	if !result.Success() {
		return Unreachable(host, fault.ErrCodeConnect,
			fmt.Errorf("ping command failed with exit code %d", result.ExitCode))
	}
	return nil
}

func (t *SSHTransport) buildAuthMethods(addr fleet.Address, agentConn net.Conn) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if addr.IdentityFile != "" {
		signer, err := loadPrivateKey(addr.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity file %s: %w", addr.IdentityFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if agentConn != nil {
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
	}

	var signers []ssh.Signer
	for _, path := range t.IdentityFiles {
		if signer, err := loadPrivateKey(path); err == nil {
			signers = append(signers, signer)
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		return nil, errors.New("no authentication methods available")
	}
	return methods, nil
}

func (t *SSHTransport) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !t.HostKeyChecking {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicitly disabled by configuration
	}
	var files []string
	for _, f := range t.KnownHostsFiles {
		if _, err := os.Stat(expandHome(f)); err == nil {
			files = append(files, expandHome(f))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no known_hosts file found in %s", strings.Join(t.KnownHostsFiles, ", "))
	}
	return knownhosts.New(files...)
}

func loadPrivateKey(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

func (t *SSHTransport) dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := &net.Dialer{
		Timeout: config.Timeout,
	}

	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (t *SSHTransport) connectViaProxy(ctx context.Context, addr string, config *ssh.ClientConfig, proxyJump string) (*ssh.Client, *ssh.Client, error) {
	proxyAddr := proxyJump
	if _, _, err := net.SplitHostPort(proxyJump); err != nil {
		proxyAddr = net.JoinHostPort(proxyJump, "22")
	}

	proxyClient, err := t.dial(ctx, proxyAddr, config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to proxy %s: %w", proxyJump, err)
	}

	netConn, err := proxyClient.Dial("tcp", addr)
	if err != nil {
		_ = proxyClient.Close()
		return nil, nil, fmt.Errorf("failed to dial through proxy: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		_ = proxyClient.Close()
		return nil, nil, fmt.Errorf("SSH handshake via proxy failed: %w", err)
	}

	return ssh.NewClient(sshConn, chans, reqs), proxyClient, nil
}

// SSHConnection implements Connection using SSH.
type SSHConnection struct {
	host   *fleet.Host
	client *ssh.Client
	proxy  *ssh.Client
	agent  net.Conn
}

// Host returns the connected host.
func (c *SSHConnection) Host() *fleet.Host {
	return c.host
}

// Run executes a command on the remote host.
func (c *SSHConnection) Run(ctx context.Context, cmd string) (*CommandResult, error) {
	return c.RunWithInput(ctx, cmd, nil)
}

// RunWithInput executes a command with stdin. Cancelling ctx signals the
// remote process and reports the target as timed out.
func (c *SSHConnection) RunWithInput(ctx context.Context, cmd string, stdin io.Reader) (*CommandResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, Unreachable(c.host, fault.ErrCodeTransport, fmt.Errorf("failed to create session: %w", err))
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	start := time.Now()

	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return nil, Unreachable(c.host, fault.ErrCodeTimeout, ctx.Err())
	case err := <-done:
		result := &CommandResult{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Duration: time.Since(start),
		}

		if err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				return nil, Unreachable(c.host, fault.ErrCodeTransport, err)
			}
			result.ExitCode = exitErr.ExitStatus()
		}

		return result, nil
	}
}

// Close closes the SSH connection and any proxy or agent connection.
func (c *SSHConnection) Close() error {
	err := c.client.Close()
	if c.proxy != nil {
		_ = c.proxy.Close()
	}
	if c.agent != nil {
		_ = c.agent.Close()
	}
	return err
}
