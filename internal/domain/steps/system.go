package steps

import (
	"context"
	"fmt"
	"regexp"

	"github.com/felixgeelhaar/converge/internal/domain/facts"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport"
)

var (
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	timezonePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_+-]*(/[A-Za-z0-9_+-]+)*$`)
)

// ValidHostname reports whether name is a valid RFC 1123 hostname.
func ValidHostname(name string) bool {
	return len(name) <= 253 && hostnamePattern.MatchString(name)
}

// ValidTimezone reports whether name looks like an IANA zone name.
func ValidTimezone(name string) bool {
	return timezonePattern.MatchString(name)
}

// HostnameAction ensures the system hostname.
type HostnameAction struct {
	Name string
}

func (a *HostnameAction) sealed() {}

// Kind returns KindHostname.
func (a *HostnameAction) Kind() Kind { return KindHostname }

// Describe returns e.g. "hostname ws-01".
func (a *HostnameAction) Describe() string { return "hostname " + a.Name }

// Probe compares the running hostname.
func (a *HostnameAction) Probe(ctx context.Context, conn transport.Connection, _ Env) (State, error) {
	result, err := run(ctx, conn, facts.HostnameCommand)
	if err != nil {
		return State{}, err
	}
	current := result.Output()
	if current == a.Name {
		return State{Satisfied: true}, nil
	}
	return State{Diff: Diff{Type: DiffTypeModify, Resource: "hostname", Name: a.Name, Old: current, New: a.Name}}, nil
}

// Apply uses hostnamectl, falling back to /etc/hostname on systems
// without systemd.
func (a *HostnameAction) Apply(ctx context.Context, conn transport.Connection, _ Env) error {
	q := transport.Quote(a.Name)
	_, err := run(ctx, conn, fmt.Sprintf(
		"hostnamectl set-hostname %s 2>/dev/null || { echo %s > /etc/hostname && echo %s > /proc/sys/kernel/hostname; }", q, q, q))
	return err
}

// TimezoneAction ensures the system timezone.
type TimezoneAction struct {
	Name string
}

func (a *TimezoneAction) sealed() {}

// Kind returns KindTimezone.
func (a *TimezoneAction) Kind() Kind { return KindTimezone }

// Describe returns e.g. "timezone Europe/Berlin".
func (a *TimezoneAction) Describe() string { return "timezone " + a.Name }

// Probe compares the configured timezone.
func (a *TimezoneAction) Probe(ctx context.Context, conn transport.Connection, _ Env) (State, error) {
	result, err := run(ctx, conn, facts.TimezoneCommand)
	if err != nil {
		return State{}, err
	}
	current := result.Output()
	if current == a.Name {
		return State{Satisfied: true}, nil
	}
	return State{Diff: Diff{Type: DiffTypeModify, Resource: "timezone", Name: a.Name, Old: current, New: a.Name}}, nil
}

// Apply uses timedatectl, falling back to linking /etc/localtime.
func (a *TimezoneAction) Apply(ctx context.Context, conn transport.Connection, _ Env) error {
	q := transport.Quote(a.Name)
	zone := transport.Quote("/usr/share/zoneinfo/" + a.Name)
	_, err := run(ctx, conn, fmt.Sprintf(
		"timedatectl set-timezone %s 2>/dev/null || { test -f %s && ln -sf %s /etc/localtime && echo %s > /etc/timezone; }",
		q, zone, zone, q))
	return err
}
