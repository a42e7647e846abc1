package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport"
)

// Presence is the desired existence of a resource.
type Presence string

const (
	Present Presence = "present"
	Absent  Presence = "absent"
)

// UserAction ensures a local account.
type UserAction struct {
	Name   string
	State  Presence
	Shell  string
	Home   string
	Groups []string
	System bool
}

// Account is a parsed passwd entry.
type Account struct {
	Name   string
	UID    string
	GID    string
	Home   string
	Shell  string
	Groups []string
}

func (a *UserAction) sealed() {}

// Kind returns KindUser.
func (a *UserAction) Kind() Kind { return KindUser }

// Describe returns e.g. "user bob present".
func (a *UserAction) Describe() string {
	return fmt.Sprintf("user %s %s", a.Name, a.state())
}

func (a *UserAction) state() Presence {
	if a.State == "" {
		return Present
	}
	return a.State
}

// Probe looks the account up with getent and id.
func (a *UserAction) Probe(ctx context.Context, conn transport.Connection, _ Env) (State, error) {
	account, found, err := lookupAccount(ctx, conn, a.Name)
	if err != nil {
		return State{}, err
	}

	if a.state() == Absent {
		if !found {
			return State{Satisfied: true}, nil
		}
		return State{Diff: Diff{Type: DiffTypeRemove, Resource: "user", Name: a.Name}}, nil
	}

	if !found {
		return State{Diff: Diff{Type: DiffTypeAdd, Resource: "user", Name: a.Name, New: a.summary()}}, nil
	}

	var drift []string
	if a.Shell != "" && account.Shell != a.Shell {
		drift = append(drift, fmt.Sprintf("shell %s -> %s", account.Shell, a.Shell))
	}
	if a.Home != "" && account.Home != a.Home {
		drift = append(drift, fmt.Sprintf("home %s -> %s", account.Home, a.Home))
	}
	if missing := missingGroups(account.Groups, a.Groups); len(missing) > 0 {
		drift = append(drift, "groups +"+strings.Join(missing, ","))
	}
	if len(drift) == 0 {
		return State{Satisfied: true}, nil
	}
	return State{Diff: Diff{Type: DiffTypeModify, Resource: "user", Name: a.Name, New: strings.Join(drift, "; ")}}, nil
}

// Apply creates, modifies or deletes the account.
func (a *UserAction) Apply(ctx context.Context, conn transport.Connection, _ Env) error {
	if a.state() == Absent {
		_, err := run(ctx, conn, "userdel "+transport.Quote(a.Name))
		return err
	}

	account, found, err := lookupAccount(ctx, conn, a.Name)
	if err != nil {
		return err
	}
	if !found {
		_, err := run(ctx, conn, a.addCommand())
		return err
	}
	cmd := a.modCommand(account)
	if cmd == "" {
		return nil
	}
	_, err = run(ctx, conn, cmd)
	return err
}

func (a *UserAction) addCommand() string {
	args := []string{"useradd", "-m"}
	if a.Shell != "" {
		args = append(args, "-s", transport.Quote(a.Shell))
	}
	if a.Home != "" {
		args = append(args, "-d", transport.Quote(a.Home))
	}
	if len(a.Groups) > 0 {
		args = append(args, "-G", transport.Quote(strings.Join(a.Groups, ",")))
	}
	if a.System {
		args = append(args, "-r")
	}
	return strings.Join(append(args, transport.Quote(a.Name)), " ")
}

func (a *UserAction) modCommand(account Account) string {
	args := []string{"usermod"}
	if a.Shell != "" && account.Shell != a.Shell {
		args = append(args, "-s", transport.Quote(a.Shell))
	}
	if a.Home != "" && account.Home != a.Home {
		args = append(args, "-d", transport.Quote(a.Home), "-m")
	}
	if missing := missingGroups(account.Groups, a.Groups); len(missing) > 0 {
		args = append(args, "-a", "-G", transport.Quote(strings.Join(missing, ",")))
	}
	if len(args) == 1 {
		return ""
	}
	return strings.Join(append(args, transport.Quote(a.Name)), " ")
}

func (a *UserAction) summary() string {
	var parts []string
	if a.Shell != "" {
		parts = append(parts, "shell="+a.Shell)
	}
	if a.Home != "" {
		parts = append(parts, "home="+a.Home)
	}
	if len(a.Groups) > 0 {
		parts = append(parts, "groups="+strings.Join(a.Groups, ","))
	}
	return strings.Join(parts, " ")
}

// lookupAccount returns the account and whether it exists. getent exits
// 2 for an unknown key.
func lookupAccount(ctx context.Context, conn transport.Connection, name string) (Account, bool, error) {
	result, err := conn.Run(ctx, "getent passwd "+transport.Quote(name))
	if err != nil {
		return Account{}, false, err
	}
	if result.ExitCode == 2 {
		return Account{}, false, nil
	}
	if !result.Success() {
		return Account{}, false, commandFailed("getent", result)
	}
	account, err := parsePasswd(result.Output())
	if err != nil {
		return Account{}, false, err
	}

	groups, err := run(ctx, conn, "id -nG "+transport.Quote(name))
	if err != nil {
		return Account{}, false, err
	}
	account.Groups = strings.Fields(groups.Output())
	return account, true, nil
}

func parsePasswd(line string) (Account, error) {
	fields := strings.Split(line, ":")
	if len(fields) < 7 {
		return Account{}, fmt.Errorf("malformed passwd entry %q", line)
	}
	return Account{
		Name:  fields[0],
		UID:   fields[2],
		GID:   fields[3],
		Home:  fields[5],
		Shell: fields[6],
	}, nil
}

func missingGroups(have, want []string) []string {
	set := make(map[string]bool, len(have))
	for _, g := range have {
		set[g] = true
	}
	var missing []string
	for _, g := range want {
		if !set[g] {
			missing = append(missing, g)
		}
	}
	return missing
}
