package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport"
)

// PackageState is the desired state of a package set.
type PackageState string

const (
	PackagePresent PackageState = "present"
	PackageAbsent  PackageState = "absent"
	PackageLatest  PackageState = "latest"
)

// PackageAction ensures packages through the target's package manager.
// Names may be empty when the step only refreshes the cache or upgrades
// the whole system.
type PackageAction struct {
	Names       []string
	State       PackageState
	UpdateCache bool
	// CacheValidMinutes bounds the age of the package index before
	// update_cache refreshes it. Zero means 60.
	CacheValidMinutes int
	Upgrade           bool
	// Manager overrides the manager detected from facts.
	Manager string
}

// manager describes how to drive one package manager. Commands returning
// exit 0 mean "yes" for the query functions.
type manager struct {
	installed  func(name string) string
	outdated   func(name string) string
	pending    string
	cacheFresh func(minutes int) string
	update     string
	install    func(names []string) string
	remove     func(names []string) string
	latest     func(names []string) string
	upgrade    string
}

var managers = map[string]manager{
	"apt": {
		installed: func(n string) string { return "dpkg -s " + transport.Quote(n) + " >/dev/null 2>&1" },
		outdated: func(n string) string {
			return "apt list --upgradable 2>/dev/null | grep -q " + transport.Quote("^"+n+"/")
		},
		pending: "apt list --upgradable 2>/dev/null | grep -q upgradable",
		cacheFresh: func(m int) string {
			return fmt.Sprintf(`test -n "$(find /var/lib/apt/lists -maxdepth 0 -mmin -%d)"`, m)
		},
		update:  "apt-get update -q",
		install: func(n []string) string { return "DEBIAN_FRONTEND=noninteractive apt-get install -y -q " + quoteAll(n) },
		remove:  func(n []string) string { return "DEBIAN_FRONTEND=noninteractive apt-get remove -y -q " + quoteAll(n) },
		latest:  func(n []string) string { return "DEBIAN_FRONTEND=noninteractive apt-get install -y -q " + quoteAll(n) },
		upgrade: "DEBIAN_FRONTEND=noninteractive apt-get upgrade -y -q",
	},
	"dnf": rpmManager("dnf"),
	"yum": rpmManager("yum"),
	"pacman": {
		installed:  func(n string) string { return "pacman -Q " + transport.Quote(n) + " >/dev/null 2>&1" },
		outdated:   func(n string) string { return "pacman -Qu " + transport.Quote(n) + " >/dev/null 2>&1" },
		pending:    "pacman -Qu >/dev/null 2>&1",
		cacheFresh: modifiedWithin("/var/lib/pacman/sync"),
		update:     "pacman -Sy --noconfirm",
		install:    func(n []string) string { return "pacman -S --noconfirm --needed " + quoteAll(n) },
		remove:     func(n []string) string { return "pacman -R --noconfirm " + quoteAll(n) },
		latest:     func(n []string) string { return "pacman -S --noconfirm " + quoteAll(n) },
		upgrade:    "pacman -Syu --noconfirm",
	},
	"apk": {
		installed:  func(n string) string { return "apk info -e " + transport.Quote(n) + " >/dev/null 2>&1" },
		outdated:   func(n string) string { return "apk version -l '<' " + transport.Quote(n) + " 2>/dev/null | grep -q " + transport.Quote(n) },
		pending:    "apk -u list 2>/dev/null | grep -q .",
		cacheFresh: modifiedWithin("/var/cache/apk"),
		update:     "apk update -q",
		install:    func(n []string) string { return "apk add -q " + quoteAll(n) },
		remove:     func(n []string) string { return "apk del -q " + quoteAll(n) },
		latest:     func(n []string) string { return "apk add -q --upgrade " + quoteAll(n) },
		upgrade:    "apk upgrade -q",
	},
}

func rpmManager(bin string) manager {
	return manager{
		installed: func(n string) string { return "rpm -q " + transport.Quote(n) + " >/dev/null 2>&1" },
		outdated: func(n string) string {
			return bin + " -q check-update " + transport.Quote(n) + " >/dev/null 2>&1; test $? -eq 100"
		},
		pending:    bin + " -q check-update >/dev/null 2>&1; test $? -eq 100",
		cacheFresh: modifiedWithin("/var/cache/" + bin),
		update:     bin + " -q makecache",
		install:    func(n []string) string { return bin + " install -y -q " + quoteAll(n) },
		remove:     func(n []string) string { return bin + " remove -y -q " + quoteAll(n) },
		latest: func(n []string) string {
			return bin + " install -y -q " + quoteAll(n) + " && " + bin + " upgrade -y -q " + quoteAll(n)
		},
		upgrade: bin + " upgrade -y -q",
	}
}

// modifiedWithin returns a freshness query that holds when anything in
// dir, at most two levels deep, changed in the last m minutes. A missing
// dir counts as stale.
func modifiedWithin(dir string) func(m int) string {
	return func(m int) string {
		return fmt.Sprintf("find %s -maxdepth 2 -mmin -%d 2>/dev/null | grep -q .", dir, m)
	}
}

// Managers lists the supported package manager names.
func Managers() []string {
	return []string{"apk", "apt", "dnf", "pacman", "yum"}
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = transport.Quote(n)
	}
	return strings.Join(quoted, " ")
}

func (a *PackageAction) sealed() {}

// Kind returns KindPackage.
func (a *PackageAction) Kind() Kind { return KindPackage }

// Describe returns e.g. "package git,htop present".
func (a *PackageAction) Describe() string {
	var parts []string
	if len(a.Names) > 0 {
		parts = append(parts, "package "+strings.Join(a.Names, ",")+" "+string(a.state()))
	}
	if a.UpdateCache {
		parts = append(parts, "update cache")
	}
	if a.Upgrade {
		parts = append(parts, "upgrade all")
	}
	if len(parts) == 0 {
		return "package"
	}
	return strings.Join(parts, ", ")
}

func (a *PackageAction) state() PackageState {
	if a.State == "" {
		return PackagePresent
	}
	return a.State
}

func (a *PackageAction) cacheMinutes() int {
	if a.CacheValidMinutes <= 0 {
		return 60
	}
	return a.CacheValidMinutes
}

func (a *PackageAction) manager(env Env) (manager, string, error) {
	name := a.Manager
	if name == "" {
		name = env.Facts.PkgMgr
	}
	if name == "" {
		return manager{}, "", errors.New("cannot determine package manager: set manager or enable fact gathering")
	}
	m, ok := managers[name]
	if !ok {
		return manager{}, "", fmt.Errorf("unsupported package manager %q", name)
	}
	return m, name, nil
}

// plan returns the names that need work, whether the cache is stale and
// whether system upgrades are pending.
type packagePlan struct {
	names      []string
	staleCache bool
	pending    bool
}

func (p packagePlan) empty() bool {
	return len(p.names) == 0 && !p.staleCache && !p.pending
}

func (a *PackageAction) plan(ctx context.Context, conn transport.Connection, m manager) (packagePlan, error) {
	var plan packagePlan

	if a.UpdateCache {
		fresh, err := a.cacheIsFresh(ctx, conn, m)
		if err != nil {
			return plan, err
		}
		plan.staleCache = !fresh
	}

	for _, name := range a.Names {
		installed, err := yes(ctx, conn, m.installed(name))
		if err != nil {
			return plan, err
		}
		switch a.state() {
		case PackagePresent:
			if !installed {
				plan.names = append(plan.names, name)
			}
		case PackageAbsent:
			if installed {
				plan.names = append(plan.names, name)
			}
		case PackageLatest:
			if !installed {
				plan.names = append(plan.names, name)
				continue
			}
			outdated, err := yes(ctx, conn, m.outdated(name))
			if err != nil {
				return plan, err
			}
			if outdated {
				plan.names = append(plan.names, name)
			}
		}
	}

	if a.Upgrade {
		pending, err := yes(ctx, conn, m.pending)
		if err != nil {
			return plan, err
		}
		plan.pending = pending
	}
	return plan, nil
}

// cacheIsFresh reports whether the package index is younger than
// CacheValidMinutes. A manager without a freshness query is always stale.
func (a *PackageAction) cacheIsFresh(ctx context.Context, conn transport.Connection, m manager) (bool, error) {
	if m.cacheFresh == nil {
		return false, nil
	}
	return yes(ctx, conn, m.cacheFresh(a.cacheMinutes()))
}

// Probe queries the package database for each name.
func (a *PackageAction) Probe(ctx context.Context, conn transport.Connection, env Env) (State, error) {
	m, mgrName, err := a.manager(env)
	if err != nil {
		return State{}, err
	}
	plan, err := a.plan(ctx, conn, m)
	if err != nil {
		return State{}, err
	}
	if plan.empty() {
		return State{Satisfied: true}, nil
	}

	diff := Diff{Resource: "package", Name: mgrName}
	switch {
	case len(plan.names) > 0 && a.state() == PackageAbsent:
		diff.Type = DiffTypeRemove
		diff.Old = strings.Join(plan.names, ",")
		diff.Name = strings.Join(plan.names, ",")
	case len(plan.names) > 0:
		diff.Type = DiffTypeAdd
		diff.Name = strings.Join(plan.names, ",")
		diff.New = string(a.state())
	default:
		diff.Type = DiffTypeModify
		if plan.pending {
			diff.New = "upgrade"
		} else {
			diff.New = "update cache"
		}
	}
	return State{Diff: diff}, nil
}

// Apply refreshes a stale cache when asked, then installs, removes or
// upgrades only the packages that need it.
func (a *PackageAction) Apply(ctx context.Context, conn transport.Connection, env Env) error {
	m, _, err := a.manager(env)
	if err != nil {
		return err
	}

	// The index is refreshed first so installs and upgrades see current
	// package lists.
	if a.UpdateCache {
		fresh, err := a.cacheIsFresh(ctx, conn, m)
		if err != nil {
			return err
		}
		if !fresh {
			if _, err := run(ctx, conn, m.update); err != nil {
				return err
			}
		}
	}

	plan, err := a.plan(ctx, conn, m)
	if err != nil {
		return err
	}

	if len(plan.names) > 0 {
		var cmd string
		switch a.state() {
		case PackagePresent:
			cmd = m.install(plan.names)
		case PackageAbsent:
			cmd = m.remove(plan.names)
		case PackageLatest:
			cmd = m.latest(plan.names)
		}
		if _, err := run(ctx, conn, cmd); err != nil {
			return err
		}
	}

	if a.Upgrade && plan.pending {
		if _, err := run(ctx, conn, m.upgrade); err != nil {
			return err
		}
	}
	return nil
}

// yes runs a query command: exit 0 is true, exit 1 is false, anything
// else is an error.
func yes(ctx context.Context, conn transport.Connection, cmd string) (bool, error) {
	result, err := conn.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	switch result.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, commandFailed(cmd, result)
	}
}
