package steps

import (
	"errors"
	"fmt"
	"path"
	"regexp"
)

var (
	userPattern    = regexp.MustCompile(`^[a-z_][a-z0-9_-]*\$?$`)
	packagePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.+_:@=~-]*$`)
)

func validPresence(p Presence) bool {
	return p == "" || p == Present || p == Absent
}

// Validate checks the account name and state.
func (a *UserAction) Validate() error {
	if a.Name == "" {
		return errors.New("user name is required")
	}
	if len(a.Name) > 32 || !userPattern.MatchString(a.Name) {
		return fmt.Errorf("invalid user name %q", a.Name)
	}
	if !validPresence(a.State) {
		return fmt.Errorf("invalid user state %q (use present or absent)", a.State)
	}
	for _, g := range a.Groups {
		if !userPattern.MatchString(g) {
			return fmt.Errorf("invalid group name %q", g)
		}
	}
	return nil
}

// Validate checks names, state and manager.
func (a *PackageAction) Validate() error {
	if len(a.Names) == 0 && !a.UpdateCache && !a.Upgrade {
		return errors.New("package step needs names, update_cache or upgrade")
	}
	for _, n := range a.Names {
		if !packagePattern.MatchString(n) {
			return fmt.Errorf("invalid package name %q", n)
		}
	}
	switch a.State {
	case "", PackagePresent, PackageAbsent, PackageLatest:
	default:
		return fmt.Errorf("invalid package state %q (use present, absent or latest)", a.State)
	}
	if a.Manager != "" {
		if _, ok := managers[a.Manager]; !ok {
			return fmt.Errorf("unsupported package manager %q", a.Manager)
		}
	}
	return nil
}

// Validate checks the destination and mode.
func (a *FileAction) Validate() error {
	if a.Dest == "" {
		return errors.New("file dest is required")
	}
	if !path.IsAbs(a.Dest) || path.Clean(a.Dest) != a.Dest {
		return fmt.Errorf("file dest %q must be a clean absolute path", a.Dest)
	}
	if !ValidMode(a.Mode) {
		return fmt.Errorf("invalid file mode %q", a.Mode)
	}
	if !validPresence(a.State) {
		return fmt.Errorf("invalid file state %q (use present or absent)", a.State)
	}
	return nil
}

// Validate checks the hostname syntax.
func (a *HostnameAction) Validate() error {
	if !ValidHostname(a.Name) {
		return fmt.Errorf("invalid hostname %q", a.Name)
	}
	return nil
}

// Validate checks the zone name syntax.
func (a *TimezoneAction) Validate() error {
	if !ValidTimezone(a.Name) {
		return fmt.Errorf("invalid timezone %q", a.Name)
	}
	return nil
}
