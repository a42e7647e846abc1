// Package facts discovers properties of a target over its connection:
// kernel, architecture, distribution, package manager, hostname and
// timezone. Guards read them under the "facts." prefix.
package facts

import (
	"context"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport"
	"github.com/joho/godotenv"
)

// Facts are discovered once per target at connection time.
type Facts struct {
	OS                  string `json:"os"`
	Arch                string `json:"arch"`
	Distribution        string `json:"distribution,omitempty"`
	DistributionVersion string `json:"distribution_version,omitempty"`
	OSFamily            string `json:"os_family,omitempty"`
	PkgMgr              string `json:"pkg_mgr,omitempty"`
	Hostname            string `json:"hostname,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
}

// Map exposes the facts to guards and templates.
func (f Facts) Map() map[string]any {
	return map[string]any{
		"os":                   f.OS,
		"arch":                 f.Arch,
		"distribution":         f.Distribution,
		"distribution_version": f.DistributionVersion,
		"os_family":            f.OSFamily,
		"pkg_mgr":              f.PkgMgr,
		"hostname":             f.Hostname,
		"timezone":             f.Timezone,
	}
}

const marker = "@@converge:"

// TimezoneCommand prints the target's current timezone name.
const TimezoneCommand = `timedatectl show -p Timezone --value 2>/dev/null || cat /etc/timezone 2>/dev/null || readlink /etc/localtime 2>/dev/null | sed 's|.*/zoneinfo/||'`

// HostnameCommand prints the running hostname. Minimal images may lack
// the hostname binary.
const HostnameCommand = `hostname 2>/dev/null || cat /proc/sys/kernel/hostname 2>/dev/null || cat /etc/hostname`

// Script is the single shell script that gathers every fact. Each section
// starts with a marker line so one round trip serves all facts.
const Script = `echo '` + marker + `uname_s'; uname -s; ` +
	`echo '` + marker + `uname_m'; uname -m; ` +
	`echo '` + marker + `os_release'; cat /etc/os-release 2>/dev/null; ` +
	`echo '` + marker + `hostname'; ` + HostnameCommand + ` 2>/dev/null; ` +
	`echo '` + marker + `timezone'; ` + TimezoneCommand + `; ` +
	`echo '` + marker + `pkg_mgr'; for m in apt-get dnf yum pacman apk zypper; do if command -v $m >/dev/null 2>&1; then echo $m; break; fi; done; ` +
	`exit 0`

// Gather runs Script over conn and parses its output.
func Gather(ctx context.Context, conn transport.Connection) (Facts, error) {
	result, err := conn.Run(ctx, Script)
	if err != nil {
		return Facts{}, err
	}
	if !result.Success() {
		return Facts{}, fault.ConnectionError(fault.ErrCodeTransport, conn.Host().ID().String(),
			fmt.Errorf("fact gathering exited with code %d: %s", result.ExitCode, strings.TrimSpace(string(result.Stderr))))
	}
	return Parse(string(result.Stdout)), nil
}

// Parse parses the sectioned output of Script. Sections it cannot read
// leave their facts empty.
func Parse(out string) Facts {
	sections := map[string]string{}
	var current string
	var body strings.Builder
	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(body.String())
		}
		body.Reset()
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, marker) {
			flush()
			current = strings.TrimSpace(strings.TrimPrefix(line, marker))
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()

	f := Facts{
		OS:       strings.ToLower(sections["uname_s"]),
		Arch:     normalizeArch(sections["uname_m"]),
		Hostname: sections["hostname"],
		Timezone: sections["timezone"],
		PkgMgr:   normalizePkgMgr(sections["pkg_mgr"]),
	}

	if raw := sections["os_release"]; raw != "" {
		release := parseOSRelease(raw)
		f.Distribution = release["ID"]
		f.DistributionVersion = release["VERSION_ID"]
		f.OSFamily = osFamily(release["ID"], release["ID_LIKE"])
	}
	if f.OSFamily == "" && f.OS == "darwin" {
		f.OSFamily = "darwin"
	}
	return f
}

// parseOSRelease decodes os-release. When the file as a whole does not
// parse, each line is decoded on its own and malformed lines are skipped.
func parseOSRelease(raw string) map[string]string {
	release, err := godotenv.Unmarshal(raw)
	if err == nil {
		return release
	}
	release = map[string]string{}
	for _, line := range strings.Split(raw, "\n") {
		kv, err := godotenv.Unmarshal(line)
		if err != nil {
			continue
		}
		for k, v := range kv {
			release[k] = v
		}
	}
	return release
}

func normalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	default:
		return arch
	}
}

func normalizePkgMgr(name string) string {
	if name == "apt-get" {
		return "apt"
	}
	return name
}

// osFamily maps os-release ID and ID_LIKE onto a distribution family.
func osFamily(id, idLike string) string {
	candidates := append([]string{strings.ToLower(id)}, strings.Fields(strings.ToLower(idLike))...)
	families := []struct {
		family string
		ids    []string
	}{
		{family: "debian", ids: []string{"debian", "ubuntu", "linuxmint", "raspbian", "pop"}},
		{family: "redhat", ids: []string{"rhel", "fedora", "centos", "rocky", "almalinux", "amzn"}},
		{family: "arch", ids: []string{"arch", "manjaro", "endeavouros"}},
		{family: "alpine", ids: []string{"alpine"}},
		{family: "suse", ids: []string{"suse", "opensuse", "opensuse-leap", "opensuse-tumbleweed", "sles"}},
	}
	for _, c := range candidates {
		for _, fam := range families {
			for _, known := range fam.ids {
				if c == known {
					return fam.family
				}
			}
		}
	}
	return ""
}
