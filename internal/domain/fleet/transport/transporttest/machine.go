package transporttest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DebianRelease is the os-release content NewDebian machines report.
const DebianRelease = `PRETTY_NAME="Debian GNU/Linux 12 (bookworm)"
NAME="Debian GNU/Linux"
VERSION_ID="12"
ID=debian`

// FedoraRelease is the os-release content NewFedora machines report.
const FedoraRelease = `NAME="Fedora Linux"
VERSION_ID=40
ID=fedora
PRETTY_NAME="Fedora Linux 40 (Server Edition)"`

// User is a simulated account.
type User struct {
	Name   string
	UID    int
	Home   string
	Shell  string
	Groups []string
	System bool
}

// File is a simulated regular file.
type File struct {
	Content string
	Mode    string
	Owner   string
	Group   string
}

// Command is one command a machine received.
type Command struct {
	Line   string
	Become bool
	Stdin  string
}

type failure struct {
	prefix string
	exit   int
	stderr string
}

type result struct {
	exit   int
	stdout string
	stderr string
}

// Machine simulates the state of a Linux target: accounts, apt or dnf
// packages, files, hostname and timezone. It is safe for concurrent use.
type Machine struct {
	mu sync.Mutex

	kernel    string
	arch      string
	osRelease string
	pkgBinary string
	hostname  string
	timezone  string
	zones     map[string]bool

	users       map[string]*User
	groups      map[string]bool
	nextUID     int
	nextSysUID  int
	installed   map[string]bool
	unavailable map[string]bool
	upgradable  map[string]bool
	published   map[string]bool
	cacheFresh  bool
	files       map[string]*File

	requireBecome    bool
	noHostnameBinary bool
	failures         []failure
	dropAfter        int
	delay            time.Duration

	log       []Command
	mutations int
}

// NewDebian returns a Debian 12 machine using apt, with timezone Etc/UTC.
func NewDebian(hostname string) *Machine {
	return &Machine{
		kernel:    "Linux",
		arch:      "x86_64",
		osRelease: DebianRelease,
		pkgBinary: "apt-get",
		hostname:  hostname,
		timezone:  "Etc/UTC",
		zones: map[string]bool{
			"Etc/UTC": true, "UTC": true, "Europe/Berlin": true,
			"America/New_York": true, "Asia/Tokyo": true,
		},
		users:       map[string]*User{"root": {Name: "root", UID: 0, Home: "/root", Shell: "/bin/bash", Groups: []string{"root"}}},
		groups:      map[string]bool{"root": true, "sudo": true, "adm": true, "users": true, "docker": true},
		nextUID:     1000,
		nextSysUID:  999,
		installed:   map[string]bool{},
		unavailable: map[string]bool{},
		upgradable:  map[string]bool{},
		published:   map[string]bool{},
		files:       map[string]*File{},
	}
}

// NewFedora returns a Fedora 40 machine using dnf.
func NewFedora(hostname string) *Machine {
	return NewDebian(hostname).SetOSRelease(FedoraRelease, "dnf")
}

// SetOSRelease replaces the os-release content and package manager binary.
func (m *Machine) SetOSRelease(release, pkgBinary string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.osRelease = release
	m.pkgBinary = pkgBinary
	return m
}

// AddUser adds an account.
func (m *Machine) AddUser(u User) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.UID == 0 && u.Name != "root" {
		u.UID = m.nextUID
		m.nextUID++
	}
	if u.Home == "" {
		u.Home = "/home/" + u.Name
	}
	if u.Shell == "" {
		u.Shell = "/bin/sh"
	}
	m.users[u.Name] = &u
	return m
}

// AddGroup adds a group.
func (m *Machine) AddGroup(name string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[name] = true
	return m
}

// Install marks packages installed.
func (m *Machine) Install(names ...string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		m.installed[n] = true
	}
	return m
}

// MarkUpgradable marks installed packages as having a newer version.
func (m *Machine) MarkUpgradable(names ...string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		m.upgradable[n] = true
	}
	return m
}

// PublishUpgrade makes installed packages upgradable once the package
// cache is next refreshed.
func (m *Machine) PublishUpgrade(names ...string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		m.published[n] = true
	}
	return m
}

// MarkUnavailable makes installs of the named packages fail.
func (m *Machine) MarkUnavailable(names ...string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		m.unavailable[n] = true
	}
	return m
}

// SetCacheFresh sets whether the package index is recent.
func (m *Machine) SetCacheFresh(fresh bool) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheFresh = fresh
	return m
}

// WriteFile places a file.
func (m *Machine) WriteFile(path string, f File) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.Mode == "" {
		f.Mode = "644"
	}
	if f.Owner == "" {
		f.Owner = "root"
	}
	if f.Group == "" {
		f.Group = "root"
	}
	m.files[path] = &f
	return m
}

// SetTimezone sets the current timezone.
func (m *Machine) SetTimezone(tz string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timezone = tz
	return m
}

// WithoutHostnameBinary removes the hostname command, as on minimal
// Fedora and Arch images.
func (m *Machine) WithoutHostnameBinary() *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noHostnameBinary = true
	return m
}

// RequireBecome makes every mutating command fail unless wrapped in sudo.
func (m *Machine) RequireBecome() *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requireBecome = true
	return m
}

// Fail makes commands starting with prefix exit with code and stderr.
func (m *Machine) Fail(prefix string, code int, stderr string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, failure{prefix: prefix, exit: code, stderr: stderr})
	return m
}

// DropAfter severs the connection once n commands have run.
func (m *Machine) DropAfter(n int) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropAfter = n
	return m
}

// SetDelay makes every command take at least d.
func (m *Machine) SetDelay(d time.Duration) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// User returns a copy of an account.
func (m *Machine) User(name string) (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[name]
	if !ok {
		return User{}, false
	}
	c := *u
	c.Groups = append([]string(nil), u.Groups...)
	return c, true
}

// HasUser reports whether an account exists.
func (m *Machine) HasUser(name string) bool {
	_, ok := m.User(name)
	return ok
}

// Installed reports whether a package is installed.
func (m *Machine) Installed(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed[name]
}

// Upgradable reports whether a package has a pending upgrade.
func (m *Machine) Upgradable(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upgradable[name]
}

// CacheFresh reports whether the package index was refreshed.
func (m *Machine) CacheFresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cacheFresh
}

// File returns a copy of a file.
func (m *Machine) File(path string) (File, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[path]
	if !ok {
		return File{}, false
	}
	return *f, true
}

// Hostname returns the current hostname.
func (m *Machine) Hostname() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hostname
}

// Timezone returns the current timezone.
func (m *Machine) Timezone() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timezone
}

// Commands returns every command received, in order.
func (m *Machine) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Command(nil), m.log...)
}

// Mutations returns how many state-changing commands succeeded.
func (m *Machine) Mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutations
}

func (m *Machine) exec(ctx context.Context, line string, stdin []byte) (result, bool) {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return result{exit: 143}, false
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dropAfter > 0 && len(m.log) >= m.dropAfter {
		return result{}, true
	}

	become := false
	if rest, wrapped := strings.CutPrefix(line, "sudo -n sh -c "); wrapped {
		if words := splitWords(rest); len(words) == 1 {
			line, become = words[0], true
		}
	}
	m.log = append(m.log, Command{Line: line, Become: become, Stdin: string(stdin)})

	for _, f := range m.failures {
		if strings.HasPrefix(line, f.prefix) {
			return result{exit: f.exit, stderr: f.stderr}, false
		}
	}

	mutating, res := m.dispatch(line, stdin, become)
	if mutating && res.exit == 0 {
		m.mutations++
	}
	return res, false
}

func ok(stdout string) result { return result{stdout: stdout} }

func fail(code int, format string, args ...any) result {
	return result{exit: code, stderr: fmt.Sprintf(format, args...) + "\n"}
}

var denied = fail(1, "Permission denied")

// dispatch interprets one command line. It reports whether the command
// is state-changing.
func (m *Machine) dispatch(line string, stdin []byte, become bool) (bool, result) {
	words := splitWords(line)
	if len(words) == 0 {
		return false, ok("")
	}
	privileged := become || !m.requireBecome

	switch {
	case strings.HasPrefix(line, "echo '@@converge:uname_s'"):
		return false, ok(m.factsOutput())
	case strings.HasPrefix(line, "timedatectl show -p Timezone"):
		return false, ok(m.timezone + "\n")
	case line == "hostname":
		if m.noHostnameBinary {
			return false, fail(127, "sh: hostname: command not found")
		}
		return false, ok(m.hostname + "\n")
	case strings.HasPrefix(line, "hostname 2>/dev/null || cat /proc/sys/kernel/hostname"):
		return false, ok(m.hostname + "\n")
	case line == "true":
		return false, ok("")
	case words[0] == "echo":
		return false, ok(strings.Join(words[1:], " ") + "\n")

	case strings.HasPrefix(line, "hostnamectl set-hostname "):
		if !privileged {
			return true, denied
		}
		m.hostname = words[2]
		return true, ok("")
	case strings.HasPrefix(line, "timedatectl set-timezone "):
		if !privileged {
			return true, denied
		}
		if !m.zones[words[2]] {
			return true, fail(1, "Failed to set time zone: Invalid or unavailable time zone '%s'", words[2])
		}
		m.timezone = words[2]
		return true, ok("")

	case strings.HasPrefix(line, "getent passwd "):
		u, found := m.users[words[2]]
		if !found {
			return false, result{exit: 2}
		}
		return false, ok(fmt.Sprintf("%s:x:%d:%d::%s:%s\n", u.Name, u.UID, u.UID, u.Home, u.Shell))
	case strings.HasPrefix(line, "id -nG "):
		u, found := m.users[words[2]]
		if !found {
			return false, fail(1, "id: '%s': no such user", words[2])
		}
		return false, ok(strings.Join(append([]string{u.Name}, u.Groups...), " ") + "\n")
	case words[0] == "useradd":
		if !privileged {
			return true, denied
		}
		return true, m.useradd(words[1:])
	case words[0] == "usermod":
		if !privileged {
			return true, denied
		}
		return true, m.usermod(words[1:])
	case words[0] == "userdel":
		if !privileged {
			return true, denied
		}
		name := words[len(words)-1]
		if _, found := m.users[name]; !found {
			return true, fail(6, "userdel: user '%s' does not exist", name)
		}
		delete(m.users, name)
		return true, ok("")

	case strings.HasPrefix(line, "dpkg -s "):
		return false, exitIf(m.installed[words[2]])
	case strings.HasPrefix(line, "apt list --upgradable"):
		if strings.HasSuffix(line, "grep -q upgradable") {
			return false, exitIf(len(m.upgradable) > 0)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(words[len(words)-1], "^"), "/")
		return false, exitIf(m.upgradable[name])
	case strings.HasPrefix(line, `test -n "$(find /var/lib/apt/lists`), strings.HasPrefix(line, "find /var/"):
		return false, exitIf(m.cacheFresh)
	case line == "apt-get update -q":
		if !privileged {
			return true, denied
		}
		m.refreshCache()
		return true, ok("Reading package lists...\n")
	case strings.HasPrefix(line, "DEBIAN_FRONTEND=noninteractive apt-get "):
		if !privileged {
			return true, denied
		}
		return true, m.aptGet(words[2], words[5:])

	case strings.HasPrefix(line, "rpm -q "):
		return false, exitIf(m.installed[words[2]])
	case strings.HasPrefix(line, "dnf -q check-update "):
		if words[3] == ">/dev/null" {
			return false, exitIf(len(m.upgradable) > 0)
		}
		return false, exitIf(m.upgradable[words[3]])
	case line == "dnf -q makecache":
		if !privileged {
			return true, denied
		}
		m.refreshCache()
		return true, ok("")
	case words[0] == "dnf":
		if !privileged {
			return true, denied
		}
		return true, m.dnf(line)

	case strings.HasPrefix(line, "test -f "):
		f, found := m.files[words[2]]
		if !found {
			return false, result{exit: 3}
		}
		return false, ok(fmt.Sprintf("%s %s %s\n%s", f.Mode, f.Owner, f.Group, f.Content))
	case strings.HasPrefix(line, "mkdir -p "):
		if !privileged {
			return true, denied
		}
		return true, m.writeFile(line, stdin)
	case strings.HasPrefix(line, "rm -f "):
		if !privileged {
			return true, denied
		}
		delete(m.files, words[2])
		return true, ok("")
	}
	return false, fail(127, "sh: %s: command not found", words[0])
}

func exitIf(cond bool) result {
	if cond {
		return ok("")
	}
	return result{exit: 1}
}

func (m *Machine) useradd(args []string) result {
	u := &User{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-m":
		case "-r":
			u.System = true
		case "-s", "-d", "-G":
			if i+1 >= len(args) {
				return fail(2, "useradd: option requires an argument -- '%s'", args[i])
			}
			switch args[i] {
			case "-s":
				u.Shell = args[i+1]
			case "-d":
				u.Home = args[i+1]
			case "-G":
				u.Groups = strings.Split(args[i+1], ",")
			}
			i++
		default:
			u.Name = args[i]
		}
	}
	if _, exists := m.users[u.Name]; exists {
		return fail(9, "useradd: user '%s' already exists", u.Name)
	}
	for _, g := range u.Groups {
		if !m.groups[g] {
			return fail(6, "useradd: group '%s' does not exist", g)
		}
	}
	if u.Home == "" {
		u.Home = "/home/" + u.Name
	}
	if u.Shell == "" {
		u.Shell = "/bin/sh"
	}
	if u.System {
		u.UID = m.nextSysUID
		m.nextSysUID--
	} else {
		u.UID = m.nextUID
		m.nextUID++
	}
	m.users[u.Name] = u
	return ok("")
}

func (m *Machine) usermod(args []string) result {
	var shell, home string
	var groups []string
	appendGroups := false
	name := args[len(args)-1]
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "-a":
			appendGroups = true
		case "-m":
		case "-s":
			shell = args[i+1]
			i++
		case "-d":
			home = args[i+1]
			i++
		case "-G":
			groups = strings.Split(args[i+1], ",")
			i++
		}
	}
	u, found := m.users[name]
	if !found {
		return fail(6, "usermod: user '%s' does not exist", name)
	}
	for _, g := range groups {
		if !m.groups[g] {
			return fail(6, "usermod: group '%s' does not exist", g)
		}
	}
	if shell != "" {
		u.Shell = shell
	}
	if home != "" {
		u.Home = home
	}
	if groups != nil {
		if appendGroups {
			u.Groups = append(u.Groups, groups...)
		} else {
			u.Groups = groups
		}
	}
	return ok("")
}

func (m *Machine) aptGet(verb string, names []string) result {
	switch verb {
	case "install":
		for _, n := range names {
			if m.unavailable[n] {
				return fail(100, "E: Unable to locate package %s", n)
			}
		}
		for _, n := range names {
			m.installed[n] = true
			delete(m.upgradable, n)
		}
	case "remove":
		for _, n := range names {
			delete(m.installed, n)
			delete(m.upgradable, n)
		}
	case "upgrade":
		m.upgradable = map[string]bool{}
	default:
		return fail(100, "E: Invalid operation %s", verb)
	}
	return ok("")
}

// dnf interprets "dnf VERB -y -q NAMES [&& dnf VERB -y -q NAMES]".
func (m *Machine) dnf(line string) result {
	for _, segment := range strings.Split(line, " && ") {
		words := splitWords(segment)
		if len(words) < 4 {
			return fail(1, "dnf: invalid command %q", segment)
		}
		names := words[4:]
		switch words[1] {
		case "install":
			for _, n := range names {
				if m.unavailable[n] {
					return fail(1, "No match for argument: %s", n)
				}
			}
			for _, n := range names {
				m.installed[n] = true
			}
		case "remove":
			for _, n := range names {
				delete(m.installed, n)
				delete(m.upgradable, n)
			}
		case "upgrade":
			if len(names) == 0 {
				m.upgradable = map[string]bool{}
			}
			for _, n := range names {
				delete(m.upgradable, n)
			}
		default:
			return fail(1, "No such command: %s", words[1])
		}
	}
	return ok("")
}

func (m *Machine) refreshCache() {
	m.cacheFresh = true
	for n := range m.published {
		if m.installed[n] {
			m.upgradable[n] = true
		}
	}
	m.published = map[string]bool{}
}

// writeFile interprets "mkdir -p D && cat > T [&& chmod M T] [&& chown ...] && mv -f T DEST".
func (m *Machine) writeFile(line string, stdin []byte) result {
	staged := map[string]*File{}
	for _, segment := range strings.Split(line, " && ") {
		words := splitWords(segment)
		if len(words) == 0 {
			continue
		}
		switch words[0] {
		case "mkdir":
		case "cat":
			staged[words[2]] = &File{Content: string(stdin), Mode: "644", Owner: "root", Group: "root"}
		case "chmod":
			f := staged[words[2]]
			v, err := strconv.ParseUint(words[1], 8, 32)
			if f == nil || err != nil {
				return fail(1, "chmod: invalid mode: '%s'", words[1])
			}
			f.Mode = strconv.FormatUint(v, 8)
		case "chown":
			f := staged[words[2]]
			owner, group, hasGroup := strings.Cut(words[1], ":")
			if f == nil || !m.knownUser(owner) {
				return fail(1, "chown: invalid user: '%s'", words[1])
			}
			if hasGroup && !m.groups[group] {
				return fail(1, "chown: invalid group: '%s'", words[1])
			}
			f.Owner = owner
			if hasGroup {
				f.Group = group
			}
		case "chgrp":
			f := staged[words[2]]
			if f == nil || !m.groups[words[1]] {
				return fail(1, "chgrp: invalid group: '%s'", words[1])
			}
			f.Group = words[1]
		case "mv":
			f := staged[words[2]]
			if f == nil {
				return fail(1, "mv: cannot stat '%s': No such file or directory", words[2])
			}
			m.files[words[3]] = f
		default:
			return fail(127, "sh: %s: command not found", words[0])
		}
	}
	return ok("")
}

func (m *Machine) knownUser(name string) bool {
	_, found := m.users[name]
	return found
}

func (m *Machine) factsOutput() string {
	var b strings.Builder
	section := func(name, body string) {
		b.WriteString("@@converge:" + name + "\n")
		if body != "" {
			b.WriteString(body + "\n")
		}
	}
	section("uname_s", m.kernel)
	section("uname_m", m.arch)
	section("os_release", m.osRelease)
	section("hostname", m.hostname)
	section("timezone", m.timezone)
	section("pkg_mgr", m.pkgBinary)
	return b.String()
}

// Users returns the account names, sorted.
func (m *Machine) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.users))
	for n := range m.users {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// splitWords splits a shell line into words, honouring single quotes and
// backslash escapes. It does not expand anything.
func splitWords(s string) []string {
	var words []string
	var cur strings.Builder
	inWord := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inWord = true
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				cur.WriteString(s[i+1:])
				i = len(s)
				continue
			}
			cur.WriteString(s[i+1 : i+1+end])
			i += end + 1
		case c == '\\' && i+1 < len(s):
			inWord = true
			cur.WriteByte(s[i+1])
			i++
		case c == ' ' || c == '\t' || c == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			inWord = true
			cur.WriteByte(c)
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words
}
