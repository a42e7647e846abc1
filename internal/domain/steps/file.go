package steps

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/felixgeelhaar/converge/internal/domain/fleet/transport"
	"github.com/zeebo/blake3"
)

// FileAction ensures a regular file's content, mode and ownership.
type FileAction struct {
	Dest    string
	Content string
	State   Presence
	// Mode is an octal permission string such as "0644". Empty leaves the
	// mode alone for existing files.
	Mode  string
	Owner string
	Group string
}

// RemoteFile is the observed state of a file on a target.
type RemoteFile struct {
	Exists  bool
	Mode    string
	Owner   string
	Group   string
	Content string
}

// missingExit is the exit code the probe script uses for a missing file.
const missingExit = 3

func (a *FileAction) sealed() {}

// Kind returns KindFile.
func (a *FileAction) Kind() Kind { return KindFile }

// Describe returns e.g. "file /etc/motd".
func (a *FileAction) Describe() string {
	if a.state() == Absent {
		return "file " + a.Dest + " absent"
	}
	return "file " + a.Dest
}

func (a *FileAction) state() Presence {
	if a.State == "" {
		return Present
	}
	return a.State
}

// Digest returns the hex blake3 digest of content.
func Digest(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Probe reads the current file and compares digests, mode and owner.
func (a *FileAction) Probe(ctx context.Context, conn transport.Connection, _ Env) (State, error) {
	current, err := readRemoteFile(ctx, conn, a.Dest)
	if err != nil {
		return State{}, err
	}

	if a.state() == Absent {
		if !current.Exists {
			return State{Satisfied: true}, nil
		}
		return State{Diff: Diff{
			Type:     DiffTypeRemove,
			Resource: "file",
			Name:     a.Dest,
			Text:     LineDiff(current.Content, ""),
		}}, nil
	}

	if !current.Exists {
		return State{Diff: Diff{
			Type:     DiffTypeAdd,
			Resource: "file",
			Name:     a.Dest,
			New:      a.attributes(),
			Text:     LineDiff("", a.Content),
		}}, nil
	}

	var drift []string
	if Digest([]byte(current.Content)) != Digest([]byte(a.Content)) {
		drift = append(drift, "content")
	}
	if a.Mode != "" && !sameMode(current.Mode, a.Mode) {
		drift = append(drift, fmt.Sprintf("mode %s -> %s", current.Mode, a.Mode))
	}
	if a.Owner != "" && current.Owner != a.Owner {
		drift = append(drift, fmt.Sprintf("owner %s -> %s", current.Owner, a.Owner))
	}
	if a.Group != "" && current.Group != a.Group {
		drift = append(drift, fmt.Sprintf("group %s -> %s", current.Group, a.Group))
	}
	if len(drift) == 0 {
		return State{Satisfied: true}, nil
	}
	return State{Diff: Diff{
		Type:     DiffTypeModify,
		Resource: "file",
		Name:     a.Dest,
		New:      strings.Join(drift, "; "),
		Text:     LineDiff(current.Content, a.Content),
	}}, nil
}

// Apply writes the file through a temporary sibling and renames it into
// place, so readers never see a partial file.
func (a *FileAction) Apply(ctx context.Context, conn transport.Connection, _ Env) error {
	if a.state() == Absent {
		_, err := run(ctx, conn, "rm -f "+transport.Quote(a.Dest))
		return err
	}

	result, err := conn.RunWithInput(ctx, a.writeCommand(), strings.NewReader(a.Content))
	if err != nil {
		return err
	}
	if !result.Success() {
		return commandFailed("write "+a.Dest, result)
	}
	return nil
}

func (a *FileAction) writeCommand() string {
	tmp := transport.Quote(a.Dest + ".converge-tmp")
	parts := []string{
		"mkdir -p " + transport.Quote(path.Dir(a.Dest)),
		"cat > " + tmp,
	}
	if a.Mode != "" {
		parts = append(parts, "chmod "+a.Mode+" "+tmp)
	}
	switch {
	case a.Owner != "" && a.Group != "":
		parts = append(parts, "chown "+transport.Quote(a.Owner+":"+a.Group)+" "+tmp)
	case a.Owner != "":
		parts = append(parts, "chown "+transport.Quote(a.Owner)+" "+tmp)
	case a.Group != "":
		parts = append(parts, "chgrp "+transport.Quote(a.Group)+" "+tmp)
	}
	parts = append(parts, "mv -f "+tmp+" "+transport.Quote(a.Dest))
	return strings.Join(parts, " && ")
}

func (a *FileAction) attributes() string {
	var parts []string
	if a.Mode != "" {
		parts = append(parts, "mode="+a.Mode)
	}
	if a.Owner != "" {
		parts = append(parts, "owner="+a.Owner)
	}
	if a.Group != "" {
		parts = append(parts, "group="+a.Group)
	}
	return strings.Join(parts, " ")
}

// readRemoteFile prints "<mode> <owner> <group>" on the first line,
// followed by the file content.
func readRemoteFile(ctx context.Context, conn transport.Connection, dest string) (RemoteFile, error) {
	q := transport.Quote(dest)
	cmd := fmt.Sprintf("test -f %s || exit %d; stat -c '%%a %%U %%G' %s && cat %s", q, missingExit, q, q)
	result, err := conn.Run(ctx, cmd)
	if err != nil {
		return RemoteFile{}, err
	}
	if result.ExitCode == missingExit {
		return RemoteFile{}, nil
	}
	if !result.Success() {
		return RemoteFile{}, commandFailed("stat", result)
	}

	header, content, _ := bytes.Cut(result.Stdout, []byte("\n"))
	fields := strings.Fields(string(header))
	if len(fields) != 3 {
		return RemoteFile{}, fmt.Errorf("unexpected stat output %q", header)
	}
	return RemoteFile{
		Exists:  true,
		Mode:    fields[0],
		Owner:   fields[1],
		Group:   fields[2],
		Content: string(content),
	}, nil
}

// ValidMode reports whether mode is an octal permission string.
func ValidMode(mode string) bool {
	if mode == "" {
		return true
	}
	v, err := strconv.ParseUint(mode, 8, 32)
	return err == nil && v <= 0o7777
}

func sameMode(a, b string) bool {
	va, errA := strconv.ParseUint(a, 8, 32)
	vb, errB := strconv.ParseUint(b, 8, 32)
	return errA == nil && errB == nil && va == vb
}
