package nsenter

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

var errEmptyNsPaths = errors.New("ns paths are empty")

// nsflag maps the kind of a join list entry to its clone flag. Unknown kinds
// map to 0, which lets setns infer the type from the file.
func nsflag(kind string) int {
	switch kind {
	case "cgroup":
		return unix.CLONE_NEWCGROUP
	case "ipc":
		return unix.CLONE_NEWIPC
	case "mnt":
		return unix.CLONE_NEWNS
	case "net":
		return unix.CLONE_NEWNET
	case "pid":
		return unix.CLONE_NEWPID
	case "user":
		return unix.CLONE_NEWUSER
	case "uts":
		return unix.CLONE_NEWUTS
	case "time":
		return unix.CLONE_NEWTIME
	}
	return 0
}

func parseNsPaths(nslist string) ([]NsPath, error) {
	if nslist == "" {
		return nil, errEmptyNsPaths
	}
	var paths []NsPath
	for _, tok := range strings.Split(nslist, ",") {
		kind, path, ok := strings.Cut(tok, ":")
		if !ok {
			return nil, fmt.Errorf("failed to parse %q", tok)
		}
		paths = append(paths, NsPath{Kind: kind, Path: path})
	}
	return paths, nil
}

// splitNsPaths separates the pid namespace entries of nslist from the rest.
// Stage-0 joins the rest before stage-1 exists, so that stage-1 can still be
// created in a new user namespace. The pid namespace is left to stage-1:
// joined by stage-0 it would become the pid namespace of stage-1, which then
// reports the pid of init relative to it.
func splitNsPaths(nslist string) (early, late string, err error) {
	if nslist == "" {
		return "", "", nil
	}
	paths, err := parseNsPaths(nslist)
	if err != nil {
		return "", "", err
	}
	var e, l []string
	for _, p := range paths {
		tok := p.Kind + ":" + p.Path
		if nsflag(p.Kind) == unix.CLONE_NEWPID {
			l = append(l, tok)
		} else {
			e = append(e, tok)
		}
	}
	return strings.Join(e, ","), strings.Join(l, ","), nil
}

// setnsFunc moves the calling thread into the namespace referred to by fd.
type setnsFunc func(fd int, nstype int) error

// setns is the setnsFunc used outside of tests. Joining a mount namespace
// requires that the thread does not share its filesystem attributes.
func setns(fd int, nstype int) error {
	if nstype == unix.CLONE_NEWNS {
		if err := unix.Unshare(unix.CLONE_FS); err != nil {
			return os.NewSyscallError("unshare(CLONE_FS)", err)
		}
	}
	return os.NewSyscallError("setns", unix.Setns(fd, nstype))
}

type nsHandle struct {
	NsPath
	f *os.File
}

// joinNamespaces joins the namespaces of nslist in order. All paths are
// opened before the first join: a namespace joined early might hide or
// change the paths of the ones that follow.
func joinNamespaces(nslist string, join setnsFunc) error {
	paths, err := parseNsPaths(nslist)
	if err != nil {
		return err
	}

	handles := make([]nsHandle, 0, len(paths))
	defer func() {
		for _, h := range handles {
			if h.f != nil {
				_ = h.f.Close()
			}
		}
	}()
	for _, p := range paths {
		f, err := os.OpenFile(p.Path, os.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", p.Path, err)
		}
		handles = append(handles, nsHandle{NsPath: p, f: f})
	}

	for i := range handles {
		h := &handles[i]
		if err := join(int(h.f.Fd()), nsflag(h.Kind)); err != nil {
			return fmt.Errorf("failed to setns into %s namespace: %w", h.Kind, err)
		}
		_ = h.f.Close()
		h.f = nil
	}
	return nil
}
