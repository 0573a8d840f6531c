package fs

import (
	"os"

	"github.com/simple_nsexec/libcontainer/cgroups"
)

// NameGroup is a named hierarchy without controllers, like name=systemd.
type NameGroup struct {
	GroupName string
	Join      bool
}

func (s *NameGroup) Name() string {
	return s.GroupName
}

func (s *NameGroup) Apply(path string, pid int) error {
	if s.Join {
		// Ignore errors if the named cgroup does not exists.
		_ = apply(path, pid)
	}
	return nil
}

// joinGroup is a controller hierarchy the container is only placed into.
type joinGroup struct {
	name string
}

func (s *joinGroup) Name() string {
	return s.name
}

func (s *joinGroup) Apply(path string, pid int) error {
	return apply(path, pid)
}

func apply(path string, pid int) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	return cgroups.WriteCgroupProc(path, pid)
}
