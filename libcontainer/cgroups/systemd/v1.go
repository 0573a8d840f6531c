package systemd

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/simple_nsexec/libcontainer/cgroups"
	"github.com/simple_nsexec/libcontainer/configs"
)

// LegacyManager places the container into a transient systemd unit on a
// cgroup v1 host.
type LegacyManager struct {
	mu      sync.Mutex
	cgroups *configs.Cgroup
	paths   map[string]string
	dbus    *dbusConnManager
}

func NewLegacyManager(cg *configs.Cgroup, paths map[string]string) (*LegacyManager, error) {
	if cg.Rootless {
		return nil, fmt.Errorf("cannot use rootless systemd cgroups manager on cgroup v1")
	}
	if paths == nil {
		var err error
		paths, err = initPaths(cg)
		if err != nil {
			return nil, err
		}
	}
	return &LegacyManager{
		cgroups: cg,
		paths:   paths,
		dbus:    newDbusConnManager(false),
	}, nil
}

// legacySubsystems are the v1 hierarchies systemd does not place the unit
// into by itself.
var legacySubsystems = []string{"name=systemd"}

func initPaths(c *configs.Cgroup) (map[string]string, error) {
	slice := defaultSlice
	if c.Parent != "" {
		slice = c.Parent
	}
	slice, err := ExpandSlice(slice)
	if err != nil {
		return nil, err
	}
	unit := getUnitName(c)

	paths := make(map[string]string)
	for _, s := range legacySubsystems {
		mnt, err := cgroups.FindCgroupMountpoint(s)
		if err != nil {
			// The hierarchy is not mounted, skip it.
			if cgroups.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		paths[s] = filepath.Join(mnt, slice, unit)
	}
	return paths, nil
}

func (m *LegacyManager) Apply(pid int) error {
	c := m.cgroups
	unitName := getUnitName(c)

	m.mu.Lock()
	defer m.mu.Unlock()

	if c.Path != "" {
		return fmt.Errorf("cannot use cgroup path %q with the systemd cgroup manager", c.Path)
	}

	if err := startUnit(m.dbus, unitName, unitProperties(c, unitName, pid)); err != nil {
		return err
	}

	return m.joinCgroups(pid)
}

// joinCgroups puts pid into the hierarchies systemd left alone.
func (m *LegacyManager) joinCgroups(pid int) error {
	for name, path := range m.paths {
		if !strings.HasPrefix(name, "name=") {
			continue
		}
		if err := cgroups.WriteCgroupProc(path, pid); err != nil {
			return err
		}
	}
	return nil
}

func (m *LegacyManager) GetPaths() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make(map[string]string, len(m.paths))
	for k, v := range m.paths {
		paths[k] = v
	}
	return paths
}

func (m *LegacyManager) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stopErr := stopUnit(m.dbus, getUnitName(m.cgroups))

	// Both on success and on error, cleanup all the cgroups
	// we are aware of, as some of them were created directly
	// by Apply() and are not managed by systemd.
	if err := cgroups.RemovePaths(m.paths); err != nil && stopErr == nil {
		return err
	}

	return stopErr
}
