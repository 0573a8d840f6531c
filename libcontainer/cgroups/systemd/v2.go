package systemd

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/simple_nsexec/libcontainer/cgroups"
	"github.com/simple_nsexec/libcontainer/cgroups/fs2"
	"github.com/simple_nsexec/libcontainer/configs"
)

// UnifiedManager places the container into a transient systemd unit on a
// cgroup v2 host.
type UnifiedManager struct {
	mu      sync.Mutex
	cgroups *configs.Cgroup
	// path is like "/sys/fs/cgroup/user.slice/user-1001.slice/session-1.scope"
	path  string
	dbus  *dbusConnManager
	fsMgr cgroups.Manager
}

func NewUnifiedManager(config *configs.Cgroup, path string) (*UnifiedManager, error) {
	m := &UnifiedManager{
		cgroups: config,
		path:    path,
		dbus:    newDbusConnManager(config.Rootless),
	}
	if err := m.initPath(); err != nil {
		return nil, err
	}

	fsMgr, err := fs2.NewManager(config, m.path)
	if err != nil {
		return nil, err
	}
	m.fsMgr = fsMgr
	return m, nil
}

func (m *UnifiedManager) initPath() error {
	if m.path != "" {
		return nil
	}

	sliceFull, err := m.getSliceFull()
	if err != nil {
		return err
	}

	c := m.cgroups
	path := filepath.Join(sliceFull, getUnitName(c))
	if c.Rootless {
		// managerCG is typically "/user.slice/user-${uid}.slice/user@${uid}.service".
		managerCG, err := getManagerProperty(m.dbus, "ControlGroup")
		if err != nil {
			return err
		}
		path = filepath.Join(managerCG, path)
	}

	// Cgroup v2 has a single hierarchy.
	m.path = filepath.Join(fs2.UnifiedMountpoint, path)
	return nil
}

func (m *UnifiedManager) getSliceFull() (string, error) {
	c := m.cgroups
	slice := defaultSlice
	if c.Rootless {
		slice = "user.slice"
	}
	if c.Parent != "" {
		slice = c.Parent
	}
	return ExpandSlice(slice)
}

func (m *UnifiedManager) Apply(pid int) error {
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

	// The unit is a cgroup already; make sure the controllers are delegated.
	return fs2.CreateCgroupPath(m.path, c)
}

func (m *UnifiedManager) GetPaths() map[string]string {
	return m.fsMgr.GetPaths()
}

func (m *UnifiedManager) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := stopUnit(m.dbus, getUnitName(m.cgroups)); err != nil {
		return err
	}

	// systemd 239 does not clean up the sub-cgroups it did not create.
	return m.fsMgr.Destroy()
}
