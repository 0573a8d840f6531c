package fs

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/simple_nsexec/libcontainer/cgroups"
	"github.com/simple_nsexec/libcontainer/configs"
	"golang.org/x/sys/unix"
)

var subsystems = []subsystem{
	&joinGroup{name: "cpu"},
	&joinGroup{name: "cpuacct"},
	&joinGroup{name: "memory"},
	&joinGroup{name: "pids"},
	&joinGroup{name: "blkio"},
	&joinGroup{name: "devices"},
	&joinGroup{name: "freezer"},
	&NameGroup{GroupName: "name=systemd", Join: true},
}

func init() {
	// If using cgroups-hybrid mode then add a "" controller indicating
	// it should join the cgroups v2.
	if cgroups.IsCgroup2HybridMode() {
		subsystems = append(subsystems, &NameGroup{GroupName: "", Join: true})
	}
}

type subsystem interface {
	// Name returns the name of the subsystem.
	Name() string
	// Apply creates and joins a cgroup, adding pid into it.
	Apply(path string, pid int) error
}

// Manager places processes into cgroup v1 hierarchies.
type Manager struct {
	mu      sync.Mutex
	cgroups *configs.Cgroup
	paths   map[string]string
}

func NewManager(cg *configs.Cgroup, paths map[string]string) (*Manager, error) {
	if paths == nil {
		var err error
		paths, err = initPaths(cg)
		if err != nil {
			return nil, err
		}
	}
	return &Manager{
		cgroups: cg,
		paths:   paths,
	}, nil
}

// isIgnorableError returns whether err is a permission error (in the loose
// sense of the word). This includes EROFS (which for an unprivileged user is
// basically a permission error) and EACCES (for similar reasons) as well as
// the normal EPERM.
func isIgnorableError(rootless bool, err error) bool {
	// We do not ignore errors if we are root.
	if !rootless {
		return false
	}
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == unix.EROFS || errno == unix.EPERM || errno == unix.EACCES
	}
	return false
}

func (m *Manager) Apply(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.cgroups

	for _, sys := range subsystems {
		name := sys.Name()
		p, ok := m.paths[name]
		if !ok {
			continue
		}
		if err := sys.Apply(p, pid); err != nil {
			// Rootless runs without an explicit cgroup path may lack the
			// permission to create or join a hierarchy; drop it instead.
			if isIgnorableError(c.Rootless, err) && c.Path == "" {
				delete(m.paths, name)
				continue
			}
			return fmt.Errorf("failed to join %s cgroup: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) GetPaths() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make(map[string]string, len(m.paths))
	for k, v := range m.paths {
		paths[k] = v
	}
	return paths
}

// Destroy removes the cgroups of every hierarchy. An explicitly configured
// path is left alone, it may be shared with other containers.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cgroups.Path != "" {
		return nil
	}
	return cgroups.RemovePaths(m.paths)
}
