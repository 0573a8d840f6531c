package fs2

import (
	"errors"
	"os"

	"github.com/simple_nsexec/libcontainer/cgroups"
	"github.com/simple_nsexec/libcontainer/configs"
)

// Manager places processes into the cgroup v2 unified hierarchy.
type Manager struct {
	config *configs.Cgroup
	// dirPath is like "/sys/fs/cgroup/user.slice/user-1001.slice/session-1.scope"
	dirPath string
}

// NewManager creates a manager for cgroup v2 unified hierarchy.
// dirPath is like "/sys/fs/cgroup/user.slice/user-1001.slice/session-1.scope".
// If dirPath is empty, it is automatically set using config.
func NewManager(config *configs.Cgroup, dirPath string) (*Manager, error) {
	if dirPath == "" {
		var err error
		dirPath, err = defaultDirPath(config)
		if err != nil {
			return nil, err
		}
	}

	return &Manager{
		config:  config,
		dirPath: dirPath,
	}, nil
}

func (m *Manager) Apply(pid int) error {
	if err := CreateCgroupPath(m.dirPath, m.config); err != nil {
		// Rootless without an explicit path may live with the permission
		// error, the container just stays in our own cgroup.
		if isRootless(m.config) && m.config.Path == "" && errors.Is(err, os.ErrPermission) {
			return nil
		}
		return err
	}
	if err := cgroups.WriteCgroupProc(m.dirPath, pid); err != nil {
		if isRootless(m.config) && m.config.Path == "" && errors.Is(err, os.ErrPermission) {
			return nil
		}
		return err
	}
	return nil
}

func (m *Manager) GetPaths() map[string]string {
	return map[string]string{"": m.dirPath}
}

func (m *Manager) Destroy() error {
	return cgroups.RemovePath(m.dirPath)
}
