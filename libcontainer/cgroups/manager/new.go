package manager

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/simple_nsexec/libcontainer/cgroups"
	"github.com/simple_nsexec/libcontainer/cgroups/fs"
	"github.com/simple_nsexec/libcontainer/cgroups/fs2"
	"github.com/simple_nsexec/libcontainer/cgroups/systemd"
	"github.com/simple_nsexec/libcontainer/configs"
)

// New returns the implementation of cgroups.Manager for config.
func New(config *configs.Cgroup) (cgroups.Manager, error) {
	return NewWithPaths(config, nil)
}

// NewWithPaths is similar to New, and can be used in case cgroup paths
// are already well known, which is the case of a container loaded back
// from its state.
//
// fs.NewManager and systemd.NewLegacyManager serve cgroup v1 hosts,
// fs2.NewManager and systemd.NewUnifiedManager serve cgroup v2 hosts.
func NewWithPaths(config *configs.Cgroup, paths map[string]string) (cgroups.Manager, error) {
	if config == nil {
		return nil, errors.New("cgroups/manager.New: config must not be nil")
	}
	if config.Systemd && !systemd.IsRunningSystemd() {
		return nil, errors.New("systemd not running on this host, cannot use systemd cgroups manager")
	}
	if cgroups.IsCgroup2UnifiedMode() {
		path, err := getUnifiedPath(paths)
		if err != nil {
			return nil, fmt.Errorf("manager.NewWithPaths: inconsistent paths: %w", err)
		}
		if config.Systemd {
			return systemd.NewUnifiedManager(config, path)
		}
		return fs2.NewManager(config, path)
	}
	if config.Systemd {
		return systemd.NewLegacyManager(config, paths)
	}
	return fs.NewManager(config, paths)
}

// getUnifiedPath converts the per-subsystem path map a container keeps in
// its state into the single unified path (keyed by ""), checking that the
// map is sane.
func getUnifiedPath(paths map[string]string) (string, error) {
	if len(paths) > 1 {
		return "", fmt.Errorf("expected a single path, got %+v", paths)
	}
	path := paths[""]
	// can be empty
	if path != "" {
		if filepath.Clean(path) != path || !filepath.IsAbs(path) {
			return "", fmt.Errorf("invalid path: %q", path)
		}
	}
	return path, nil
}
