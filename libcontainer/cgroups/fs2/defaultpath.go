package fs2

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/simple_nsexec/libcontainer/cgroups"
	"github.com/simple_nsexec/libcontainer/configs"
	"github.com/simple_nsexec/libcontainer/utils"
)

const UnifiedMountpoint = "/sys/fs/cgroup"

func defaultDirPath(c *configs.Cgroup) (string, error) {
	if (c.Name != "" || c.Parent != "") && c.Path != "" {
		return "", errors.New("cgroup: either Path or Name and Parent should be used")
	}

	return _defaultDirPath(UnifiedMountpoint, c.Path, c.Parent, c.Name)
}

func _defaultDirPath(root, cgPath, cgParent, cgName string) (string, error) {
	innerPath := utils.CleanPath(cgPath)
	if innerPath == "" {
		cgParent := utils.CleanPath(cgParent)
		cgName := utils.CleanPath(cgName)
		innerPath = filepath.Join(cgParent, cgName)
	}
	if filepath.IsAbs(innerPath) {
		return filepath.Join(root, innerPath), nil
	}

	ownCgroup, err := parseCgroupFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	// The current user scope most probably has tasks in it already,
	// making it impossible to enable controllers for its sub-cgroup.
	// A parent cgroup (with no tasks in it) is what we want.
	ownCgroup = filepath.Dir(ownCgroup)

	return filepath.Join(root, ownCgroup, innerPath), nil
}

// parseCgroupFile parses /proc/PID/cgroup file and return string
func parseCgroupFile(path string) (string, error) {
	cgroups, err := cgroups.ParseCgroupFile(path)
	if err != nil {
		return "", err
	}
	p, ok := cgroups[""]
	if !ok {
		return "", errors.New("cgroup path for the unified hierarchy not found")
	}
	return p, nil
}

func isRootless(c *configs.Cgroup) bool {
	return c.Rootless || os.Geteuid() != 0
}

func isUnderRoot(path string) bool {
	return path == UnifiedMountpoint || strings.HasPrefix(path, UnifiedMountpoint+"/")
}
