package fs

import (
	"errors"
	"path/filepath"

	"github.com/simple_nsexec/libcontainer/cgroups"
	"github.com/simple_nsexec/libcontainer/configs"
	"github.com/simple_nsexec/libcontainer/utils"
)

// The absolute path to the root of the cgroup hierarchies.
var cgroupRoot = "/sys/fs/cgroup"

func initPaths(cg *configs.Cgroup) (map[string]string, error) {
	inner, err := innerPath(cg)
	if err != nil {
		return nil, err
	}

	paths := make(map[string]string)
	for _, sys := range subsystems {
		name := sys.Name()
		path, err := subsysPath(inner, name)
		if err != nil {
			// The subsystem is not mounted, skip it.
			if cgroups.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		paths[name] = path
	}
	return paths, nil
}

func innerPath(c *configs.Cgroup) (string, error) {
	if (c.Name != "" || c.Parent != "") && c.Path != "" {
		return "", errors.New("cgroup: either Path or Name and Parent should be used")
	}

	// Clean both paths so that nobody can break out of the cgroup root.
	cgParent := utils.CleanPath(c.Parent)
	cgName := utils.CleanPath(c.Name)

	innerPath := utils.CleanPath(c.Path)
	if innerPath == "" {
		innerPath = filepath.Join(cgParent, cgName)
	}
	return innerPath, nil
}

func subsysPath(inner, subsystem string) (string, error) {
	// The hybrid "" hierarchy lives under the v1 root.
	if subsystem == "" {
		return filepath.Join(cgroupRoot, "unified", inner), nil
	}

	// An absolute path is relative to the hierarchy root.
	if filepath.IsAbs(inner) {
		mnt, err := cgroups.FindCgroupMountpoint(subsystem)
		if err != nil {
			return "", err
		}
		return filepath.Join(mnt, inner), nil
	}

	// Otherwise it is relative to our own cgroup, which is what Docker
	// expects of a relative path.
	parent, err := cgroups.GetOwnCgroup(subsystem)
	if err != nil {
		return "", err
	}
	mnt, err := cgroups.FindCgroupMountpoint(subsystem)
	if err != nil {
		return "", err
	}
	return filepath.Join(mnt, parent, inner), nil
}
