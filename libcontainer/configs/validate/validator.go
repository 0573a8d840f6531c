package validate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/simple_nsexec/libcontainer/configs"
)

type check func(config *configs.Config) error

func Validate(config *configs.Config) error {
	checks := []check{
		rootfs,
		hostname,
		namespaces,
		cgroupsCheck,
	}
	for _, c := range checks {
		if err := c(config); err != nil {
			return err
		}
	}
	return nil
}

// rootfs validates if the rootfs is an absolute path and is not a symlink
// to the container's root filesystem.
func rootfs(config *configs.Config) error {
	if _, err := os.Stat(config.Rootfs); err != nil {
		return fmt.Errorf("invalid rootfs: %w", err)
	}
	cleaned, err := filepath.Abs(config.Rootfs)
	if err != nil {
		return fmt.Errorf("invalid rootfs: %w", err)
	}
	if cleaned, err = filepath.EvalSymlinks(cleaned); err != nil {
		return fmt.Errorf("invalid rootfs: %w", err)
	}
	if filepath.Clean(config.Rootfs) != cleaned {
		return errors.New("invalid rootfs: not an absolute path, or a symlink")
	}
	return nil
}

func hostname(config *configs.Config) error {
	if config.Hostname != "" && !config.Namespaces.Contains(configs.NEWUTS) {
		return errors.New("unable to set hostname without a private UTS namespace")
	}
	return nil
}

// namespaces checks that every namespace is supported by the kernel and that
// joined namespaces exist.
func namespaces(config *configs.Config) error {
	for _, ns := range config.Namespaces {
		if configs.NsName(ns.Type) == "" {
			return fmt.Errorf("unknown namespace type %q", ns.Type)
		}
		if ns.Path == "" {
			if !configs.IsNamespaceSupported(ns.Type) {
				return fmt.Errorf("namespace %s is not supported by this kernel", ns.Type)
			}
			continue
		}
		if !filepath.IsAbs(ns.Path) {
			return fmt.Errorf("namespace %s: path %q is not absolute", ns.Type, ns.Path)
		}
		if _, err := os.Stat(ns.Path); err != nil {
			return fmt.Errorf("namespace %s: %w", ns.Type, err)
		}
	}
	if config.Namespaces.Contains(configs.NEWUSER) && config.Namespaces.PathOf(configs.NEWUSER) != "" {
		// Joining a user namespace needs a single threaded caller.
		return errors.New("joining an existing user namespace is not supported")
	}
	return nil
}

func cgroupsCheck(config *configs.Config) error {
	c := config.Cgroups
	if c == nil {
		return errors.New("cgroup config is missing")
	}
	if (c.Name != "" || c.Parent != "") && c.Path != "" {
		return errors.New("cgroup: either Path or Name and Parent should be used")
	}
	return nil
}
