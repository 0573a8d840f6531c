package fs2

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/simple_nsexec/libcontainer/cgroups"
	"github.com/simple_nsexec/libcontainer/configs"
)

func supportedControllers() (string, error) {
	return cgroups.ReadFile(UnifiedMountpoint, "/cgroup.controllers")
}

// CreateCgroupPath creates cgroupv2 path, enabling all the supported
// controllers in every intermediate cgroup.
func CreateCgroupPath(path string, _ *configs.Cgroup) (Err error) {
	if !isUnderRoot(path) {
		return fmt.Errorf("invalid cgroup path %s", path)
	}

	content, err := supportedControllers()
	if err != nil {
		return err
	}

	const (
		cgTypeFile  = "cgroup.type"
		cgStCtlFile = "cgroup.subtree_control"
	)
	ctrs := strings.Fields(content)
	res := "+" + strings.Join(ctrs, " +")

	elements := strings.Split(path, "/")
	elements = elements[3:]
	current := "/sys/fs"
	for i, e := range elements {
		current = filepath.Join(current, e)
		if i > 0 {
			if err := os.Mkdir(current, 0o755); err != nil {
				if !os.IsExist(err) {
					return err
				}
			} else {
				// If the directory was created, be sure it is not left around on errors.
				current := current
				defer func() {
					if Err != nil {
						os.Remove(current)
					}
				}()
			}
			cgType, _ := cgroups.ReadFile(current, cgTypeFile)
			cgType = strings.TrimSpace(cgType)
			// A cgroup in an invalid mode usually has an internal process in
			// its tree. No limits are set on the container, so it can still be
			// entered as a threaded cgroup.
			if cgType == "domain invalid" {
				if err := cgroups.WriteFile(current, cgTypeFile, "threaded"); err != nil {
					return err
				}
			}
		}
		// enable all supported controllers
		if i < len(elements)-1 {
			if err := cgroups.WriteFile(current, cgStCtlFile, res); err != nil {
				// try write one by one
				allCtrs := strings.Split(res, " ")
				for _, ctr := range allCtrs {
					_ = cgroups.WriteFile(current, cgStCtlFile, ctr)
				}
			}
			// Some controllers might not be enabled when rootless or
			// containerized, which is fine without limits.
		}
	}

	return nil
}
