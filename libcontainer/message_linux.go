package libcontainer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/simple_nsexec/libcontainer/configs"
	"github.com/simple_nsexec/libcontainer/nsenter"
)

// orderNamespacePaths sorts namespace paths into a list of paths that we
// can setns in order.
func orderNamespacePaths(namespaces map[configs.NamespaceType]string) ([]string, error) {
	paths := []string{}
	for _, ns := range configs.NamespaceTypes() {
		// Remove namespaces that we don't need to join.
		if !configs.IsNamespaceSupported(ns) {
			continue
		}

		if p, ok := namespaces[ns]; ok && p != "" {
			// check if the requested namespace is supported
			if _, err := os.Lstat(p); err != nil {
				return nil, fmt.Errorf("namespace path: %w", err)
			}
			// only set to join this namespace if it exists
			// do not allow namespace path with comma as we use it to separate
			// the namespace paths
			if strings.ContainsRune(p, ',') {
				return nil, fmt.Errorf("invalid namespace path %s", p)
			}
			paths = append(paths, fmt.Sprintf("%s:%s", configs.NsName(ns), p))
		}
	}
	return paths, nil
}

// bootstrapData encodes the clone flags and the namespaces to join into the
// message nsexec reads from its init pipe.
func bootstrapData(cloneFlags uintptr, nsMaps map[configs.NamespaceType]string) (io.Reader, error) {
	paths, err := orderNamespacePaths(nsMaps)
	if err != nil {
		return nil, err
	}
	msg := nsenter.EncodeConfig(&nsenter.Config{
		CloneFlags: uint32(cloneFlags),
		NsPaths:    strings.Join(paths, ","),
	})
	return bytes.NewReader(msg), nil
}
