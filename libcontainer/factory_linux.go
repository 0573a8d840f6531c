package libcontainer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/simple_nsexec/libcontainer/cgroups/manager"
	"github.com/simple_nsexec/libcontainer/configs"
	"github.com/simple_nsexec/libcontainer/configs/validate"
)

var idRegex = regexp.MustCompile(`^[\w+-\.]+$`)

var (
	ErrExist   = errors.New("container with given ID already exists")
	ErrInvalid = errors.New("invalid container ID format")
)

// Create creates a new container with the given id inside a given state
// directory (root), and returns a Container object.
//
// The root is a state directory which many containers can share. It can be
// used later to get the list of containers, or to get information about a
// particular container (see Load).
//
// The id must not be empty and consist of only the following characters:
// ASCII letters, digits, underscore, plus, minus, period. The id must be
// unique and non-existent for the given root path.
func Create(root, id string, config *configs.Config) (*Container, error) {
	if root == "" {
		return nil, errors.New("root not set")
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := validate.Validate(config); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	containerRoot, err := securejoin.SecureJoin(root, id)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(containerRoot); err == nil {
		return nil, ErrExist
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cm, err := manager.New(config.Cgroups)
	if err != nil {
		return nil, err
	}
	if err := os.Mkdir(containerRoot, 0o711); err != nil {
		return nil, err
	}
	c := &Container{
		id:            id,
		root:          containerRoot,
		config:        config,
		cgroupManager: cm,
	}
	return c, nil
}

func validateID(id string) error {
	if !idRegex.MatchString(id) || filepath.Base(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalid, id)
	}
	return nil
}
