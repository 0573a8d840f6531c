package cgroups

import "fmt"

// Manager places the processes of a container into their cgroup.
type Manager interface {
	// Apply creates the cgroup, if not yet created, and adds the process
	// with the specified pid into it.
	Apply(pid int) error

	// GetPaths returns the cgroup path(s), keyed by subsystem; the unified
	// hierarchy uses the "" key.
	GetPaths() map[string]string

	// Destroy removes the cgroup.
	Destroy() error
}

type NotFoundError struct {
	Subsystem string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("mountpoint for %s not found", e.Subsystem)
}

func NewNotFoundError(sub string) error {
	return &NotFoundError{
		Subsystem: sub,
	}
}

func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
