package configs

// Config defines configuration options for executing a process inside a contained environment.
type Config struct {
	// Path to a directory containing the container's root filesystem.
	Rootfs string `json:"rootfs"`

	// Hostname optionally sets the container's hostname if provided
	Hostname string `json:"hostname"`

	// Cgroups specifies the cgroup the container is placed into before any of
	// its namespaces is set up.
	Cgroups *Cgroup `json:"cgroups"`

	// Labels are user defined metadata that is stored in the config and populated on the state
	Labels []string `json:"labels"`

	// Namespaces specifies the container's namespaces that it should setup when cloning the init process
	// If a namespace is not provided that namespace is shared from the container's parent process
	Namespaces Namespaces `json:"namespaces"`
}
