package validate

import (
	"strings"
	"testing"

	"github.com/simple_nsexec/libcontainer/configs"
)

func validConfig(t *testing.T) *configs.Config {
	return &configs.Config{
		Rootfs:  t.TempDir(),
		Cgroups: &configs.Cgroup{Path: "/test"},
		Namespaces: configs.Namespaces{
			{Type: configs.NEWUTS},
			{Type: configs.NEWIPC},
		},
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(validConfig(t)); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *configs.Config)
		message string
	}{
		{
			name:    "relative rootfs",
			modify:  func(c *configs.Config) { c.Rootfs = "rootfs" },
			message: "invalid rootfs",
		},
		{
			name: "hostname without uts",
			modify: func(c *configs.Config) {
				c.Hostname = "box"
				c.Namespaces.Remove(configs.NEWUTS)
			},
			message: "hostname",
		},
		{
			name:    "unknown namespace",
			modify:  func(c *configs.Config) { c.Namespaces.Add("NEWFOO", "") },
			message: "unknown namespace",
		},
		{
			name:    "relative namespace path",
			modify:  func(c *configs.Config) { c.Namespaces.Add(configs.NEWNET, "proc/1/ns/net") },
			message: "not absolute",
		},
		{
			name:    "missing namespace path",
			modify:  func(c *configs.Config) { c.Namespaces.Add(configs.NEWNET, "/nonexistent/ns/net") },
			message: "NEWNET",
		},
		{
			name:    "joined user namespace",
			modify:  func(c *configs.Config) { c.Namespaces.Add(configs.NEWUSER, "/proc/self/ns/user") },
			message: "user namespace",
		},
		{
			name:    "no cgroup",
			modify:  func(c *configs.Config) { c.Cgroups = nil },
			message: "cgroup",
		},
		{
			name:    "cgroup path and name",
			modify:  func(c *configs.Config) { c.Cgroups.Name = "x" },
			message: "cgroup",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig(t)
			tt.modify(c)
			err := Validate(c)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("Got: %v, but expected it to mention %q", err, tt.message)
			}
		})
	}
}
