package cgroups

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseCgroups(t *testing.T) {
	cgroups, err := ParseCgroupFile("/proc/self/cgroup")
	if err != nil {
		t.Fatal(err)
	}
	if len(cgroups) == 0 {
		t.Fatal("no cgroups parsed")
	}
	if IsCgroup2UnifiedMode() {
		if _, ok := cgroups[""]; !ok {
			t.Errorf("unified hierarchy missing in %v", cgroups)
		}
	}
}

func TestParseCgroupFromReader(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected map[string]string
		fail     bool
	}{
		{
			name:  "v1",
			input: "4:cpu,cpuacct:/user.slice\n1:name=systemd:/user.slice/session-1.scope\n",
			expected: map[string]string{
				"cpu":          "/user.slice",
				"cpuacct":      "/user.slice",
				"name=systemd": "/user.slice/session-1.scope",
			},
		},
		{
			name:     "unified",
			input:    "0::/system.slice/foo.scope\n",
			expected: map[string]string{"": "/system.slice/foo.scope"},
		},
		{
			name:     "path with colon",
			input:    "0::/a:b\n",
			expected: map[string]string{"": "/a:b"},
		},
		{name: "malformed", input: "0:/a\n", fail: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCgroupFromReader(strings.NewReader(tt.input))
			if tt.fail {
				if err == nil {
					t.Fatalf("expected an error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Got: %v, but expected: %v", got, tt.expected)
			}
		})
	}
}

func TestRemovePath(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cg")
	if err := os.MkdirAll(filepath.Join(root, "a", "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "c"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := RemovePath(root); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("Got: %v, but expected: not exist", err)
	}
	// Removing a missing path is fine.
	if err := RemovePath(root); err != nil {
		t.Errorf("Got: %v, but expected: <nil>", err)
	}
}

func TestRemovePaths(t *testing.T) {
	dir := t.TempDir()
	paths := map[string]string{
		"cpu":    filepath.Join(dir, "cpu"),
		"memory": filepath.Join(dir, "memory"),
	}
	for _, p := range paths {
		if err := os.Mkdir(p, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := RemovePaths(paths); err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Errorf("Got: %v, but expected an empty map", paths)
	}
}

func TestWriteCgroupProcNoDir(t *testing.T) {
	if err := WriteCgroupProc("", 1); err == nil {
		t.Error("expected an error for an empty dir")
	}
	if err := WriteCgroupProc("/nonexistent", -1); err != nil {
		t.Errorf("Got: %v, but expected: <nil>", err)
	}
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("pids")
	if !IsNotFound(err) {
		t.Errorf("Got: %v, but expected a NotFoundError", err)
	}
	if IsNotFound(os.ErrNotExist) {
		t.Error("unexpected NotFoundError")
	}
}
