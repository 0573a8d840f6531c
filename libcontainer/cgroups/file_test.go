package cgroups

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenat2(t *testing.T) {
	if _, err := os.Stat(cgroupfsDir); err != nil {
		t.Skip("test requires a mounted cgroupfs")
	}

	// Make sure we test openat2, not its fallback.
	openFallback = func(_, _ string, _ int, _ os.FileMode) (*os.File, error) {
		return nil, errors.New("fallback")
	}
	defer func() { openFallback = openAndCheck }()

	if err := prepareOpenat2(); err != nil {
		t.Skipf("openat2 not usable: %v", err)
	}
	dir := cgroupfsDir
	if !IsCgroup2UnifiedMode() {
		dir = filepath.Join(cgroupfsDir, "pids")
	}
	fd, err := OpenFile(dir, CgroupProcesses, os.O_RDONLY)
	if err != nil {
		t.Fatalf("%s: %v", dir, err)
	}
	fd.Close()
}

func TestOpenFileRejectsNonCgroup(t *testing.T) {
	if TestMode {
		t.Skip("TestMode accepts any file")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cgroup.procs"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if fd, err := openAndCheck(dir, "cgroup.procs", os.O_RDONLY, 0); err == nil {
		fd.Close()
		t.Fatal("expected a non-cgroupfs file to be rejected")
	}
}

func TestOpenFileNoDir(t *testing.T) {
	if _, err := OpenFile("", CgroupProcesses, os.O_RDONLY); err == nil {
		t.Fatal("expected an error for an empty dir")
	}
}
