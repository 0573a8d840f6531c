package nsenter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// IDMap is a single line of a uid_map or gid_map file.
type IDMap struct {
	ContainerID int
	HostID      int
	Size        int
}

// DefaultIDMap maps root of the user namespace to an unprivileged host range.
var DefaultIDMap = IDMap{ContainerID: 0, HostID: 100000, Size: 100000}

func (m IDMap) String() string {
	return fmt.Sprintf("%d %d %d\n", m.ContainerID, m.HostID, m.Size)
}

// Mapper writes the identity mappings of a process living in a fresh user
// namespace.
type Mapper interface {
	Map(pid int) error
}

type procMapper struct {
	root  string
	idmap IDMap

	// dir is root opened by pin.
	dir *os.File
}

func newProcMapper() *procMapper {
	return &procMapper{root: "/proc", idmap: DefaultIDMap}
}

// pin opens the proc root. Maps are written through it from then on, even
// after the caller joined a mount namespace that has another /proc.
func (m *procMapper) pin() error {
	if m.dir != nil {
		return nil
	}
	dir, err := os.OpenFile(m.root, os.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", m.root, err)
	}
	m.dir = dir
	return nil
}

func (m *procMapper) Close() error {
	if m.dir == nil {
		return nil
	}
	err := m.dir.Close()
	m.dir = nil
	return err
}

func (m *procMapper) Map(pid int) error {
	if err := m.write(pid, "uid_map"); err != nil {
		return err
	}
	return m.write(pid, "gid_map")
}

// write emits the map in a single write(2); the kernel rejects a map that is
// written in pieces.
func (m *procMapper) write(pid int, name string) error {
	f, err := m.open(filepath.Join(strconv.Itoa(pid), name))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	data := m.idmap.String()
	n, err := f.Write([]byte(data))
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", name, err)
	}
	if n != len(data) {
		return fmt.Errorf("failed to update %s: %w", name, io.ErrShortWrite)
	}
	return nil
}

func (m *procMapper) open(name string) (*os.File, error) {
	if m.dir == nil {
		return os.OpenFile(filepath.Join(m.root, name), os.O_WRONLY|unix.O_CLOEXEC, 0)
	}
	fd, err := unix.Openat(int(m.dir.Fd()), name, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: filepath.Join(m.root, name), Err: err}
	}
	return os.NewFile(uintptr(fd), filepath.Join(m.root, name)), nil
}
