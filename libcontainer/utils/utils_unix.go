package utils

import (
	"os"

	"golang.org/x/sys/unix"
)

// NewSockPair returns a new SOCK_STREAM unix socket pair. Both ends are
// close-on-exec; an end meant for a child process has to be passed
// explicitly, e.g. through exec.Cmd.ExtraFiles.
func NewSockPair(name string) (parent *os.File, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	return os.NewFile(uintptr(fds[1]), name+"-p"), os.NewFile(uintptr(fds[0]), name+"-c"), nil
}
