package nsenter

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// unshareAttempts bounds the retries of tryUnshare.
const unshareAttempts = 5

// tryUnshare unshares flags, retrying on EINVAL. Kernels before 4.3 fail
// unshare with EINVAL while another process reads /proc/<pid>/status or
// /proc/<pid>/maps of the caller. Other errors are final.
func tryUnshare(unshare func(int) error, flags int, what string) error {
	if flags == 0 {
		return nil
	}
	var err error
	for i := 0; i < unshareAttempts; i++ {
		if err = unshare(flags); err == nil {
			return nil
		}
		if !errors.Is(err, unix.EINVAL) {
			break
		}
	}
	return fmt.Errorf("failed to unshare %s: %w", what, err)
}
