package nsenter

import (
	"golang.org/x/sys/unix"
)

// process is a handle of a descendant. The processes are created with
// CLONE_PARENT, so they are never waited for here: the runtime reaps them.
type process struct {
	pid    int
	reaped bool
}

// kill sends SIGKILL. It is a no-op for a handle that never became a process
// or was already reaped.
func (p *process) kill() {
	if p == nil || p.pid <= 0 || p.reaped {
		return
	}
	_ = unix.Kill(p.pid, unix.SIGKILL)
}
