package nsenter

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// selfExe re-executes the running binary. The descendant resumes in Nsexec
// at the stage passed in its environment.
const selfExe = "/proc/self/exe"

// spawnAttr describes the channel ends a descendant receives.
type spawnAttr struct {
	// sync is the descendant's end of its channel to the creator.
	sync *os.File
	// grandchild is the end the descendant passes on to its own child.
	grandchild *os.File
	// userns creates the descendant in a new user namespace.
	userns bool
	// pidns creates the descendant as pid 1 of a new pid namespace.
	pidns bool
}

// allCaps lists every capability the running kernel knows about.
func allCaps() []uintptr {
	var caps []uintptr
	for c := cap.Value(0); c < cap.MaxBits(); c++ {
		caps = append(caps, uintptr(c))
	}
	return caps
}

// spawn starts the process of stage as a sibling of the caller (CLONE_PARENT).
// It must run on the thread that holds the namespaces the descendant is to
// inherit. The descendant's own copy of the config goes through a state
// pipe.
func (b *bootstrap) spawn(stage Stage, attr spawnAttr) (*process, error) {
	stateR, stateW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create state pipe: %w", err)
	}
	defer stateR.Close()
	_, err = stateW.Write(EncodeConfig(b.config))
	stateW.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to write state: %w", err)
	}

	cmd := &exec.Cmd{
		Path:   selfExe,
		Args:   os.Args,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	env := descendantEnv(os.Environ())
	pass := func(name string, f *os.File) {
		cmd.ExtraFiles = append(cmd.ExtraFiles, f)
		env = append(env, name+"="+strconv.Itoa(stdioFdCount+len(cmd.ExtraFiles)-1))
	}
	pass(EnvInitPipe, b.env.initPipe)
	if b.env.logPipe != nil {
		pass(EnvLogPipe, b.env.logPipe)
	}
	pass(envStatePipe, stateR)
	pass(envSyncPipe, attr.sync)
	if attr.grandchild != nil {
		pass(envGrandchildPipe, attr.grandchild)
	}
	cmd.Env = append(env, envStage+"="+strconv.Itoa(int(stage)))

	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: unix.CLONE_PARENT}
	if attr.userns {
		// The user namespace exists before the maps are written, so the
		// capabilities only survive the execve as ambient ones.
		cmd.SysProcAttr.Cloneflags |= unix.CLONE_NEWUSER
		cmd.SysProcAttr.AmbientCaps = allCaps()
	}
	if attr.pidns {
		// A pid namespace dies with its first process, so init has to be
		// that process rather than the caller unsharing it up front.
		cmd.SysProcAttr.Cloneflags |= unix.CLONE_NEWPID
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to spawn %s: %w", stage, err)
	}
	p := &process{pid: cmd.Process.Pid}
	// The process is reparented to our parent and is never waited for here.
	_ = cmd.Process.Release()
	return p, nil
}

// stdioFdCount is the number of fds before cmd.ExtraFiles.
const stdioFdCount = 3
