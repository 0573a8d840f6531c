// Package nsenter builds the namespaces of a container before its init runs.
//
// The process started by the runtime (stage 0, the parent) creates a child
// (stage 1) which joins or creates the requested namespaces and in turn
// creates the container init (stage 2). All three are siblings under the
// runtime. Parent and child talk over one socket pair, parent and init over
// another:
//
//	parent                     child                      init
//	   |<-- SYNC_USERMAP_PLS ----|                          |
//	   |--- SYNC_USERMAP_ACK --->|                          |
//	   |<-- SYNC_RECVPID_PLS ----|                          |
//	   |<-- pid -----------------|                          |
//	   |--- SYNC_RECVPID_ACK --->|                          |
//	   |<-- SYNC_CHILD_FINISH ---|                          |
//	   |--- SYNC_GRANDCHILD ----------------------------->  |
//	   |<-- SYNC_CHILD_FINISH ----------------------------  |
//
// Descendants are created by re-executing /proc/self/exe with the stage to
// resume in the environment, so every program linking this package must call
// Nsexec before doing anything else.
package nsenter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Pids is the handoff written to the init pipe once init exists.
type Pids struct {
	Stage1 int `json:"stage1_pid"`
	Stage2 int `json:"stage2_pid"`
}

// bootstrap is the state of one nsexec process.
type bootstrap struct {
	stage  Stage
	env    *environ
	config *Config
	log    *Logger

	// handoff receives the Pids.
	handoff io.Writer
	stderr  io.Writer
	mapper  Mapper
	unshare func(int) error
	setns   setnsFunc
	exit    func(int)

	// owned are the channel ends and files of the stage. They are released
	// after the stage is done, or after its fatal record on failure: a peer
	// seeing EOF first would kill us before the record is out.
	owned []io.Closer

	child      *process
	grandchild *process
}

func newBootstrap(env *environ) *bootstrap {
	b := &bootstrap{
		stage:   StageSetup,
		env:     env,
		stderr:  os.Stderr,
		mapper:  newProcMapper(),
		unshare: unix.Unshare,
		setns:   setns,
		exit:    os.Exit,
	}
	var w io.Writer
	if env.logPipe != nil {
		w = env.logPipe
	}
	b.log = NewLogger(w, env.logLevel)
	b.handoff = env.initPipe
	return b
}

// Nsexec runs the stage of the current process. It returns immediately in a
// process not started by the runtime, and after the namespace setup in the
// container init. Any other stage ends in os.Exit.
//
// The calling goroutine stays locked to its thread in the container init: the
// namespaces created there belong to that thread only.
func Nsexec() {
	runtime.LockOSThread()
	env, err := readEnviron()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	if env == nil {
		runtime.UnlockOSThread()
		return
	}
	b := newBootstrap(env)
	if err := b.run(); err != nil {
		b.bail(err)
		return
	}
	b.release()
	if b.stage != StageInit {
		b.exit(0)
	}
}

func (b *bootstrap) run() error {
	switch b.env.stage {
	case StageSetup:
		return b.runSetup()
	case StageChild:
		return b.runChild()
	case StageInit:
		return b.runInit()
	}
	return &stageError{b.env.stage}
}

// bail kills the known descendants and exits with a single fatal record.
func (b *bootstrap) bail(err error) {
	b.grandchild.kill()
	b.child.kill()
	if b.log.enabledFor(logrus.FatalLevel) {
		b.log.Fatalf("%v", err)
	} else {
		w := b.stderr
		if w == nil {
			w = os.Stderr
		}
		fmt.Fprintf(w, "FATAL: %v\n", err)
	}
	b.release()
	b.exit(1)
}

// hold keeps c open until the stage is released.
func (b *bootstrap) hold(c io.Closer) {
	b.owned = append(b.owned, c)
}

// release closes what the stage holds, last held first.
func (b *bootstrap) release() {
	for i := len(b.owned) - 1; i >= 0; i-- {
		_ = b.owned[i].Close()
	}
	b.owned = nil
}

// enter moves the process to the next stage. Stages never go backwards.
func (b *bootstrap) enter(next Stage) error {
	if next <= b.stage {
		return fmt.Errorf("stage %s cannot follow stage %s", next, b.stage)
	}
	b.stage = next
	b.log.setStage(next)
	if err := setProcName(next.procName()); err != nil {
		b.log.Warnf("failed to set process name: %v", err)
	}
	return nil
}

func setProcName(name string) error {
	p, err := unix.BytePtrFromString(name)
	if err != nil {
		return err
	}
	return os.NewSyscallError("prctl(PR_SET_NAME)", unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(p)), 0, 0, 0))
}

func (b *bootstrap) readState() error {
	defer b.env.statePipe.Close()
	config, err := DecodeConfig(b.env.statePipe)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	b.config = config
	return nil
}

func (b *bootstrap) runSetup() error {
	b.log.Debugf("=> nsexec container setup")
	// Let the runtime know we are past the initial setup.
	if _, err := b.env.initPipe.Write([]byte{0}); err != nil {
		return fmt.Errorf("could not inform the parent we are past initial setup: %w", err)
	}
	config, err := DecodeConfig(b.env.initPipe)
	if err != nil {
		return err
	}
	b.config = config

	early, _, err := splitNsPaths(config.NsPaths)
	if err != nil {
		return err
	}
	if early != "" {
		if err := b.joinEarly(early); err != nil {
			return err
		}
	}

	childPair, err := newPipePair("child")
	if err != nil {
		return fmt.Errorf("failed to set up child sync pipes: %w", err)
	}
	b.hold(childPair)
	grandchildPair, err := newPipePair("grandchild")
	if err != nil {
		return fmt.Errorf("failed to set up grandchild sync pipes: %w", err)
	}
	b.hold(grandchildPair)

	b.log.Debugf("spawn stage-1")
	b.child, err = b.spawn(StageChild, spawnAttr{
		sync:       childPair.child.File(),
		grandchild: grandchildPair.child.File(),
		userns:     config.has(unix.CLONE_NEWUSER),
	})
	if err != nil {
		return err
	}
	childPipe, err := childPair.split(true)
	if err != nil {
		return err
	}
	b.hold(childPipe)
	grandchildPipe, err := grandchildPair.split(true)
	if err != nil {
		return err
	}
	b.hold(grandchildPipe)

	if err := b.enter(StageParent); err != nil {
		return err
	}
	if err := b.syncWithChild(childPipe); err != nil {
		return err
	}
	if err := b.syncWithGrandchild(grandchildPipe); err != nil {
		return err
	}
	b.log.Debugf("<~ nsexec stage-0")
	return nil
}

// joinEarly joins the namespaces stage-1 is to inherit. It runs before
// stage-1 exists: created in a new user namespace, stage-1 could no longer
// join namespaces owned by ours.
func (b *bootstrap) joinEarly(nslist string) error {
	if err := forbidDumping(); err != nil {
		return err
	}
	if b.config.has(unix.CLONE_NEWUSER) {
		// A joined mount namespace may come with another /proc.
		if m, ok := b.mapper.(pinner); ok {
			if err := m.pin(); err != nil {
				return err
			}
			b.hold(m)
		}
	}
	b.log.Debugf("join namespaces %s", nslist)
	return joinNamespaces(nslist, b.setns)
}

// pinner is a Mapper that can resolve its files ahead of time.
type pinner interface {
	pin() error
	io.Closer
}

// forbidDumping keeps a joined container, which may be untrusted, from
// looking at our memory through /proc.
func forbidDumping() error {
	return os.NewSyscallError("prctl(PR_SET_DUMPABLE)", unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0))
}

// syncWithChild serves the requests of the child until it reports that it
// is done.
func (b *bootstrap) syncWithChild(pipe io.ReadWriter) error {
	for {
		s, err := readSync(pipe)
		if err != nil {
			return fmt.Errorf("failed to sync with stage-1: %w", err)
		}
		switch s {
		case syncUsermapPls:
			b.log.Debugf("stage-1 requested userns mappings")
			if err := b.mapper.Map(b.child.pid); err != nil {
				return fmt.Errorf("failed to map user namespace of stage-1 (%d): %w", b.child.pid, err)
			}
			if err := writeSync(pipe, syncUsermapAck); err != nil {
				return fmt.Errorf("failed to sync with stage-1: %w", err)
			}
		case syncRecvPidPls:
			b.log.Debugf("stage-1 requested pid to be forwarded")
			pid, err := readPid(pipe)
			if err != nil {
				return fmt.Errorf("failed to sync with stage-1: %w", err)
			}
			b.grandchild = &process{pid: pid}
			if err := writeSync(pipe, syncRecvPidAck); err != nil {
				return fmt.Errorf("failed to sync with stage-1: %w", err)
			}
			b.log.Debugf("forward stage-1 (%d) and stage-2 (%d) pids to runtime", b.child.pid, pid)
			if err := json.NewEncoder(b.handoff).Encode(Pids{Stage1: b.child.pid, Stage2: pid}); err != nil {
				return fmt.Errorf("failed to send pids to runtime: %w", err)
			}
		case syncChildFinish:
			b.log.Debugf("stage-1 complete")
			return nil
		default:
			return fmt.Errorf("failed to sync with stage-1: %w: %s", errUnexpectedSync, s)
		}
	}
}

// syncWithGrandchild releases init and waits until it is done.
func (b *bootstrap) syncWithGrandchild(pipe io.ReadWriter) error {
	b.log.Debugf("signalling stage-2 to run")
	if err := writeSync(pipe, syncGrandchild); err != nil {
		return fmt.Errorf("failed to sync with stage-2: %w", err)
	}
	if err := expectSync(pipe, syncChildFinish); err != nil {
		return fmt.Errorf("failed to sync with stage-2: %w", err)
	}
	b.log.Debugf("stage-2 complete")
	return nil
}

func (b *bootstrap) runChild() error {
	if err := b.enter(StageChild); err != nil {
		return err
	}
	pipe := newSyncPipe(b.env.syncPipe)
	b.hold(pipe)
	grandchildEnd := newSyncPipe(b.env.grandchildPipe)
	b.hold(grandchildEnd)
	if err := b.readState(); err != nil {
		return err
	}

	_, late, err := splitNsPaths(b.config.NsPaths)
	if err != nil {
		return err
	}
	if late != "" {
		if err := forbidDumping(); err != nil {
			return err
		}
		b.log.Debugf("join namespaces %s", late)
		if err := joinNamespaces(late, b.setns); err != nil {
			return err
		}
	}

	if b.config.has(unix.CLONE_NEWUSER) {
		b.log.Debugf("request stage-0 to map user namespace")
		if err := writeSync(pipe, syncUsermapPls); err != nil {
			return fmt.Errorf("failed to sync with parent: %w", err)
		}
		b.log.Debugf("wait for mapping to complete")
		if err := expectSync(pipe, syncUsermapAck); err != nil {
			return fmt.Errorf("failed to sync with parent: %w", err)
		}
		// The maps are written: root of the namespace exists now.
		if err := syscall.Setresgid(0, 0, 0); err != nil {
			return os.NewSyscallError("setresgid", err)
		}
		if err := syscall.Setresuid(0, 0, 0); err != nil {
			return os.NewSyscallError("setresuid", err)
		}
	}

	// The cgroup namespace is created by init, after the runtime placed the
	// processes into their cgroup. The pid namespace is created together
	// with init.
	flags := int(b.config.CloneFlags) &^ (unix.CLONE_NEWCGROUP | unix.CLONE_NEWUSER | unix.CLONE_NEWPID)
	b.log.Debugf("unshare remaining namespaces (except cgroupns and pidns)")
	if err := tryUnshare(b.unshare, flags, "remaining namespaces (except cgroupns and pidns)"); err != nil {
		return err
	}

	b.log.Debugf("spawn stage-2")
	grandchild, err := b.spawn(StageInit, spawnAttr{
		sync:  grandchildEnd.File(),
		pidns: b.config.has(unix.CLONE_NEWPID),
	})
	if err != nil {
		return err
	}
	b.grandchild = grandchild
	_ = grandchildEnd.Close()

	b.log.Debugf("request stage-0 to forward stage-2 pid (%d)", grandchild.pid)
	if err := writeSync(pipe, syncRecvPidPls); err != nil {
		return fmt.Errorf("failed to sync with parent: %w", err)
	}
	if err := writePid(pipe, grandchild.pid); err != nil {
		return fmt.Errorf("failed to sync with parent: %w", err)
	}
	if err := expectSync(pipe, syncRecvPidAck); err != nil {
		return fmt.Errorf("failed to sync with parent: %w", err)
	}

	b.log.Debugf("signal completion to stage-0")
	if err := writeSync(pipe, syncChildFinish); err != nil {
		return fmt.Errorf("failed to sync with parent: %w", err)
	}
	b.log.Debugf("<~ nsexec stage-1")
	return nil
}

func (b *bootstrap) runInit() error {
	if err := b.enter(StageInit); err != nil {
		return err
	}
	pipe := newSyncPipe(b.env.syncPipe)
	b.hold(pipe)
	if err := b.readState(); err != nil {
		return err
	}

	if err := expectSync(pipe, syncGrandchild); err != nil {
		return fmt.Errorf("failed to sync with parent: %w", err)
	}
	if b.config.has(unix.CLONE_NEWCGROUP) {
		if err := tryUnshare(b.unshare, unix.CLONE_NEWCGROUP, "cgroup namespace"); err != nil {
			return err
		}
	}

	b.log.Debugf("signal completion to stage-0")
	if err := writeSync(pipe, syncChildFinish); err != nil {
		return fmt.Errorf("failed to sync with parent: %w", err)
	}
	if err := pipe.Close(); err != nil {
		return fmt.Errorf("failed to close sync pipe: %w", err)
	}
	b.log.Debugf("<= nsexec container setup")
	_ = b.env.initPipe.Close()
	if b.env.logPipe != nil {
		_ = b.env.logPipe.Close()
	}
	clearInternalEnv()
	return nil
}
