package nsenter

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Environment shared with the runtime.
const (
	EnvInitPipe = "_LIBCONTAINER_INITPIPE"
	EnvLogPipe  = "_LIBCONTAINER_LOGPIPE"
	EnvLogLevel = "_LIBCONTAINER_LOGLEVEL"
)

// Environment set for re-executed descendants only.
const (
	envStage          = "_NSEXEC_STAGE"
	envStatePipe      = "_NSEXEC_STATEPIPE"
	envSyncPipe       = "_NSEXEC_SYNCPIPE"
	envGrandchildPipe = "_NSEXEC_GRANDCHILDPIPE"
)

// internalEnv lists the variables a descendant gets fresh values for.
var internalEnv = []string{
	EnvInitPipe, EnvLogPipe,
	envStage, envStatePipe, envSyncPipe, envGrandchildPipe,
}

// environ is the decoded environment of an nsexec process.
type environ struct {
	stage          Stage
	initPipe       *os.File
	logPipe        *os.File
	logLevel       logrus.Level
	statePipe      *os.File
	syncPipe       *os.File
	grandchildPipe *os.File
}

// getenvInt parses a non-negative integer variable. Empty or unset yields
// ok == false.
func getenvInt(name string) (n int, ok bool, err error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false, nil
	}
	n, err = strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("unable to parse %s=%q", name, v)
	}
	return n, true, nil
}

// getenvFile takes ownership of the fd named by the variable. The fd is not
// inherited by further descendants unless passed explicitly.
func getenvFile(name string) (*os.File, error) {
	fd, ok, err := getenvInt(name)
	if err != nil || !ok {
		return nil, err
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), name), nil
}

// getenvDup returns a close-on-exec duplicate of the fd named by the
// variable. The runtime's fd stays open for the container init, whatever
// happens to the returned file.
func getenvDup(name string) (*os.File, error) {
	fd, ok, err := getenvInt(name)
	if err != nil || !ok {
		return nil, err
	}
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, os.NewSyscallError("fcntl(F_DUPFD_CLOEXEC)", err))
	}
	return os.NewFile(uintptr(dup), name), nil
}

// readEnviron returns nil without an error when the process was not started
// as an nsexec process.
func readEnviron() (_ *environ, retErr error) {
	initPipe, err := getenvDup(EnvInitPipe)
	if err != nil || initPipe == nil {
		return nil, err
	}
	e := &environ{initPipe: initPipe, logLevel: logrus.DebugLevel}
	defer func() {
		if retErr != nil {
			e.close()
		}
	}()
	if e.logPipe, err = getenvDup(EnvLogPipe); err != nil {
		return nil, err
	}
	level, ok, err := getenvInt(EnvLogLevel)
	if err != nil {
		return nil, err
	}
	if ok {
		e.logLevel = logrus.Level(level)
	}
	if e.stage, err = parseStage(os.Getenv(envStage)); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", envStage, err)
	}
	if e.stage == StageSetup {
		return e, nil
	}
	for _, f := range []struct {
		name string
		dst  **os.File
	}{
		{envStatePipe, &e.statePipe},
		{envSyncPipe, &e.syncPipe},
		{envGrandchildPipe, &e.grandchildPipe},
	} {
		if *f.dst, err = getenvFile(f.name); err != nil {
			return nil, err
		}
	}
	if e.statePipe == nil || e.syncPipe == nil {
		return nil, fmt.Errorf("stage %s started without its pipes", e.stage)
	}
	if e.stage == StageChild && e.grandchildPipe == nil {
		return nil, fmt.Errorf("stage %s started without %s", e.stage, envGrandchildPipe)
	}
	return e, nil
}

func (e *environ) close() {
	for _, f := range []*os.File{e.initPipe, e.logPipe, e.statePipe, e.syncPipe, e.grandchildPipe} {
		if f != nil {
			_ = f.Close()
		}
	}
}

// descendantEnv returns env without the variables in internalEnv.
func descendantEnv(env []string) []string {
	out := make([]string, 0, len(env)+len(internalEnv))
next:
	for _, kv := range env {
		for _, name := range internalEnv {
			if strings.HasPrefix(kv, name+"=") {
				continue next
			}
		}
		out = append(out, kv)
	}
	return out
}

// clearInternalEnv drops the descendant-only variables once the stages are
// done, so they do not leak into the container process.
func clearInternalEnv() {
	for _, name := range []string{envStage, envStatePipe, envSyncPipe, envGrandchildPipe} {
		_ = os.Unsetenv(name)
	}
}
