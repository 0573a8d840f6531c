package libcontainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/simple_nsexec/libcontainer/nsenter"
	"golang.org/x/sys/unix"
)

// StartInitialization is called by the container init once nsexec has set up
// its namespaces. It reads the process config from the init pipe and execs
// the container process. It only returns on error.
func StartInitialization() error {
	envInitPipe := os.Getenv(nsenter.EnvInitPipe)
	pipefd, err := strconv.Atoi(envInitPipe)
	if err != nil {
		return fmt.Errorf("unable to convert %s: %w", nsenter.EnvInitPipe, err)
	}
	unix.CloseOnExec(pipefd)
	pipe := os.NewFile(uintptr(pipefd), "pipe")
	defer pipe.Close()

	var config initConfig
	if err := json.NewDecoder(pipe).Decode(&config); err != nil {
		return fmt.Errorf("unable to read init config: %w", err)
	}

	// The log pipe must not outlive the exec, the runtime waits for its EOF.
	if envLogPipe := os.Getenv(nsenter.EnvLogPipe); envLogPipe != "" {
		logfd, err := strconv.Atoi(envLogPipe)
		if err != nil {
			return fmt.Errorf("unable to convert %s: %w", nsenter.EnvLogPipe, err)
		}
		unix.CloseOnExec(logfd)
	}
	return newContainerInit(&config).init()
}

type containerInit struct {
	config *initConfig
}

func newContainerInit(config *initConfig) *containerInit {
	return &containerInit{config: config}
}

func (l *containerInit) init() error {
	if len(l.config.Args) == 0 {
		return errors.New("no process args")
	}
	if err := populateProcessEnvironment(l.config.Env); err != nil {
		return err
	}
	if l.config.Rootfs != "" {
		if err := unix.Chroot(l.config.Rootfs); err != nil {
			return os.NewSyscallError("chroot", err)
		}
	}
	cwd := l.config.Cwd
	if cwd == "" {
		cwd = "/"
	}
	if err := unix.Chdir(cwd); err != nil {
		return &os.PathError{Op: "chdir", Path: cwd, Err: err}
	}
	name, err := exec.LookPath(l.config.Args[0])
	if err != nil {
		return err
	}
	if err := unix.Exec(name, l.config.Args, os.Environ()); err != nil {
		return os.NewSyscallError("exec", err)
	}
	return nil
}

// populateProcessEnvironment replaces the environment of the init with the
// one of the container process. The environment is left alone if any of the
// variables is malformed.
func populateProcessEnvironment(env []string) error {
	for _, pair := range env {
		name, _, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid environment variable: %q", pair)
		}
		if name == "" {
			return errors.New("environment variable name can't be empty")
		}
		if strings.IndexByte(pair, 0) >= 0 {
			return fmt.Errorf("environment variable can't contain null(\\x00): %q", name)
		}
	}
	os.Clearenv()
	for _, pair := range env {
		name, val, _ := strings.Cut(pair, "=")
		if err := os.Setenv(name, val); err != nil {
			return err
		}
	}
	return nil
}
