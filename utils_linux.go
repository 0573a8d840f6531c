package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/simple_nsexec/libcontainer"
	"github.com/simple_nsexec/libcontainer/specconv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"
)

var errEmptyID = errors.New("container id cannot be empty")

// newProcess returns a new libcontainer Process with the arguments from the
// spec and stdio from the current process.
func newProcess(p specs.Process) *libcontainer.Process {
	return &libcontainer.Process{
		Args:     p.Args,
		Env:      p.Env,
		Cwd:      p.Cwd,
		Init:     true,
		LogLevel: strconv.Itoa(int(logrus.GetLevel())),
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
}

func createContainer(context *cli.Context, id string, spec *specs.Spec) (*libcontainer.Container, error) {
	rootlessCg, err := shouldUseRootlessCgroupManager(context)
	if err != nil {
		return nil, err
	}
	config, err := specconv.CreateLibcontainerConfig(&specconv.CreateOpts{
		CgroupName:       id,
		UseSystemdCgroup: context.GlobalBool("systemd-cgroup"),
		RootlessCgroups:  rootlessCg,
		Spec:             spec,
	})
	if err != nil {
		return nil, err
	}

	root := context.GlobalString("root")
	return libcontainer.Create(root, id, config)
}

type runner struct {
	init          bool
	shouldDestroy bool
	container     *libcontainer.Container
}

func (r *runner) run(config *specs.Process) (int, error) {
	if err := r.checkTerminal(config); err != nil {
		r.destroy()
		return -1, err
	}
	process := newProcess(*config)
	process.Init = r.init

	// Signals arriving before the container process exists kill the
	// runtime, which is the same as not starting the container.
	signals := make(chan os.Signal, 16)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGQUIT)
	defer signal.Stop(signals)

	if err := r.container.Start(process); err != nil {
		r.destroy()
		return -1, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case s := <-signals:
				if err := process.Signal(s); err != nil {
					logrus.WithError(err).Warnf("unable to forward %v", s)
				}
			case <-done:
				return
			}
		}
	}()

	ps, err := process.Wait()
	r.destroy()
	if err != nil {
		return -1, err
	}
	return exitStatus(ps), nil
}

// exitStatus follows the shell convention of 128+n for a process killed by
// signal n.
func exitStatus(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

func (r *runner) destroy() {
	if r.shouldDestroy {
		if err := r.container.Destroy(); err != nil {
			logrus.Warn(err)
		}
	}
}

// checkTerminal rejects a terminal request, the container process only gets
// the stdio of the runtime.
func (r *runner) checkTerminal(config *specs.Process) error {
	if config.Terminal {
		return errors.New("terminal is not supported, set process.terminal to false")
	}
	return nil
}

// setupSpec changes into the bundle and loads its config.json.
func setupSpec(context *cli.Context) (*specs.Spec, error) {
	bundle := context.String("bundle")
	if bundle != "" {
		if err := os.Chdir(bundle); err != nil {
			return nil, err
		}
	}
	spec, err := loadSpec(specConfig)
	if err != nil {
		return nil, err
	}
	return spec, nil
}

func startContainer(context *cli.Context) (int, error) {
	id := context.Args().First()
	if id == "" {
		return -1, errEmptyID
	}
	spec, err := setupSpec(context)
	if err != nil {
		return -1, err
	}

	container, err := createContainer(context, id, spec)
	if err != nil {
		return -1, err
	}

	r := &runner{
		init:          true,
		shouldDestroy: !context.Bool("keep"),
		container:     container,
	}
	return r.run(spec.Process)
}

// reviseRootDir convert the root to absolute path
func reviseRootDir(context *cli.Context) error {
	if !context.IsSet("root") {
		return nil
	}
	root, err := filepath.Abs(context.GlobalString("root"))
	if err != nil {
		return err
	}
	if root == "/" {
		// This can happen if --root argument is
		//  - "" (i.e. empty);
		//  - "." (and the CWD is /);
		//  - "../../.." (enough to get to /);
		//  - "/" (the actual /).
		return fmt.Errorf("option --root argument should not be set to /")
	}

	return context.GlobalSet("root", root)
}
