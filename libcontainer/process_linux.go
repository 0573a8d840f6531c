package libcontainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/opencontainers/runc/libcontainer/logs"
	"github.com/simple_nsexec/libcontainer/cgroups"
	"github.com/simple_nsexec/libcontainer/nsenter"
	"github.com/simple_nsexec/libcontainer/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const stdioFdCount = 3

type filePair struct {
	parent *os.File
	child  *os.File
}

type parentProcess interface {
	// pid returns the pid of the container process.
	pid() int

	// start starts the process execution.
	start() error

	// forwardChildLogs forwards the logs of the namespace setup.
	forwardChildLogs() chan error

	// terminate kills whatever is left of the process.
	terminate() error

	wait() (*os.ProcessState, error)

	signal(os.Signal) error
}

// initConfig is what the container init reads once its namespaces exist.
type initConfig struct {
	Args   []string `json:"args"`
	Env    []string `json:"env"`
	Cwd    string   `json:"cwd"`
	Rootfs string   `json:"rootfs"`
}

type initProcess struct {
	cmd             *exec.Cmd
	messageSockPair filePair
	logFilePair     filePair
	config          *initConfig
	manager         cgroups.Manager
	bootstrapData   io.Reader
	process         *Process

	// pids is the handoff of nsexec; container is its stage-2.
	pids      nsenter.Pids
	container *os.Process
}

// pid returns the pid of the container init once nsexec handed it over, and
// the pid of nsexec itself before.
func (p *initProcess) pid() int {
	if p.container != nil {
		return p.container.Pid
	}
	return p.cmd.Process.Pid
}

func (p *initProcess) forwardChildLogs() chan error {
	return logs.ForwardLogs(p.logFilePair.parent)
}

func (p *initProcess) start() (retErr error) {
	defer p.messageSockPair.parent.Close()
	err := p.cmd.Start()
	p.process.ops = p
	// Close the child-side of the pipes (controlled by child).
	_ = p.messageSockPair.child.Close()
	_ = p.logFilePair.child.Close()
	if err != nil {
		p.process.ops = nil
		return fmt.Errorf("unable to start init: %w", err)
	}

	waitInit := initWaiter(p.messageSockPair.parent)
	defer func() {
		if retErr != nil {
			if err := p.terminate(); err != nil {
				logrus.WithError(err).Warn("unable to terminate init")
			}
			if p.manager != nil {
				if err := p.manager.Destroy(); err != nil {
					logrus.WithError(err).Warn("unable to destroy cgroup")
				}
			}
		}
	}()

	// The cgroup has to be joined before nsexec creates the cgroup
	// namespace, so that the namespace is rooted at the container cgroup.
	if err := p.manager.Apply(p.pid()); err != nil {
		return fmt.Errorf("unable to apply cgroup configuration: %w", err)
	}
	if _, err := io.Copy(p.messageSockPair.parent, p.bootstrapData); err != nil {
		return fmt.Errorf("can't copy bootstrap data to pipe: %w", err)
	}
	if err := <-waitInit; err != nil {
		return err
	}

	if err := json.NewDecoder(p.messageSockPair.parent).Decode(&p.pids); err != nil {
		// nsexec failed, its exit status says more than the broken pipe.
		if werr := p.waitSetup(); werr != nil {
			return werr
		}
		return fmt.Errorf("error reading pids from nsexec: %w", err)
	}
	if err := p.waitSetup(); err != nil {
		return err
	}
	logrus.Debugf("nsexec handed over stage-1 (%d) and stage-2 (%d)", p.pids.Stage1, p.pids.Stage2)

	// Stage-1 is our child through CLONE_PARENT and is done by now.
	if err := reapStage(p.pids.Stage1); err != nil {
		return err
	}
	p.pids.Stage1 = 0
	container, err := os.FindProcess(p.pids.Stage2)
	if err != nil {
		return fmt.Errorf("unable to find container init: %w", err)
	}
	p.container = container

	if err := utils.WriteJSON(p.messageSockPair.parent, p.config); err != nil {
		return fmt.Errorf("error sending config to init process: %w", err)
	}
	return nil
}

// waitSetup waits for the nsexec process the runtime started itself.
func (p *initProcess) waitSetup() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("nsexec failed: %w", err)
	}
	return nil
}

func reapStage(pid int) error {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return os.NewSyscallError("wait4", err)
		}
		break
	}
	if !ws.Exited() || ws.ExitStatus() != 0 {
		return fmt.Errorf("nsexec stage-1 (%d) failed: %v", pid, ws)
	}
	return nil
}

func (p *initProcess) wait() (*os.ProcessState, error) {
	if p.container == nil {
		return nil, errInvalidProcess
	}
	return p.container.Wait()
}

func (p *initProcess) signal(sig os.Signal) error {
	if p.container == nil {
		return p.cmd.Process.Signal(sig)
	}
	return p.container.Signal(sig)
}

// terminate kills the nsexec process and everything it handed over. Stages
// nsexec did not hand over are killed by nsexec itself when it fails.
func (p *initProcess) terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if p.cmd.ProcessState == nil {
		_ = p.cmd.Wait()
	}
	if p.pids.Stage1 > 0 {
		killStage(p.pids.Stage1)
	}
	if p.container != nil {
		if err := p.container.Kill(); err == nil {
			_, _ = p.container.Wait()
		}
	} else if p.pids.Stage2 > 0 {
		killStage(p.pids.Stage2)
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func killStage(pid int) {
	_ = unix.Kill(pid, unix.SIGKILL)
	_, _ = unix.Wait4(pid, nil, 0, nil)
}

func initWaiter(r io.Reader) chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)

		inited := make([]byte, 1)
		n, err := r.Read(inited)
		if err == nil {
			if n > 0 {
				ch <- nil
				return
			}
			err = fmt.Errorf("short read: %d bytes", n)
		}
		ch <- fmt.Errorf("waiting for init preliminary setup: %w", err)
	}()
	return ch
}
