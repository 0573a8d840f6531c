package libcontainer

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/simple_nsexec/libcontainer/cgroups"
	"github.com/simple_nsexec/libcontainer/configs"
	"github.com/simple_nsexec/libcontainer/nsenter"
	"github.com/simple_nsexec/libcontainer/utils"
	"github.com/sirupsen/logrus"
)

const stateFilename = "state.json"

// State represents a running container's state
type State struct {
	// ID is the container ID.
	ID string `json:"id"`

	// InitProcessPid is the init process id in the parent namespace.
	InitProcessPid int `json:"init_process_pid"`

	// Created is the unix timestamp for the creation time of the container in UTC
	Created time.Time `json:"created"`

	// Config is the container's configuration.
	Config configs.Config `json:"config"`

	// Path to all the cgroups setup for a container. Key is cgroup subsystem name
	// with the value as the path.
	CgroupPaths map[string]string `json:"cgroup_paths"`

	// NamespacePaths are filepaths to the container's namespaces. Key is the namespace type
	// with the value as the path.
	NamespacePaths map[configs.NamespaceType]string `json:"namespace_paths"`
}

type Container struct {
	id            string
	root          string
	config        *configs.Config
	cgroupManager cgroups.Manager
	initProcess   parentProcess
	created       time.Time
	m             sync.Mutex
}

// ID returns the container's unique ID
func (c *Container) ID() string {
	return c.id
}

// Config returns the container's configuration
func (c *Container) Config() configs.Config {
	return *c.config
}

// Create new init process.
func (c *Container) newInitProcess(p *Process, cmd *exec.Cmd, messageSockPair, logFilePair filePair) (*initProcess, error) {
	nsMaps := make(map[configs.NamespaceType]string)
	for _, ns := range c.config.Namespaces {
		if ns.Path != "" {
			nsMaps[ns.Type] = ns.Path
		}
	}
	data, err := bootstrapData(c.config.Namespaces.CloneFlags(), nsMaps)
	if err != nil {
		return nil, err
	}
	return &initProcess{
		cmd:             cmd,
		messageSockPair: messageSockPair,
		logFilePair:     logFilePair,
		manager:         c.cgroupManager,
		config:          c.newInitConfig(p),
		bootstrapData:   data,
		process:         p,
	}, nil
}

func (c *Container) newInitConfig(p *Process) *initConfig {
	return &initConfig{
		Args:   p.Args,
		Env:    p.Env,
		Cwd:    p.Cwd,
		Rootfs: c.config.Rootfs,
	}
}

func (c *Container) newParentProcess(p *Process) (parentProcess, error) {
	parentInitPipe, childInitPipe, err := utils.NewSockPair("init")
	if err != nil {
		return nil, fmt.Errorf("unable to create init pipe: %w", err)
	}
	messageSockPair := filePair{parentInitPipe, childInitPipe}

	parentLogPipe, childLogPipe, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("unable to create log pipe: %w", err)
	}
	logFilePair := filePair{parentLogPipe, childLogPipe}

	cmd := c.commandTemplate(p, childInitPipe, childLogPipe)
	return c.newInitProcess(p, cmd, messageSockPair, logFilePair)
}

// commandTemplate re-executes the runtime as "init": nsexec takes over
// before anything else runs and reads the bootstrap data from the init pipe.
func (c *Container) commandTemplate(p *Process, childInitPipe *os.File, childLogPipe *os.File) *exec.Cmd {
	cmd := exec.Command("/proc/self/exe", "init")
	cmd.Stdin = p.Stdin
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	cmd.Dir = c.config.Rootfs
	cmd.ExtraFiles = append(cmd.ExtraFiles, p.ExtraFiles...)
	cmd.ExtraFiles = append(cmd.ExtraFiles, childInitPipe)
	cmd.Env = append(cmd.Env,
		nsenter.EnvInitPipe+"="+strconv.Itoa(stdioFdCount+len(cmd.ExtraFiles)-1),
	)
	cmd.ExtraFiles = append(cmd.ExtraFiles, childLogPipe)
	cmd.Env = append(cmd.Env,
		nsenter.EnvLogPipe+"="+strconv.Itoa(stdioFdCount+len(cmd.ExtraFiles)-1),
	)
	if p.LogLevel != "" {
		cmd.Env = append(cmd.Env, nsenter.EnvLogLevel+"="+p.LogLevel)
	}
	return cmd
}

// Start starts the container init. It returns once the container process
// got its config; use Process.Wait to wait for it.
func (c *Container) Start(process *Process) error {
	c.m.Lock()
	defer c.m.Unlock()
	if !process.Init {
		return errors.New("only the init process can be started")
	}
	if c.initProcess != nil {
		return errors.New("container already started")
	}
	return c.start(process)
}

// Run is Start for a caller that has nothing to do between start and wait.
func (c *Container) Run(process *Process) (*os.ProcessState, error) {
	if err := c.Start(process); err != nil {
		return nil, err
	}
	return process.Wait()
}

func (c *Container) start(process *Process) (retErr error) {
	parent, err := c.newParentProcess(process)
	if err != nil {
		return fmt.Errorf("unable to create new parent process: %w", err)
	}

	logsDone := parent.forwardChildLogs()
	if logsDone != nil {
		defer func() {
			// Wait for log forwarder to finish. This depends on the init
			// closing its log pipe on exec.
			err := <-logsDone
			if err != nil && retErr == nil {
				retErr = fmt.Errorf("unable to forward init logs: %w", err)
			}
		}()
	}

	if err := parent.start(); err != nil {
		return fmt.Errorf("unable to start container process: %w", err)
	}
	c.initProcess = parent
	c.created = time.Now().UTC()

	if err := c.saveState(); err != nil {
		logrus.WithError(err).Warn("unable to save container state")
	}
	return nil
}

func (c *Container) currentState() *State {
	state := &State{
		ID:             c.id,
		Created:        c.created,
		Config:         *c.config,
		NamespacePaths: make(map[configs.NamespaceType]string),
	}
	if c.cgroupManager != nil {
		state.CgroupPaths = c.cgroupManager.GetPaths()
	}
	if c.initProcess != nil {
		pid := c.initProcess.pid()
		state.InitProcessPid = pid
		for _, ns := range c.config.Namespaces {
			state.NamespacePaths[ns.Type] = ns.GetPath(pid)
		}
		for _, nsType := range configs.NamespaceTypes() {
			if !configs.IsNamespaceSupported(nsType) {
				continue
			}
			if _, ok := state.NamespacePaths[nsType]; !ok {
				ns := configs.Namespace{Type: nsType}
				state.NamespacePaths[ns.Type] = ns.GetPath(pid)
			}
		}
	}
	return state
}

// State returns the current container's state.
func (c *Container) State() (*State, error) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.currentState(), nil
}

func (c *Container) saveState() (retErr error) {
	tmpFile, err := os.CreateTemp(c.root, "state-")
	if err != nil {
		return err
	}

	defer func() {
		if retErr != nil {
			tmpFile.Close()
			os.Remove(tmpFile.Name())
		}
	}()

	err = utils.WriteJSON(tmpFile, c.currentState())
	if err != nil {
		return err
	}
	err = tmpFile.Close()
	if err != nil {
		return err
	}

	stateFilePath := filepath.Join(c.root, stateFilename)
	return os.Rename(tmpFile.Name(), stateFilePath)
}

// Destroy kills what is left of the container and removes its cgroup and
// state directory.
func (c *Container) Destroy() error {
	c.m.Lock()
	defer c.m.Unlock()
	var errs []error
	if c.initProcess != nil {
		if err := c.initProcess.terminate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.cgroupManager.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("unable to remove container's cgroup: %w", err))
	}
	if err := os.RemoveAll(c.root); err != nil {
		errs = append(errs, err)
	}
	c.initProcess = nil
	return errors.Join(errs...)
}
