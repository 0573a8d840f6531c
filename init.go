package main

import (
	"os"
	"runtime"
	"strconv"

	"github.com/simple_nsexec/libcontainer"
	"github.com/simple_nsexec/libcontainer/nsenter"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func init() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		// This is the golang entry point for the container init.
		runtime.GOMAXPROCS(1)
		runtime.LockOSThread()

		// Every nsexec stage but the container init exits in here.
		nsenter.Nsexec()

		level, err := strconv.Atoi(os.Getenv(nsenter.EnvLogLevel))
		if err == nil {
			logrus.SetLevel(logrus.Level(level))
		}

		logPipeFd, err := strconv.Atoi(os.Getenv(nsenter.EnvLogPipe))
		if err == nil {
			logrus.SetOutput(os.NewFile(uintptr(logPipeFd), "logpipe"))
			logrus.SetFormatter(new(logrus.JSONFormatter))
		}
		logrus.Debug("child process in init()")
	}
}

var initCommand = cli.Command{
	Name:   "init",
	Usage:  `initialize the namespaces and launch the process (do not call it outside of simple_nsexec)`,
	Hidden: true,
	Action: func(context *cli.Context) error {
		if err := libcontainer.StartInitialization(); err != nil {
			// The runtime forwards the log pipe, so the error reaches it.
			logrus.Error(err)
			os.Exit(1)
		}
		panic("libcontainer: container init failed to exec")
	},
}
