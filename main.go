package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/opencontainers/image-spec/specs-go"
	"github.com/opencontainers/runc/libcontainer/seccomp"
	"github.com/urfave/cli"
)

// version and gitCommit are set at link time.
var (
	version   = "unknown"
	gitCommit = ""
)

const (
	specConfig = "config.json"
	usage      = `Open Container Initiative runtime with a Go namespace bootstrap

simple_nsexec runs a container from an OCI bundle. Its container init builds
the namespaces in three stages before the container process is executed:

    # cd mycontainer
    # simple_nsexec run [ -b bundle ] <container-id>

<container-id> is your name for the instance of the container that you
are starting. The name you provide for the container instance must be unique
on your host.`
)

func versionString() string {
	v := []string{version}
	if gitCommit != "" {
		v = append(v, "commit: "+gitCommit)
	}
	v = append(v, "spec: "+specs.Version, "go: "+runtime.Version())
	if major, minor, micro := seccomp.Version(); major+minor+micro > 0 {
		v = append(v, fmt.Sprintf("libseccomp: %d.%d.%d", major, minor, micro))
	}
	return strings.Join(v, "\n")
}

// defaultRoot is the state directory used without --root. The second result
// tells whether it lives in $XDG_RUNTIME_DIR.
func defaultRoot() (string, bool) {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" && shouldHonorXDGRuntimeDir() {
		return filepath.Join(dir, "simple_nsexec"), true
	}
	return "/run/simple_nsexec", false
}

// prepareXDGRoot creates the state directory in $XDG_RUNTIME_DIR with the
// sticky bit set, so it is not pruned.
func prepareXDGRoot(root string) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		fmt.Fprintln(os.Stderr, "the path in $XDG_RUNTIME_DIR must be writable by the user")
		fatal(err)
	}
	if err := os.Chmod(root, 0o700|os.ModeSticky); err != nil {
		fmt.Fprintln(os.Stderr, "you should check permission of the path in $XDG_RUNTIME_DIR")
		fatal(err)
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "simple_nsexec"
	app.Usage = usage
	app.Version = versionString()

	root, xdgDirUsed := defaultRoot()

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "set the log file to write logs to (default is '/dev/stderr')",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "set the log format ('text' (default), or 'json')",
		},
		cli.StringFlag{
			Name:  "root",
			Value: root,
			Usage: "root directory for storage of container state (this should be located in tmpfs)",
		},
		cli.BoolFlag{
			Name:  "systemd-cgroup",
			Usage: "enable systemd cgroup support, expects cgroupsPath to be of form \"slice:prefix:name\" for e.g. \"system.slice:nsexec:434234\"",
		},
		cli.StringFlag{
			Name:  "rootless",
			Value: "auto",
			Usage: "ignore cgroup permission errors ('true', 'false', or 'auto')",
		},
	}
	app.Commands = []cli.Command{
		initCommand,
		runCommand,
		specCommand,
		stateCommand,
	}
	app.Before = func(context *cli.Context) error {
		if xdgDirUsed && !context.IsSet("root") {
			prepareXDGRoot(root)
		}
		if err := reviseRootDir(context); err != nil {
			return err
		}
		return configLogrus(context)
	}
	// If the command returns an error, cli takes upon itself to print
	// the error on cli.ErrWriter and exit.
	// Use our own writer here to ensure the log gets sent to the right location.
	cli.ErrWriter = &FatalWriter{cli.ErrWriter}
	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
