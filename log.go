package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// FatalWriter sends the errors cli prints on exit through logrus.
type FatalWriter struct {
	cliErrWriter io.Writer
}

func (f *FatalWriter) Write(p []byte) (n int, err error) {
	logrus.Error(string(p))
	if !logrusToStderr() {
		return f.cliErrWriter.Write(p)
	}
	return len(p), nil
}

// configLogrus applies --debug, --log-format and --log to the global logger.
// The level chosen here is also the one nsexec logs at.
func configLogrus(context *cli.Context) error {
	if context.GlobalBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.SetReportCaller(true)
		logrus.SetFormatter(&logrus.TextFormatter{CallerPrettyfier: shortCaller()})
	}

	switch f := context.GlobalString("log-format"); f {
	case "", "text":
	case "json":
		logrus.SetFormatter(new(logrus.JSONFormatter))
	default:
		return fmt.Errorf("invalid log-format: %s", f)
	}

	file := context.GlobalString("log")
	if file == "" {
		return nil
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0o644)
	if err != nil {
		return err
	}
	logrus.SetOutput(f)
	return nil
}

// shortCaller trims the module directory off the reported caller.
func shortCaller() func(*runtime.Frame) (string, string) {
	_, file, _, _ := runtime.Caller(0)
	prefix := filepath.Dir(file) + "/"
	return func(f *runtime.Frame) (string, string) {
		function := strings.TrimPrefix(f.Function, prefix) + "()"
		fileLine := strings.TrimPrefix(f.File, prefix) + ":" + strconv.Itoa(f.Line)
		return function, fileLine
	}
}
