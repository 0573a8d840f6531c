package nsenter

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger writes JSON log records to the log pipe inherited from the runtime.
// The runtime forwards them into its own log, so the record layout matches
// what github.com/opencontainers/runc/libcontainer/logs expects:
//
//	{"level":"debug","msg":"nsexec-1[4711]: ..."}
//
// Logging is best-effort. Logger methods never fail and never block the
// setup on a broken destination: short or failed writes are dropped.
type Logger struct {
	logger *logrus.Logger
	stage  Stage
	pid    int
}

// bestEffort swallows every write error of the underlying writer.
type bestEffort struct {
	w io.Writer
}

func (b bestEffort) Write(p []byte) (int, error) {
	_, _ = b.w.Write(p)
	return len(p), nil
}

// NewLogger returns a logger writing to w with the given minimum level. A nil
// w yields a logger that drops everything.
func NewLogger(w io.Writer, level logrus.Level) *Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{DisableTimestamp: true})
	l.SetLevel(level)
	if w == nil {
		l.SetOutput(io.Discard)
	} else {
		l.SetOutput(bestEffort{w})
	}
	return &Logger{
		logger: l,
		stage:  StageSetup,
		pid:    os.Getpid(),
	}
}

// enabled tells whether a destination was configured at all.
func (l *Logger) enabled() bool {
	return l != nil && l.logger.Out != io.Discard
}

// enabledFor tells whether records of level reach the destination.
func (l *Logger) enabledFor(level logrus.Level) bool {
	return l.enabled() && l.logger.IsLevelEnabled(level)
}

func (l *Logger) setStage(s Stage) {
	l.stage = s
	l.pid = os.Getpid()
}

func (l *Logger) logf(level logrus.Level, format string, args ...interface{}) {
	if !l.enabledFor(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Log(level, fmt.Sprintf("%s[%d]: %s", l.stage.tag(), l.pid, msg))
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logf(logrus.DebugLevel, format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.logf(logrus.InfoLevel, format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logf(logrus.WarnLevel, format, args...)
}

// Fatalf logs at fatal level without exiting; the caller decides how to
// terminate.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logf(logrus.FatalLevel, format, args...)
}
