package nsenter

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// slowMapper records the pid and takes its time, so that an early ack would
// be visible to the peer.
type slowMapper struct {
	pid    int
	mapped atomic.Bool
	err    error
}

func (m *slowMapper) Map(pid int) error {
	time.Sleep(50 * time.Millisecond)
	m.pid = pid
	if m.err != nil {
		return m.err
	}
	m.mapped.Store(true)
	return nil
}

func testBootstrap(mapper Mapper, handoff *bytes.Buffer) *bootstrap {
	return &bootstrap{
		stage:   StageParent,
		log:     NewLogger(nil, logrus.DebugLevel),
		mapper:  mapper,
		handoff: handoff,
		child:   &process{pid: 4711},
		exit:    func(int) {},
	}
}

// fakeChild plays stage-1 on its end of the channel.
func fakeChild(pipe *syncPipe, mapper *slowMapper, done chan<- error) {
	done <- func() error {
		defer pipe.Close()
		if err := writeSync(pipe, syncUsermapPls); err != nil {
			return err
		}
		if err := expectSync(pipe, syncUsermapAck); err != nil {
			return err
		}
		if !mapper.mapped.Load() {
			return errors.New("usermap ack before the mapping was written")
		}
		if err := writeSync(pipe, syncRecvPidPls); err != nil {
			return err
		}
		if err := writePid(pipe, 4712); err != nil {
			return err
		}
		if err := expectSync(pipe, syncRecvPidAck); err != nil {
			return err
		}
		return writeSync(pipe, syncChildFinish)
	}()
}

func TestSyncWithChild(t *testing.T) {
	pair, err := newPipePair("test")
	if err != nil {
		t.Fatal(err)
	}
	defer pair.Close()

	mapper := &slowMapper{}
	done := make(chan error, 1)
	go fakeChild(pair.child, mapper, done)

	var handoff bytes.Buffer
	b := testBootstrap(mapper, &handoff)
	if err := b.syncWithChild(pair.parent); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if mapper.pid != 4711 {
		t.Errorf("mapped pid %d, but expected: %d", mapper.pid, 4711)
	}
	if b.grandchild == nil || b.grandchild.pid != 4712 {
		t.Errorf("Got grandchild %+v, but expected pid %d", b.grandchild, 4712)
	}
	expected := `{"stage1_pid":4711,"stage2_pid":4712}` + "\n"
	if handoff.String() != expected {
		t.Errorf("Got: %q, but expected: %q", handoff.String(), expected)
	}
}

func TestSyncWithChildFailures(t *testing.T) {
	mapErr := errors.New("no maps")
	tests := []struct {
		name   string
		child  func(p *syncPipe)
		mapErr error
		target error
	}{
		{
			name:   "unexpected message",
			child:  func(p *syncPipe) { _ = writeSync(p, syncGrandchild) },
			target: errUnexpectedSync,
		},
		{
			name:   "child dies",
			child:  func(p *syncPipe) {},
			target: errBrokenSync,
		},
		{
			name:   "child dies after pid request",
			child:  func(p *syncPipe) { _ = writeSync(p, syncRecvPidPls) },
			target: errBrokenSync,
		},
		{
			name:   "mapping fails",
			child:  func(p *syncPipe) { _ = writeSync(p, syncUsermapPls) },
			mapErr: mapErr,
			target: mapErr,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair, err := newPipePair("test")
			if err != nil {
				t.Fatal(err)
			}
			defer pair.Close()
			child := pair.child
			done := make(chan struct{})
			go func() {
				defer close(done)
				tt.child(child)
				_ = child.Close()
			}()
			var handoff bytes.Buffer
			b := testBootstrap(&slowMapper{err: tt.mapErr}, &handoff)
			err = b.syncWithChild(pair.parent)
			<-done
			if !errors.Is(err, tt.target) {
				t.Errorf("Got: %v, but expected: %v", err, tt.target)
			}
			if handoff.Len() != 0 {
				t.Errorf("unexpected handoff %q", handoff.String())
			}
		})
	}
}

func TestSyncWithGrandchild(t *testing.T) {
	pair, err := newPipePair("test")
	if err != nil {
		t.Fatal(err)
	}
	defer pair.Close()
	done := make(chan error, 1)
	go func() {
		if err := expectSync(pair.child, syncGrandchild); err != nil {
			done <- err
			return
		}
		done <- writeSync(pair.child, syncChildFinish)
	}()
	b := testBootstrap(nil, &bytes.Buffer{})
	if err := b.syncWithGrandchild(pair.parent); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestSyncWithGrandchildDies(t *testing.T) {
	pair, err := newPipePair("test")
	if err != nil {
		t.Fatal(err)
	}
	defer pair.Close()
	child := pair.child
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = expectSync(child, syncGrandchild)
		_ = child.Close()
	}()
	b := testBootstrap(nil, &bytes.Buffer{})
	err = b.syncWithGrandchild(pair.parent)
	<-done
	if !errors.Is(err, errBrokenSync) {
		t.Errorf("Got: %v, but expected: %v", err, errBrokenSync)
	}
}

func TestBailKillsDescendants(t *testing.T) {
	var cmds []*exec.Cmd
	for i := 0; i < 2; i++ {
		cmd := exec.Command("sleep", "60")
		if err := cmd.Start(); err != nil {
			t.Skipf("cannot start sleep: %v", err)
		}
		cmds = append(cmds, cmd)
	}

	var logs bytes.Buffer
	code := -1
	b := &bootstrap{
		stage:      StageParent,
		log:        NewLogger(&logs, logrus.DebugLevel),
		child:      &process{pid: cmds[0].Process.Pid},
		grandchild: &process{pid: cmds[1].Process.Pid},
		exit:       func(c int) { code = c },
	}
	b.log.setStage(StageParent)
	b.bail(errors.New("failed to sync with stage-1"))

	if code != 1 {
		t.Errorf("Got exit code %d, but expected: 1", code)
	}
	for _, cmd := range cmds {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("Got: %v, but expected the process to be killed", err)
		}
		ws := exitErr.Sys().(syscall.WaitStatus)
		if !ws.Signaled() || ws.Signal() != syscall.SIGKILL {
			t.Errorf("Got: %v, but expected SIGKILL", ws)
		}
	}
	got := records(t, &logs)
	if len(got) != 1 || got[0].Level != "fatal" || !strings.Contains(got[0].Msg, "nsexec-0[") ||
		!strings.HasSuffix(got[0].Msg, "failed to sync with stage-1") {
		t.Errorf("Got: %v, but expected a single fatal record", got)
	}
}

func TestProcessKillNoop(t *testing.T) {
	// None of these may signal anything; pid -1 would hit every process.
	for _, p := range []*process{nil, {pid: 0}, {pid: -1}, {pid: 1, reaped: true}} {
		p.kill()
	}
}

// closeRecorder notes what the log held when it was closed.
type closeRecorder struct {
	logs     *bytes.Buffer
	atClose  string
	closed   int
	closeErr error
}

func (c *closeRecorder) Close() error {
	c.closed++
	c.atClose = c.logs.String()
	return c.closeErr
}

func TestBailReleasesAfterFatalRecord(t *testing.T) {
	var logs bytes.Buffer
	end := &closeRecorder{logs: &logs}
	b := &bootstrap{
		stage: StageChild,
		log:   NewLogger(&logs, logrus.DebugLevel),
		exit:  func(int) {},
	}
	b.log.setStage(StageChild)
	b.hold(end)
	b.bail(errors.New("failed to open /nonexistent/ns"))

	if end.closed != 1 {
		t.Fatalf("Got %d closes, but expected: 1", end.closed)
	}
	if !strings.Contains(end.atClose, `"level":"fatal"`) ||
		!strings.Contains(end.atClose, "failed to open /nonexistent/ns") {
		t.Errorf("channel released before the fatal record: %q", end.atClose)
	}
	if b.owned != nil {
		t.Errorf("Got: %v, but expected nothing held", b.owned)
	}
}

func TestReleaseOrder(t *testing.T) {
	var logs bytes.Buffer
	var order []int
	b := &bootstrap{}
	for i := 0; i < 3; i++ {
		b.hold(closerFunc(func() error {
			order = append(order, i)
			return nil
		}))
	}
	b.hold(&closeRecorder{logs: &logs, closeErr: errors.New("ignored")})
	b.release()
	b.release()
	if fmt.Sprint(order) != "[2 1 0]" {
		t.Errorf("Got: %v, but expected: %v", order, []int{2, 1, 0})
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestBailFallsBackToStderr(t *testing.T) {
	tests := []struct {
		name string
		log  func(*bytes.Buffer) *Logger
	}{
		{name: "no log pipe", log: func(*bytes.Buffer) *Logger { return NewLogger(nil, logrus.DebugLevel) }},
		{name: "fatal filtered", log: func(w *bytes.Buffer) *Logger { return NewLogger(w, logrus.PanicLevel) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs, stderr bytes.Buffer
			code := -1
			b := &bootstrap{
				stage:  StageParent,
				log:    tt.log(&logs),
				stderr: &stderr,
				exit:   func(c int) { code = c },
			}
			b.bail(errors.New("unexpected netlink message type"))
			if code != 1 {
				t.Errorf("Got exit code %d, but expected: 1", code)
			}
			if expected := "FATAL: unexpected netlink message type\n"; stderr.String() != expected {
				t.Errorf("Got: %q, but expected: %q", stderr.String(), expected)
			}
			if logs.Len() != 0 {
				t.Errorf("unexpected records: %q", logs.String())
			}
		})
	}
}
