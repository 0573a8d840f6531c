package nsenter

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/simple_nsexec/libcontainer/utils"
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gleak"
	. "github.com/thediveo/fdooze"
	. "github.com/thediveo/success"
)

// logStream collects the records an nsexec run writes to its log pipe.
type logStream struct {
	mu      sync.Mutex
	records []record
	done    chan struct{}
}

func newLogStream(r io.ReadCloser) *logStream {
	s := &logStream{done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer r.Close()
		dec := json.NewDecoder(r)
		for {
			var rec record
			if err := dec.Decode(&rec); err != nil {
				return
			}
			s.mu.Lock()
			s.records = append(s.records, rec)
			s.mu.Unlock()
		}
	}()
	return s
}

func (s *logStream) Records() []record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record(nil), s.records...)
}

// index returns the position of the first record of tag containing msg.
func (s *logStream) index(tag, msg string) int {
	for i, r := range s.Records() {
		if strings.HasPrefix(r.Msg, tag+"[") && strings.Contains(r.Msg, msg) {
			return i
		}
	}
	return -1
}

// pid returns the pid in the first record of tag.
func (s *logStream) pid(tag string) int {
	for _, r := range s.Records() {
		if !strings.HasPrefix(r.Msg, tag+"[") {
			continue
		}
		rest := strings.TrimPrefix(r.Msg, tag+"[")
		if n, err := strconv.Atoi(rest[:strings.Index(rest, "]")]); err == nil {
			return n
		}
	}
	return 0
}

// nsexecRun plays the runtime's side of one nsexec run.
type nsexecRun struct {
	cmd    *exec.Cmd
	init   *os.File
	dec    *json.Decoder
	logs   *logStream
	stderr bytes.Buffer
	exited chan error
}

func startNsexec(withLogs bool) *nsexecRun {
	GinkgoHelper()
	parent, child := Successful2R(utils.NewSockPair("init"))
	DeferCleanup(parent.Close)

	run := &nsexecRun{init: parent, dec: json.NewDecoder(parent), exited: make(chan error, 1)}
	run.cmd = &exec.Cmd{
		Path:       "/proc/self/exe",
		Args:       []string{os.Args[0]},
		ExtraFiles: []*os.File{child},
		Env: append(os.Environ(),
			EnvInitPipe+"=3",
			EnvLogLevel+"=5"),
		Stdout: GinkgoWriter,
		Stderr: &run.stderr,
	}
	var logW *os.File
	if withLogs {
		logR, w := Successful2R(os.Pipe())
		logW = w
		run.cmd.ExtraFiles = append(run.cmd.ExtraFiles, logW)
		run.cmd.Env = append(run.cmd.Env, EnvLogPipe+"=4")
		run.logs = newLogStream(logR)
		DeferCleanup(func() {
			Eventually(run.logs.done).Within(5 * time.Second).Should(BeClosed())
		})
	}
	Expect(run.cmd.Start()).To(Succeed())
	child.Close()
	if logW != nil {
		logW.Close()
	}
	go func() { run.exited <- run.cmd.Wait() }()
	return run
}

// bootstrap sends the config once nsexec reported that it is past its initial
// setup.
func (r *nsexecRun) bootstrap(msg []byte) {
	GinkgoHelper()
	b := make([]byte, 1)
	Expect(Successful(io.ReadFull(r.init, b))).To(Equal(1))
	Expect(b[0]).To(BeZero())
	Expect(Successful(r.init.Write(msg))).To(Equal(len(msg)))
}

func (r *nsexecRun) handoff() Pids {
	GinkgoHelper()
	var pids Pids
	Expect(r.dec.Decode(&pids)).To(Succeed())
	return pids
}

func (r *nsexecRun) report() initReport {
	GinkgoHelper()
	var report initReport
	Expect(r.dec.Decode(&report)).To(Succeed())
	return report
}

// reap waits for a process that became our child through CLONE_PARENT.
func reap(pid int) unix.WaitStatus {
	GinkgoHelper()
	var ws unix.WaitStatus
	Eventually(func() int {
		wpid, _ := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		return wpid
	}).Within(5 * time.Second).ProbeEvery(10 * time.Millisecond).Should(Equal(pid))
	return ws
}

func ino(path string) uint64 {
	GinkgoHelper()
	var st unix.Stat_t
	Expect(unix.Stat(path, &st)).To(Succeed())
	return st.Ino
}

var _ = Describe("nsexec", Ordered, func() {

	BeforeAll(func() {
		if os.Getuid() != 0 {
			Skip("needs root")
		}
	})

	BeforeEach(func() {
		goodfds := Filedescriptors()
		goodgos := Goroutines()
		DeferCleanup(func() {
			Eventually(Goroutines).Within(2 * time.Second).ProbeEvery(100 * time.Millisecond).
				ShouldNot(HaveLeaked(goodgos))
			Expect(Filedescriptors()).NotTo(HaveLeakedFds(goodfds))
		})
	})

	It("hands back a namespaced init", func() {
		run := startNsexec(true)
		run.bootstrap(EncodeConfig(&Config{
			CloneFlags: unix.CLONE_NEWUTS | unix.CLONE_NEWIPC | unix.CLONE_NEWCGROUP,
		}))
		pids := run.handoff()
		Expect(pids.Stage1).To(BeNumerically(">", 0))
		Expect(pids.Stage2).To(BeNumerically(">", 0))

		report := run.report()
		Expect(report.Pid).To(Equal(pids.Stage2))
		Expect(report.Stage).To(BeEmpty(), "internal environment leaked into init")
		for _, kind := range []string{"uts", "ipc", "cgroup"} {
			Expect(report.Namespaces[kind]).NotTo(Equal(ino("/proc/self/ns/"+kind)), kind)
		}
		Expect(report.Namespaces["net"]).To(Equal(ino("/proc/self/ns/net")))

		Eventually(run.exited).Within(5 * time.Second).Should(Receive(BeNil()))
		Expect(reap(pids.Stage1).ExitStatus()).To(BeZero())
		Expect(reap(pids.Stage2).ExitStatus()).To(BeZero())

		Eventually(run.logs.done).Within(5 * time.Second).Should(BeClosed())
		Expect(run.logs.pid("nsexec-0")).To(Equal(run.cmd.Process.Pid))
		Expect(run.logs.pid("nsexec-1")).To(Equal(pids.Stage1))
		Expect(run.logs.pid("nsexec-2")).To(Equal(pids.Stage2))
		Expect(run.logs.index("nsexec", "spawn stage-1")).To(BeNumerically("<", run.logs.index("nsexec-1", "spawn stage-2")))
		Expect(run.logs.index("nsexec-0", "signalling stage-2 to run")).To(BeNumerically("<", run.logs.index("nsexec-2", "signal completion")))
		for _, r := range run.logs.Records() {
			Expect(r.Level).To(Equal("debug"), r.Msg)
		}
	})

	It("maps the user namespace before unsharing the rest", func() {
		run := startNsexec(true)
		run.bootstrap(EncodeConfig(&Config{
			CloneFlags: unix.CLONE_NEWUSER | unix.CLONE_NEWUTS,
		}))
		pids := run.handoff()

		report := run.report()
		Expect(report.Uid).To(BeZero())
		Expect(strings.Fields(report.UidMap)).To(Equal([]string{"0", "100000", "100000"}))

		Eventually(run.exited).Within(5 * time.Second).Should(Receive(BeNil()))
		reap(pids.Stage1)
		reap(pids.Stage2)

		Eventually(run.logs.done).Within(5 * time.Second).Should(BeClosed())
		mapped := run.logs.index("nsexec-0", "requested userns mappings")
		unshared := run.logs.index("nsexec-1", "unshare remaining namespaces")
		Expect(mapped).To(BeNumerically(">=", 0))
		Expect(unshared).To(BeNumerically(">", mapped))
	})

	It("joins existing namespaces", func() {
		holder := exec.Command("sleep", "60")
		holder.SysProcAttr = &syscall.SysProcAttr{Cloneflags: unix.CLONE_NEWUTS}
		Expect(holder.Start()).To(Succeed())
		DeferCleanup(func() {
			_ = holder.Process.Kill()
			_ = holder.Wait()
		})
		utsPath := "/proc/" + strconv.Itoa(holder.Process.Pid) + "/ns/uts"

		run := startNsexec(true)
		run.bootstrap(EncodeConfig(&Config{NsPaths: "uts:" + utsPath}))
		pids := run.handoff()

		report := run.report()
		Expect(report.Namespaces["uts"]).To(Equal(ino(utsPath)))

		Eventually(run.exited).Within(5 * time.Second).Should(Receive(BeNil()))
		reap(pids.Stage1)
		reap(pids.Stage2)
	})

	It("creates init as pid 1 of a new pid namespace", func() {
		run := startNsexec(true)
		run.bootstrap(EncodeConfig(&Config{CloneFlags: unix.CLONE_NEWPID}))
		pids := run.handoff()
		Expect(pids.Stage2).To(BeNumerically(">", 1))

		report := run.report()
		Expect(report.Pid).To(Equal(1))
		Expect(report.Namespaces["pid"]).NotTo(Equal(ino("/proc/self/ns/pid")))

		Eventually(run.exited).Within(5 * time.Second).Should(Receive(BeNil()))
		Expect(reap(pids.Stage1).ExitStatus()).To(BeZero())
		Expect(reap(pids.Stage2).ExitStatus()).To(BeZero())
		Eventually(run.logs.done).Within(5 * time.Second).Should(BeClosed())
		Expect(run.logs.pid("nsexec-2")).To(Equal(1))
	})

	It("sets up the full set of container namespaces", func() {
		run := startNsexec(true)
		run.bootstrap(EncodeConfig(&Config{
			CloneFlags: unix.CLONE_NEWUSER | unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWNET |
				unix.CLONE_NEWUTS | unix.CLONE_NEWIPC | unix.CLONE_NEWCGROUP,
		}))
		pids := run.handoff()

		report := run.report()
		Expect(report.Pid).To(Equal(1))
		Expect(report.Uid).To(BeZero())
		for _, kind := range reportedNamespaces {
			Expect(report.Namespaces[kind]).NotTo(Equal(ino("/proc/self/ns/"+kind)), kind)
		}

		Eventually(run.exited).Within(5 * time.Second).Should(Receive(BeNil()))
		reap(pids.Stage1)
		reap(pids.Stage2)
	})

	It("joins existing namespaces before creating the user namespace", func() {
		holder := exec.Command("sleep", "60")
		holder.SysProcAttr = &syscall.SysProcAttr{Cloneflags: unix.CLONE_NEWUTS}
		Expect(holder.Start()).To(Succeed())
		DeferCleanup(func() {
			_ = holder.Process.Kill()
			_ = holder.Wait()
		})
		utsPath := "/proc/" + strconv.Itoa(holder.Process.Pid) + "/ns/uts"

		run := startNsexec(true)
		run.bootstrap(EncodeConfig(&Config{
			CloneFlags: unix.CLONE_NEWUSER | unix.CLONE_NEWIPC,
			NsPaths:    "uts:" + utsPath,
		}))
		pids := run.handoff()

		report := run.report()
		Expect(report.Uid).To(BeZero())
		Expect(report.Namespaces["uts"]).To(Equal(ino(utsPath)))
		Expect(report.Namespaces["ipc"]).NotTo(Equal(ino("/proc/self/ns/ipc")))

		Eventually(run.exited).Within(5 * time.Second).Should(Receive(BeNil()))
		reap(pids.Stage1)
		reap(pids.Stage2)
		Eventually(run.logs.done).Within(5 * time.Second).Should(BeClosed())
		Expect(run.logs.index("nsexec", "join namespaces uts:")).To(
			BeNumerically("<", run.logs.index("nsexec", "spawn stage-1")))
	})

	It("keeps the fatal record of a failing child", func() {
		run := startNsexec(true)
		run.bootstrap(EncodeConfig(&Config{NsPaths: "pid:/nonexistent/ns"}))

		var err error
		Eventually(run.exited).Within(5 * time.Second).Should(Receive(&err))
		Expect(err).To(MatchError(ContainSubstring("exit status 1")))
		Eventually(run.logs.done).Within(5 * time.Second).Should(BeClosed())

		childPid := run.logs.pid("nsexec-1")
		Expect(childPid).NotTo(BeZero())
		reap(childPid)

		fatal := run.logs.index("nsexec-1", "failed to open /nonexistent/ns")
		Expect(fatal).To(BeNumerically(">=", 0))
		Expect(run.logs.Records()[fatal].Level).To(Equal("fatal"))
		Expect(run.logs.index("nsexec-0", "broken sync channel")).To(BeNumerically(">", fatal))
	})

	It("fails when the child dies mid-handshake", func() {
		fifo := filepath.Join(GinkgoT().TempDir(), "blocker")
		Expect(unix.Mkfifo(fifo, 0o600)).To(Succeed())

		run := startNsexec(true)
		// Opening the fifo blocks the child until it gets killed.
		run.bootstrap(EncodeConfig(&Config{NsPaths: "pid:" + fifo}))

		var childPid int
		Eventually(func() int {
			if run.logs.index("nsexec-1", "join namespaces") < 0 {
				return 0
			}
			childPid = run.logs.pid("nsexec-1")
			return childPid
		}).Within(5 * time.Second).ProbeEvery(10 * time.Millisecond).ShouldNot(BeZero())
		Expect(unix.Kill(childPid, unix.SIGKILL)).To(Succeed())

		var err error
		Eventually(run.exited).Within(5 * time.Second).Should(Receive(&err))
		Expect(err).To(MatchError(ContainSubstring("exit status 1")))
		ws := reap(childPid)
		Expect(ws.Signal()).To(Equal(unix.SIGKILL))

		Eventually(run.logs.done).Within(5 * time.Second).Should(BeClosed())
		fatal := run.logs.index("nsexec-0", "broken sync channel")
		Expect(fatal).To(BeNumerically(">=", 0))
		Expect(run.logs.Records()[fatal].Level).To(Equal("fatal"))
	})

	It("rejects a malformed config", func() {
		run := startNsexec(true)
		msg := EncodeConfig(&Config{})
		msg[4] = 1 // message type
		run.bootstrap(msg)

		var err error
		Eventually(run.exited).Within(5 * time.Second).Should(Receive(&err))
		Expect(err).To(MatchError(ContainSubstring("exit status 1")))
		Eventually(run.logs.done).Within(5 * time.Second).Should(BeClosed())
		records := run.logs.Records()
		Expect(records).NotTo(BeEmpty())
		last := records[len(records)-1]
		Expect(last.Level).To(Equal("fatal"))
		Expect(last.Msg).To(HavePrefix("nsexec["))
		Expect(last.Msg).To(ContainSubstring("unexpected netlink message type"))
	})

	It("reports fatal errors on stderr without a log pipe", func() {
		run := startNsexec(false)
		msg := EncodeConfig(&Config{})
		msg[4] = 1
		run.bootstrap(msg)

		var err error
		Eventually(run.exited).Within(5 * time.Second).Should(Receive(&err))
		Expect(err).To(HaveOccurred())
		Expect(run.stderr.String()).To(HavePrefix("FATAL: "))
		Expect(run.stderr.String()).To(ContainSubstring("unexpected netlink message type"))
	})

})
