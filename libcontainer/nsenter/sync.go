package nsenter

import (
	"errors"
	"fmt"
	"io"

	"github.com/vishvananda/netlink/nl"
)

// syncT is the fixed-size tag of a sync message. Every exchange is a request
// answered by its own ack; nothing is pipelined.
type syncT uint32

const (
	syncUsermapPls  syncT = 0x40 // Request parent to map our users.
	syncUsermapAck  syncT = 0x41 // Mapping finished by the parent.
	syncRecvPidPls  syncT = 0x42 // Tell parent we're sending the PID.
	syncRecvPidAck  syncT = 0x43 // PID was correctly received by parent.
	syncGrandchild  syncT = 0x44 // The grandchild is ready to run.
	syncChildFinish syncT = 0x45 // The child or grandchild has finished.
)

func (s syncT) String() string {
	switch s {
	case syncUsermapPls:
		return "SYNC_USERMAP_PLS"
	case syncUsermapAck:
		return "SYNC_USERMAP_ACK"
	case syncRecvPidPls:
		return "SYNC_RECVPID_PLS"
	case syncRecvPidAck:
		return "SYNC_RECVPID_ACK"
	case syncGrandchild:
		return "SYNC_GRANDCHILD"
	case syncChildFinish:
		return "SYNC_CHILD_FINISH"
	}
	return fmt.Sprintf("%#x", uint32(s))
}

const (
	syncSize = 4
	pidSize  = 4
)

var (
	errBrokenSync     = errors.New("broken sync channel")
	errUnexpectedSync = errors.New("unexpected sync value")
)

func writeFull(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return fmt.Errorf("%w: %v", errBrokenSync, err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: short write (%d != %d)", errBrokenSync, n, len(b))
	}
	return nil
}

func readFull(r io.Reader, b []byte) error {
	if n, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: end of stream after %d bytes", errBrokenSync, n)
		}
		return fmt.Errorf("%w: %v", errBrokenSync, err)
	}
	return nil
}

func writeSync(w io.Writer, s syncT) error {
	var b [syncSize]byte
	nl.NativeEndian().PutUint32(b[:], uint32(s))
	if err := writeFull(w, b[:]); err != nil {
		return fmt.Errorf("write(%s): %w", s, err)
	}
	return nil
}

func readSync(r io.Reader) (syncT, error) {
	var b [syncSize]byte
	if err := readFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("next state: %w", err)
	}
	return syncT(nl.NativeEndian().Uint32(b[:])), nil
}

// expectSync reads the next message and fails unless it is want.
func expectSync(r io.Reader, want syncT) error {
	s, err := readSync(r)
	if err != nil {
		return fmt.Errorf("read(%s): %w", want, err)
	}
	if s != want {
		return fmt.Errorf("%w: %s: got %s", errUnexpectedSync, want, s)
	}
	return nil
}

// writePid sends the raw pid payload that follows SYNC_RECVPID_PLS.
func writePid(w io.Writer, pid int) error {
	var b [pidSize]byte
	nl.NativeEndian().PutUint32(b[:], uint32(int32(pid)))
	if err := writeFull(w, b[:]); err != nil {
		return fmt.Errorf("write(pid): %w", err)
	}
	return nil
}

func readPid(r io.Reader) (int, error) {
	var b [pidSize]byte
	if err := readFull(r, b[:]); err != nil {
		return -1, fmt.Errorf("read(pid): %w", err)
	}
	return int(int32(nl.NativeEndian().Uint32(b[:]))), nil
}
