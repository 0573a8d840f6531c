package nsenter

import (
	"os"

	"github.com/simple_nsexec/libcontainer/utils"
)

// syncPipe owns one end of a sync channel. Close is idempotent so that every
// end is closed exactly once, whichever path the stage takes.
type syncPipe struct {
	f *os.File
}

func newSyncPipe(f *os.File) *syncPipe {
	if f == nil {
		return nil
	}
	return &syncPipe{f: f}
}

func (p *syncPipe) Read(b []byte) (int, error) {
	return p.f.Read(b)
}

func (p *syncPipe) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// File returns the underlying file, for handing the end to a descendant.
func (p *syncPipe) File() *os.File {
	return p.f
}

func (p *syncPipe) Close() error {
	if p == nil || p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}

// pipePair is a sync channel before its ownership is decided: the parent end
// stays with the creating stage, the child end goes to the descendant.
type pipePair struct {
	parent *syncPipe
	child  *syncPipe
}

func newPipePair(name string) (*pipePair, error) {
	parent, child, err := utils.NewSockPair(name)
	if err != nil {
		return nil, err
	}
	return &pipePair{parent: newSyncPipe(parent), child: newSyncPipe(child)}, nil
}

// split takes one end and closes the other. The pair is empty afterwards, so
// a second split yields nil.
func (p *pipePair) split(keepParent bool) (*syncPipe, error) {
	keep, drop := p.parent, p.child
	if !keepParent {
		keep, drop = p.child, p.parent
	}
	p.parent, p.child = nil, nil
	if err := drop.Close(); err != nil {
		_ = keep.Close()
		return nil, err
	}
	return keep, nil
}

// Close closes whatever ends the pair still holds.
func (p *pipePair) Close() error {
	if p == nil {
		return nil
	}
	perr := p.parent.Close()
	cerr := p.child.Close()
	p.parent, p.child = nil, nil
	if perr != nil {
		return perr
	}
	return cerr
}
