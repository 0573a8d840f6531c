package nsenter

import "strconv"

// Stage is the logical phase of the namespace setup. Every stage is bound to
// exactly one process of the tree.
type Stage int

const (
	// StageSetup is the uninitialized stage of the process started by the
	// runtime, before it creates its first descendant.
	StageSetup Stage = -1
	// StageParent is the process started by the runtime once the first
	// descendant exists. It writes the id maps and reports the pids.
	StageParent Stage = 0
	// StageChild is the first descendant. It enters the user namespace and
	// unshares the remaining namespaces.
	StageChild Stage = 1
	// StageInit is the second descendant and the future container init.
	StageInit Stage = 2
)

func (s Stage) String() string {
	switch s {
	case StageSetup:
		return "setup"
	case StageParent:
		return "parent"
	case StageChild:
		return "child"
	case StageInit:
		return "init"
	}
	return "stage(" + strconv.Itoa(int(s)) + ")"
}

// tag is the prefix used in log records.
func (s Stage) tag() string {
	if s == StageSetup {
		return "nsexec"
	}
	return "nsexec-" + strconv.Itoa(int(s))
}

// procName is the name set with PR_SET_NAME.
func (s Stage) procName() string {
	switch s {
	case StageParent:
		return "nsexec:[0:PARENT]"
	case StageChild:
		return "nsexec:[1:CHILD]"
	case StageInit:
		return "nsexec:[2:INIT]"
	}
	return "nsexec"
}

func parseStage(v string) (Stage, error) {
	if v == "" {
		return StageSetup, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return StageSetup, err
	}
	s := Stage(n)
	if s != StageChild && s != StageInit {
		return StageSetup, &stageError{s}
	}
	return s, nil
}

type stageError struct{ stage Stage }

func (e *stageError) Error() string {
	return "unknown stage " + e.stage.String() + " to resume"
}
