package domain

// QueableStatus is the lifecycle position shared by actions and, derived, by instances.
type QueableStatus string

const (
	StatusQueued    QueableStatus = "QUEUED"
	StatusRunning   QueableStatus = "RUNNING"
	StatusSucceeded QueableStatus = "SUCCEEDED"
	StatusFailed    QueableStatus = "FAILED"
	StatusRetrying  QueableStatus = "RETRYING"
	StatusCancelled QueableStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is permitted out of s.
func (s QueableStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s QueableStatus) String() string { return string(s) }

// ExecutionMode controls which queued actions of an instance are eligible for dispatch.
type ExecutionMode string

const (
	// ModeSequential only releases an action once every lower-indexed action has succeeded.
	ModeSequential ExecutionMode = "SEQUENTIAL"
	// ModeParallel releases every queued action of the instance.
	ModeParallel ExecutionMode = "PARALLEL"
)
