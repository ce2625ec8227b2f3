package engine

import (
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

const (
	triggerDispatch       = "dispatch"
	triggerSucceed        = "succeed"
	triggerRetry          = "retry"
	triggerGiveUp         = "give_up"
	triggerBackoffElapsed = "backoff_elapsed"
	triggerCancel         = "cancel"
)

// triggerInto names the event that moves an action into status to.
var triggerInto = map[domain.QueableStatus]string{
	domain.StatusRunning:   triggerDispatch,
	domain.StatusSucceeded: triggerSucceed,
	domain.StatusRetrying:  triggerRetry,
	domain.StatusFailed:    triggerGiveUp,
	domain.StatusQueued:    triggerBackoffElapsed,
	domain.StatusCancelled: triggerCancel,
}

// newActionStateMachine builds the action lifecycle positioned at from.
// Terminal statuses have no configured exits.
func newActionStateMachine(from domain.QueableStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)

	sm.Configure(domain.StatusQueued).
		Permit(triggerDispatch, domain.StatusRunning).
		Permit(triggerCancel, domain.StatusCancelled)

	sm.Configure(domain.StatusRunning).
		Permit(triggerSucceed, domain.StatusSucceeded).
		Permit(triggerRetry, domain.StatusRetrying).
		Permit(triggerGiveUp, domain.StatusFailed).
		Permit(triggerCancel, domain.StatusCancelled)

	sm.Configure(domain.StatusRetrying).
		Permit(triggerBackoffElapsed, domain.StatusQueued).
		Permit(triggerCancel, domain.StatusCancelled)

	return sm
}

// ValidateTransition reports domain.ErrInvalidTransition unless the lifecycle permits from -> to.
func ValidateTransition(from, to domain.QueableStatus) error {
	trigger, ok := triggerInto[to]
	if !ok {
		return fmt.Errorf("unknown status %q: %w", to, domain.ErrInvalidTransition)
	}
	sm := newActionStateMachine(from)
	if err := sm.Fire(trigger); err != nil {
		return fmt.Errorf("%s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}
	if got := sm.MustState(); got != to {
		return fmt.Errorf("%s -> %s landed in %v: %w", from, to, got, domain.ErrInvalidTransition)
	}
	return nil
}
