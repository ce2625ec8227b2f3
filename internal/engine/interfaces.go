package engine

import (
	"context"
	"time"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

// Store is the persistence contract the engine runs on. Implementations must make
// every status transition and result append atomic with respect to one action.
// A lost compare-and-set is reported as false with a nil error.
type Store interface {
	// CreateInstance inserts inst and its initial actions in one transaction and
	// fills in the generated ids.
	CreateInstance(ctx context.Context, inst *domain.WorkflowInstance, actions []domain.Action) (*domain.WorkflowInstance, error)
	FindInstance(ctx context.Context, id int64) (*domain.WorkflowInstance, error)
	FindInstanceByExternalID(ctx context.Context, externalID string) (*domain.WorkflowInstance, error)
	FindAction(ctx context.Context, id int64) (*domain.Action, error)
	// AppendAction assigns the next index within the instance. It fails with
	// domain.ErrInstanceNotFound or domain.ErrInstanceTerminal.
	AppendAction(ctx context.Context, instanceID int64, a *domain.Action) (*domain.Action, error)
	// LoadInstanceGraph reads the instance, its actions and all results as one snapshot.
	LoadInstanceGraph(ctx context.Context, instanceID int64) (*domain.InstanceGraph, error)

	// CompareAndSetActionStatus applies t only while the action is still in t.From.
	// Targets other than CANCELLED also require the instance to have no pending cancellation.
	CompareAndSetActionStatus(ctx context.Context, t domain.ActionTransition) (bool, error)
	// AppendActionResult appends the result of the action's current attempt.
	AppendActionResult(ctx context.Context, actionID int64, r *domain.ActionResult) (*domain.ActionResult, error)
	// RecordAttempt appends r and then applies t (which must leave RUNNING) in one transaction.
	// Nothing is written when the compare-and-set loses.
	RecordAttempt(ctx context.Context, t domain.ActionTransition, r *domain.ActionResult) (bool, error)

	RequestCancel(ctx context.Context, instanceID int64) error
	// UpdateInstanceStatus writes a derived status. Terminal instances are never modified.
	UpdateInstanceStatus(ctx context.Context, u domain.InstanceUpdate) (bool, error)

	// FindReadyActions returns dispatchable QUEUED actions, oldest queued_at first.
	FindReadyActions(ctx context.Context, limit int) ([]domain.Action, error)
	FindDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Action, error)
	// FindStuckActions returns RUNNING actions started before cutoff whose executor has
	// not been active since cutoff.
	FindStuckActions(ctx context.Context, cutoff time.Time, limit int) ([]domain.Action, error)
}

// ExecutorRepo persists engine processes and their heartbeats.
type ExecutorRepo interface {
	SaveExecutor(ctx context.Context, e *domain.Executor) (int64, error)
	UpdateLastActive(ctx context.Context, id int64, ts time.Time) error
	ListExecutors(ctx context.Context, limit int) ([]domain.Executor, error)
}
