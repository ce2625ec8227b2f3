package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

const actionColumns = `id, instance_id, action_index, action_type, input_body, status, queued_at, retry_at,
	started_datetime, ended_datetime, retry_current_attempt, retry_max_attempts, executor_id, created`

// WorkflowActionRepository provides methods to persist and query workflow action records.
type WorkflowActionRepository struct {
	dialect Dialect
}

func NewWorkflowActionRepository(dialect Dialect) *WorkflowActionRepository {
	return &WorkflowActionRepository{dialect: dialect}
}

// Save inserts a new action and returns its ID. Index must already be assigned.
func (r *WorkflowActionRepository) Save(ctx context.Context, q sqlx.ExtContext, a *domain.Action) (int64, error) {
	id, err := insertReturningID(ctx, q, r.dialect, `
		INSERT INTO workflow_action (
			instance_id, action_index, action_type, input_body, status, queued_at, retry_at,
			started_datetime, ended_datetime, retry_current_attempt, retry_max_attempts, executor_id, created
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.InstanceID,
		a.Index,
		a.ActionType,
		a.InputBody,
		string(a.Status),
		r.dialect.timeArg(a.QueuedAt),
		r.dialect.nullTimeArg(a.RetryAt),
		r.dialect.nullTimeArg(a.StartedDatetime),
		r.dialect.nullTimeArg(a.EndedDatetime),
		a.RetryCurrentAttempt,
		a.RetryMaxAttempts,
		a.ExecutorID,
		r.dialect.timeArg(a.Created),
	)
	if err != nil {
		return 0, fmt.Errorf("insert workflow action: %w", err)
	}
	a.ID = id
	return id, nil
}

func (r *WorkflowActionRepository) findOne(ctx context.Context, q sqlx.ExtContext, id int64, lock bool) (*domain.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM workflow_action WHERE id = ?`
	if lock {
		query += r.dialect.forUpdate()
	}
	var a domain.Action
	if err := sqlx.GetContext(ctx, q, &a, q.Rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrActionNotFound
		}
		return nil, err
	}
	return &a, nil
}

// FindByID fetches a single workflow action by its ID.
func (r *WorkflowActionRepository) FindByID(ctx context.Context, q sqlx.ExtContext, id int64) (*domain.Action, error) {
	return r.findOne(ctx, q, id, false)
}

func (r *WorkflowActionRepository) FindByIDForUpdate(ctx context.Context, q sqlx.ExtContext, id int64) (*domain.Action, error) {
	return r.findOne(ctx, q, id, true)
}

// FindAllByInstanceID returns the actions of an instance in index order.
func (r *WorkflowActionRepository) FindAllByInstanceID(ctx context.Context, q sqlx.ExtContext, instanceID int64) ([]domain.Action, error) {
	var actions []domain.Action
	err := sqlx.SelectContext(ctx, q, &actions, q.Rebind(`
		SELECT `+actionColumns+`
		FROM workflow_action
		WHERE instance_id = ?
		ORDER BY action_index ASC`), instanceID)
	return actions, err
}

func (r *WorkflowActionRepository) NextIndex(ctx context.Context, q sqlx.ExtContext, instanceID int64) (int, error) {
	var next int
	err := sqlx.GetContext(ctx, q, &next, q.Rebind(`
		SELECT COALESCE(MAX(action_index), -1) + 1
		FROM workflow_action
		WHERE instance_id = ?`), instanceID)
	return next, err
}

// CompareAndSetStatus applies t as a single conditional UPDATE and reports whether it matched.
func (r *WorkflowActionRepository) CompareAndSetStatus(ctx context.Context, q sqlx.ExtContext, t domain.ActionTransition) (bool, error) {
	sets := []string{"status = ?"}
	args := []any{string(t.To)}

	switch t.To {
	case domain.StatusRunning:
		sets = append(sets,
			"retry_current_attempt = retry_current_attempt + 1",
			"started_datetime = ?",
			"ended_datetime = NULL",
			"executor_id = ?")
		args = append(args, r.dialect.timeArg(t.At), nullInt64(t.ExecutorID))
	case domain.StatusRetrying:
		sets = append(sets, "retry_at = ?")
		args = append(args, r.dialect.timeArg(t.RetryAt))
	case domain.StatusQueued:
		sets = append(sets, "queued_at = ?", "retry_at = NULL")
		args = append(args, r.dialect.timeArg(t.At))
	}
	if t.From == domain.StatusRunning {
		sets = append(sets, "ended_datetime = ?")
		args = append(args, r.dialect.timeArg(t.At))
	}

	where := []string{"id = ?", "status = ?"}
	args = append(args, t.ActionID, string(t.From))
	if t.From == domain.StatusRunning {
		where = append(where, "retry_current_attempt = ?")
		args = append(args, t.Attempt)
	}
	if t.To == domain.StatusRunning {
		where = append(where, "retry_current_attempt < COALESCE(retry_max_attempts, 1)")
	}
	if t.To != domain.StatusCancelled {
		// a pending cancellation beats every other transition
		where = append(where, `NOT EXISTS (
			SELECT 1 FROM workflow_instance i
			WHERE i.id = workflow_action.instance_id AND i.cancel_requested = 1)`)
	}

	query := `UPDATE workflow_action SET ` + strings.Join(sets, ", ") + ` WHERE ` + strings.Join(where, " AND ")
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FindReady returns QUEUED actions that may be dispatched now, oldest queued_at first.
// In SEQUENTIAL instances an action waits until every lower index has succeeded.
func (r *WorkflowActionRepository) FindReady(ctx context.Context, q sqlx.ExtContext, limit int) ([]domain.Action, error) {
	var actions []domain.Action
	err := sqlx.SelectContext(ctx, q, &actions, q.Rebind(`
		SELECT `+prefixColumns(actionColumns, "a")+`
		FROM workflow_action a
		JOIN workflow_instance i ON i.id = a.instance_id
		WHERE a.status = 'QUEUED'
		  AND i.cancel_requested = 0
		  AND i.status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')
		  AND (i.execution_mode = 'PARALLEL' OR NOT EXISTS (
		      SELECT 1
		      FROM workflow_action p
		      WHERE p.instance_id = a.instance_id
		        AND p.action_index < a.action_index
		        AND p.status <> 'SUCCEEDED'
		  ))
		ORDER BY a.queued_at ASC, a.id ASC
		LIMIT ?`), limit)
	return actions, err
}

func (r *WorkflowActionRepository) FindDueRetries(ctx context.Context, q sqlx.ExtContext, now time.Time, limit int) ([]domain.Action, error) {
	var actions []domain.Action
	err := sqlx.SelectContext(ctx, q, &actions, q.Rebind(`
		SELECT `+actionColumns+`
		FROM workflow_action
		WHERE status = 'RETRYING'
		  AND `+r.dialect.compareTime("retry_at", "<=")+`
		ORDER BY retry_at ASC, id ASC
		LIMIT ?`), r.dialect.timeArg(now), limit)
	return actions, err
}

// FindStuck returns RUNNING actions started before cutoff whose executor is unknown
// or has not been active since cutoff.
func (r *WorkflowActionRepository) FindStuck(ctx context.Context, q sqlx.ExtContext, cutoff time.Time, limit int) ([]domain.Action, error) {
	var actions []domain.Action
	err := sqlx.SelectContext(ctx, q, &actions, q.Rebind(`
		SELECT `+prefixColumns(actionColumns, "a")+`
		FROM workflow_action a
		WHERE a.status = 'RUNNING'
		  AND `+r.dialect.compareTime("a.started_datetime", "<")+`
		  AND (a.executor_id IS NULL OR a.executor_id NOT IN (
		      SELECT e.id
		      FROM executors e
		      WHERE `+r.dialect.compareTime("e.last_active", ">")+`
		  ))
		ORDER BY a.started_datetime ASC, a.id ASC
		LIMIT ?`), r.dialect.timeArg(cutoff), r.dialect.timeArg(cutoff), limit)
	return actions, err
}
