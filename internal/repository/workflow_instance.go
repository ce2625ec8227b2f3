package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

const instanceColumns = `id, workflow_type, external_id, execution_mode, input_body, status, result_body,
	exception, exception_stack, cancel_requested, created, modified, started, ended`

// WorkflowInstanceRepository persists workflow_instance rows.
type WorkflowInstanceRepository struct {
	dialect Dialect
}

func NewWorkflowInstanceRepository(dialect Dialect) *WorkflowInstanceRepository {
	return &WorkflowInstanceRepository{dialect: dialect}
}

// cancel_requested is an integer column on every dialect; database/sql scans 0/1 into bool.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *WorkflowInstanceRepository) Save(ctx context.Context, q sqlx.ExtContext, inst *domain.WorkflowInstance) (int64, error) {
	id, err := insertReturningID(ctx, q, r.dialect, `
		INSERT INTO workflow_instance (
			workflow_type, external_id, execution_mode, input_body, status, result_body,
			exception, exception_stack, cancel_requested, created, modified, started, ended
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.WorkflowType,
		inst.ExternalID,
		string(inst.ExecutionMode),
		inst.InputBody,
		string(inst.Status),
		inst.ResultBody,
		inst.Exception,
		inst.ExceptionStack,
		boolToInt(inst.CancelRequested),
		r.dialect.timeArg(inst.Created),
		r.dialect.timeArg(inst.Modified),
		r.dialect.nullTimeArg(inst.Started),
		r.dialect.nullTimeArg(inst.Ended),
	)
	if err != nil {
		return 0, fmt.Errorf("insert workflow instance: %w", err)
	}
	inst.ID = id
	return id, nil
}

func (r *WorkflowInstanceRepository) findOne(ctx context.Context, q sqlx.ExtContext, where string, lock bool, args ...any) (*domain.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instance WHERE ` + where
	if lock {
		query += r.dialect.forUpdate()
	}
	var inst domain.WorkflowInstance
	if err := sqlx.GetContext(ctx, q, &inst, q.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, err
	}
	return &inst, nil
}

// FindByID returns domain.ErrInstanceNotFound when no row matches.
func (r *WorkflowInstanceRepository) FindByID(ctx context.Context, q sqlx.ExtContext, id int64) (*domain.WorkflowInstance, error) {
	return r.findOne(ctx, q, `id = ?`, false, id)
}

// FindByIDForUpdate locks the row for the rest of the transaction.
func (r *WorkflowInstanceRepository) FindByIDForUpdate(ctx context.Context, q sqlx.ExtContext, id int64) (*domain.WorkflowInstance, error) {
	return r.findOne(ctx, q, `id = ?`, true, id)
}

func (r *WorkflowInstanceRepository) FindByExternalId(ctx context.Context, q sqlx.ExtContext, externalID string) (*domain.WorkflowInstance, error) {
	return r.findOne(ctx, q, `external_id = ?`, false, externalID)
}

// MarkCancelRequested sets the cancellation flag. It reports whether a row matched.
func (r *WorkflowInstanceRepository) MarkCancelRequested(ctx context.Context, q sqlx.ExtContext, id int64, modified time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE workflow_instance
		SET cancel_requested = 1, modified = ?
		WHERE id = ?`), r.dialect.timeArg(modified), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateStatus writes a derived status. Rows already in a terminal status are left alone.
func (r *WorkflowInstanceRepository) UpdateStatus(ctx context.Context, q sqlx.ExtContext, u domain.InstanceUpdate) (bool, error) {
	set := `status = ?, modified = ?`
	args := []any{string(u.Status), r.dialect.timeArg(u.At)}
	if u.Status != domain.StatusQueued {
		set += `, started = COALESCE(started, ?)`
		args = append(args, r.dialect.timeArg(u.At))
	}
	if u.Status.IsTerminal() {
		set += `, ended = ?, result_body = ?, exception = ?, exception_stack = ?`
		args = append(args, r.dialect.timeArg(u.At), u.ResultBody, u.Exception, u.ExceptionStack)
	}
	args = append(args, u.InstanceID)
	res, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE workflow_instance
		SET `+set+`
		WHERE id = ? AND status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')`), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
