package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

const resultColumns = `id, action_id, instance_id, attempt, result_body, exception, exception_stack, created`

// ActionResultRepository appends to workflow_action_result. Rows are never updated.
type ActionResultRepository struct {
	dialect Dialect
}

func NewActionResultRepository(dialect Dialect) *ActionResultRepository {
	return &ActionResultRepository{dialect: dialect}
}

func (r *ActionResultRepository) Save(ctx context.Context, q sqlx.ExtContext, res *domain.ActionResult) (int64, error) {
	id, err := insertReturningID(ctx, q, r.dialect, `
		INSERT INTO workflow_action_result (
			action_id, instance_id, attempt, result_body, exception, exception_stack, created
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.ActionID,
		res.InstanceID,
		res.Attempt,
		res.ResultBody,
		res.Exception,
		res.ExceptionStack,
		r.dialect.timeArg(res.Created),
	)
	if err != nil {
		return 0, fmt.Errorf("insert action result: %w", err)
	}
	res.ID = id
	return id, nil
}

func (r *ActionResultRepository) CountByActionID(ctx context.Context, q sqlx.ExtContext, actionID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, q.Rebind(`SELECT COUNT(*) FROM workflow_action_result WHERE action_id = ?`), actionID)
	return n, err
}

// FindAllByInstanceID returns every result of the instance ordered by action then attempt.
func (r *ActionResultRepository) FindAllByInstanceID(ctx context.Context, q sqlx.ExtContext, instanceID int64) ([]domain.ActionResult, error) {
	var results []domain.ActionResult
	err := sqlx.SelectContext(ctx, q, &results, q.Rebind(`
		SELECT `+resultColumns+`
		FROM workflow_action_result
		WHERE instance_id = ?
		ORDER BY action_id ASC, attempt ASC`), instanceID)
	return results, err
}
