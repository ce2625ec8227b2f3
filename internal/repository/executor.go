package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

// ExecutorRepository provides persistence for the executors table.
type ExecutorRepository struct {
	dialect Dialect
}

func NewExecutorRepository(dialect Dialect) *ExecutorRepository {
	return &ExecutorRepository{dialect: dialect}
}

// Save inserts a new executor row and returns its ID. LastActive defaults to Started.
func (r *ExecutorRepository) Save(ctx context.Context, q sqlx.ExtContext, e *domain.Executor) (int64, error) {
	if e.LastActive.IsZero() {
		e.LastActive = e.Started
	}
	id, err := insertReturningID(ctx, q, r.dialect,
		`INSERT INTO executors (name, started, last_active) VALUES (?, ?, ?)`,
		e.Name, r.dialect.timeArg(e.Started), r.dialect.timeArg(e.LastActive))
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

func (r *ExecutorRepository) UpdateLastActive(ctx context.Context, q sqlx.ExtContext, id int64, ts time.Time) error {
	_, err := q.ExecContext(ctx, q.Rebind(`UPDATE executors SET last_active = ? WHERE id = ?`), r.dialect.timeArg(ts), id)
	return err
}

func (r *ExecutorRepository) GetExecutorsByLastActive(ctx context.Context, q sqlx.ExtContext, limit int) ([]domain.Executor, error) {
	var executors []domain.Executor
	err := sqlx.SelectContext(ctx, q, &executors, q.Rebind(`
		SELECT id, name, started, last_active
		FROM executors
		ORDER BY last_active DESC
		LIMIT ?`), limit)
	return executors, err
}
