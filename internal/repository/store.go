package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/core"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

// errLostRace rolls a transaction back when its compare-and-set did not match.
var errLostRace = errors.New("compare-and-set lost")

// SQLStore implements the engine's persistence contract on postgres, mysql or sqlite.
type SQLStore struct {
	db        *sqlx.DB
	dialect   Dialect
	clock     core.Clock
	instances *WorkflowInstanceRepository
	actions   *WorkflowActionRepository
	results   *ActionResultRepository
	executors *ExecutorRepository
}

func NewSQLStore(db *sqlx.DB, clock core.Clock) *SQLStore {
	dialect := dialectForDriver(db.DriverName())
	return &SQLStore{
		db:        db,
		dialect:   dialect,
		clock:     clock,
		instances: NewWorkflowInstanceRepository(dialect),
		actions:   NewWorkflowActionRepository(dialect),
		results:   NewActionResultRepository(dialect),
		executors: NewExecutorRepository(dialect),
	}
}

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) withTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.ErrorContext(ctx, "Failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// insertReturningID runs an INSERT and returns the generated id, using RETURNING where
// the dialect has it and LastInsertId elsewhere.
func insertReturningID(ctx context.Context, q sqlx.ExtContext, dialect Dialect, query string, args ...any) (int64, error) {
	if dialect.supportsReturning() {
		var id int64
		err := q.QueryRowxContext(ctx, q.Rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLStore) CreateInstance(ctx context.Context, inst *domain.WorkflowInstance, actions []domain.Action) (*domain.WorkflowInstance, error) {
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		if _, err := s.instances.Save(ctx, tx, inst); err != nil {
			return err
		}
		for i := range actions {
			actions[i].InstanceID = inst.ID
			actions[i].Index = i
			if _, err := s.actions.Save(ctx, tx, &actions[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *SQLStore) FindInstance(ctx context.Context, id int64) (*domain.WorkflowInstance, error) {
	return s.instances.FindByID(ctx, s.db, id)
}

func (s *SQLStore) FindInstanceByExternalID(ctx context.Context, externalID string) (*domain.WorkflowInstance, error) {
	return s.instances.FindByExternalId(ctx, s.db, externalID)
}

func (s *SQLStore) FindAction(ctx context.Context, id int64) (*domain.Action, error) {
	return s.actions.FindByID(ctx, s.db, id)
}

func (s *SQLStore) AppendAction(ctx context.Context, instanceID int64, a *domain.Action) (*domain.Action, error) {
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		inst, err := s.instances.FindByIDForUpdate(ctx, tx, instanceID)
		if err != nil {
			return fmt.Errorf("append action to instance %d: %w", instanceID, err)
		}
		if inst.Status.IsTerminal() {
			return fmt.Errorf("append action to instance %d (%s): %w", instanceID, inst.Status, domain.ErrInstanceTerminal)
		}
		next, err := s.actions.NextIndex(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		a.InstanceID = instanceID
		a.Index = next
		_, err = s.actions.Save(ctx, tx, a)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLStore) LoadInstanceGraph(ctx context.Context, instanceID int64) (*domain.InstanceGraph, error) {
	var graph domain.InstanceGraph
	err := s.withTx(ctx, s.dialect.readTxOptions(), func(tx *sqlx.Tx) error {
		inst, err := s.instances.FindByID(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		graph.Instance = *inst
		if graph.Actions, err = s.actions.FindAllByInstanceID(ctx, tx, instanceID); err != nil {
			return err
		}
		graph.Results, err = s.results.FindAllByInstanceID(ctx, tx, instanceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &graph, nil
}

func (s *SQLStore) CompareAndSetActionStatus(ctx context.Context, t domain.ActionTransition) (bool, error) {
	return s.actions.CompareAndSetStatus(ctx, s.db, t)
}

// checkResultCount enforces results(action) == attempt - 1 before a result is appended.
func (s *SQLStore) checkResultCount(ctx context.Context, tx *sqlx.Tx, actionID int64, attempt int) error {
	count, err := s.results.CountByActionID(ctx, tx, actionID)
	if err != nil {
		return err
	}
	if count != attempt-1 {
		return fmt.Errorf("action %d has %d results at attempt %d: %w", actionID, count, attempt, domain.ErrInvariantViolation)
	}
	return nil
}

func (s *SQLStore) AppendActionResult(ctx context.Context, actionID int64, r *domain.ActionResult) (*domain.ActionResult, error) {
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		a, err := s.actions.FindByIDForUpdate(ctx, tx, actionID)
		if err != nil {
			return err
		}
		if a.RetryCurrentAttempt < 1 {
			return fmt.Errorf("action %d has not started: %w", actionID, domain.ErrInvariantViolation)
		}
		if err := s.checkResultCount(ctx, tx, actionID, a.RetryCurrentAttempt); err != nil {
			return err
		}
		r.ActionID = a.ID
		r.InstanceID = a.InstanceID
		r.Attempt = a.RetryCurrentAttempt
		_, err = s.results.Save(ctx, tx, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLStore) RecordAttempt(ctx context.Context, t domain.ActionTransition, r *domain.ActionResult) (bool, error) {
	if t.From != domain.StatusRunning {
		return false, fmt.Errorf("record attempt from %s: %w", t.From, domain.ErrInvalidTransition)
	}
	err := s.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		a, err := s.actions.FindByIDForUpdate(ctx, tx, t.ActionID)
		if err != nil {
			return err
		}
		if a.Status != domain.StatusRunning || a.RetryCurrentAttempt != t.Attempt {
			return errLostRace
		}
		if err := s.checkResultCount(ctx, tx, a.ID, t.Attempt); err != nil {
			return err
		}
		r.ActionID = a.ID
		r.InstanceID = a.InstanceID
		r.Attempt = t.Attempt
		if _, err := s.results.Save(ctx, tx, r); err != nil {
			return err
		}
		ok, err := s.actions.CompareAndSetStatus(ctx, tx, t)
		if err != nil {
			return err
		}
		if !ok {
			return errLostRace
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) RequestCancel(ctx context.Context, instanceID int64) error {
	ok, err := s.instances.MarkCancelRequested(ctx, s.db, instanceID, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		// mysql reports unchanged rows as unaffected
		_, err = s.instances.FindByID(ctx, s.db, instanceID)
		return err
	}
	return nil
}

func (s *SQLStore) UpdateInstanceStatus(ctx context.Context, u domain.InstanceUpdate) (bool, error) {
	return s.instances.UpdateStatus(ctx, s.db, u)
}

func (s *SQLStore) FindReadyActions(ctx context.Context, limit int) ([]domain.Action, error) {
	return s.actions.FindReady(ctx, s.db, limit)
}

func (s *SQLStore) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Action, error) {
	return s.actions.FindDueRetries(ctx, s.db, now, limit)
}

func (s *SQLStore) FindStuckActions(ctx context.Context, cutoff time.Time, limit int) ([]domain.Action, error) {
	return s.actions.FindStuck(ctx, s.db, cutoff, limit)
}

func (s *SQLStore) SaveExecutor(ctx context.Context, e *domain.Executor) (int64, error) {
	return s.executors.Save(ctx, s.db, e)
}

func (s *SQLStore) UpdateLastActive(ctx context.Context, id int64, ts time.Time) error {
	return s.executors.UpdateLastActive(ctx, s.db, id, ts)
}

func (s *SQLStore) ListExecutors(ctx context.Context, limit int) ([]domain.Executor, error) {
	return s.executors.GetExecutorsByLastActive(ctx, s.db, limit)
}
