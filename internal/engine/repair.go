package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/core"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

const repairBatchSize = 100

// RepairService finds RUNNING actions whose executor stopped heartbeating and fails
// the abandoned attempt, which hands the action back to the retry policy.
type RepairService struct {
	store       Store
	sm          *StateMachine
	clock       core.Clock
	repairAfter time.Duration
	executorID  int64
}

func NewRepairService(store Store, sm *StateMachine, clock core.Clock, repairAfter time.Duration, executorID int64) *RepairService {
	return &RepairService{store: store, sm: sm, clock: clock, repairAfter: repairAfter, executorID: executorID}
}

// RepairStuckActions returns the number of abandoned attempts it recorded.
func (r *RepairService) RepairStuckActions(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.repairAfter)
	stuck, err := r.store.FindStuckActions(ctx, cutoff, repairBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find stuck actions: %w", err)
	}
	repaired := 0
	for _, a := range stuck {
		slog.WarnContext(ctx, "Repairing stuck action", "action_id", a.ID, "instance_id", a.InstanceID,
			"attempt", a.RetryCurrentAttempt, "previous_executor", a.ExecutorID.Int64)
		msg := fmt.Sprintf("execution abandoned: executor %d stopped heartbeating, repaired by executor %d", a.ExecutorID.Int64, r.executorID)
		out := Outcome{Failed: true, Exception: msg, ExceptionStack: msg}
		if err := r.sm.RecordOutcome(ctx, a, out); err != nil {
			slog.ErrorContext(ctx, "Failed to repair stuck action", "action_id", a.ID, "error", err)
			continue
		}
		repaired++
	}
	return repaired, nil
}

// Start schedules RepairStuckActions on schedule until ctx is done. Runs never overlap.
func (r *RepairService) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		n, err := r.RepairStuckActions(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "Error finding stuck actions", "error", err)
			return
		}
		if n > 0 {
			slog.InfoContext(ctx, "Repaired stuck actions", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule stuck action repair %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		slog.InfoContext(ctx, "Stuck action repair stopped")
	}()
	return nil
}

// registerExecutorInstance saves this process as an executor and heartbeats it until ctx is done.
func registerExecutorInstance(ctx context.Context, repo ExecutorRepo, clock core.Clock, name string, interval time.Duration) (int64, error) {
	now := clock.Now()
	id, err := repo.SaveExecutor(ctx, &domain.Executor{Name: name, Started: now, LastActive: now})
	if err != nil {
		return 0, fmt.Errorf("register executor: %w", err)
	}
	slog.InfoContext(ctx, "Registered executor", "executor_id", id, "name", name)

	go func() {
		hb := time.NewTicker(interval)
		defer hb.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hb.C:
				if err := repo.UpdateLastActive(ctx, id, clock.Now()); err != nil {
					slog.ErrorContext(ctx, "Failed to update executor last_active", "executor_id", id, "error", err)
				} else {
					slog.DebugContext(ctx, "Updated executor last_active", "executor_id", id)
				}
			}
		}
	}()
	return id, nil
}
