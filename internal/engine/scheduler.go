package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

// Scheduler pulls ready actions, claims them and feeds a fixed pool of workers. The
// number of claimed but unfinished actions never exceeds Config.MaxConcurrency.
type Scheduler struct {
	store      Store
	sm         *StateMachine
	executor   *Executor
	events     *EventBus
	cfg        Config
	executorID int64

	wakeup   chan struct{}
	work     chan domain.Action
	fatal    chan error
	inFlight atomic.Int32
}

func NewScheduler(store Store, sm *StateMachine, executor *Executor, events *EventBus, cfg Config, executorID int64) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:      store,
		sm:         sm,
		executor:   executor,
		events:     events,
		cfg:        cfg,
		executorID: executorID,
		wakeup:     make(chan struct{}, 1),
		work:       make(chan domain.Action, cfg.MaxConcurrency),
		fatal:      make(chan error, 1),
	}
}

// Wakeup triggers a dispatch cycle without waiting for the next tick.
func (s *Scheduler) Wakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// InFlight is the number of claimed actions that have not been recorded yet.
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// Run dispatches until ctx is done, then waits for in-flight attempts to be recorded.
// It returns the store error that exhausted its retries, or nil on a clean shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	slog.InfoContext(ctx, "Starting scheduler", "workers", s.cfg.MaxConcurrency, "batch_size", s.cfg.BatchSize, "poll_interval", s.cfg.PollInterval.String())
	for i := 0; i < s.cfg.MaxConcurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	s.subscribeWakeups(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		if err := s.withStoreRetry(ctx, "dispatch", s.dispatchCycle); err != nil {
			switch {
			case ctx.Err() != nil:
				break loop
			case IsInvariantViolation(err):
				slog.ErrorContext(ctx, "Invariant violation in dispatch cycle", "error", err)
			default:
				slog.ErrorContext(ctx, "Scheduler stopping, store unavailable", "error", err)
				runErr = err
				break loop
			}
		}
		select {
		case <-ctx.Done():
			break loop
		case err := <-s.fatal:
			runErr = err
			break loop
		case <-ticker.C:
		case <-s.wakeup:
		}
	}

	close(s.work)
	wg.Wait()
	if runErr == nil {
		select {
		case runErr = <-s.fatal:
		default:
		}
	}
	slog.InfoContext(ctx, "Scheduler stopped")
	return runErr
}

func (s *Scheduler) subscribeWakeups(ctx context.Context) {
	if s.events == nil {
		return
	}
	for _, topic := range []string{TopicInstanceSubmitted, TopicActionQueued} {
		events, err := s.events.Subscribe(ctx, topic)
		if err != nil {
			slog.WarnContext(ctx, "Failed to subscribe to events, relying on polling", "topic", topic, "error", err)
			continue
		}
		go func() {
			for range events {
				s.Wakeup()
			}
		}()
	}
}

// dispatchCycle promotes due retries, then claims as many ready actions as there are
// free workers, oldest queued first.
func (s *Scheduler) dispatchCycle(ctx context.Context) error {
	if _, err := s.sm.PromoteDueRetries(ctx, s.cfg.BatchSize); err != nil {
		return err
	}
	free := s.cfg.MaxConcurrency - s.InFlight()
	if free <= 0 {
		slog.DebugContext(ctx, "All workers busy, skipping dispatch")
		return nil
	}
	ready, err := s.store.FindReadyActions(ctx, min(free, s.cfg.BatchSize))
	if err != nil {
		return err
	}
	for _, a := range ready {
		claimed, ok, err := s.sm.Claim(ctx, a, s.executorID)
		if err != nil {
			if IsInvariantViolation(err) {
				slog.ErrorContext(ctx, "Invariant violation while claiming action", "action_id", a.ID, "error", err)
				continue
			}
			return err
		}
		if !ok {
			slog.DebugContext(ctx, "Action claimed elsewhere", "action_id", a.ID)
			continue
		}
		s.inFlight.Add(1)
		s.work <- *claimed
	}
	return nil
}

func (s *Scheduler) worker(ctx context.Context, workerID int) {
	// attempts outlive the scheduler's context so shutdown never abandons a claimed action
	execCtx := context.WithoutCancel(ctx)
	for a := range s.work {
		slog.DebugContext(ctx, "Worker starting action", "worker_id", workerID, "action_id", a.ID, "attempt", a.RetryCurrentAttempt)
		out := s.executor.Execute(execCtx, a)
		err := s.withStoreRetry(execCtx, "record outcome", func(ctx context.Context) error {
			return s.sm.RecordOutcome(ctx, a, out)
		})
		s.inFlight.Add(-1)
		switch {
		case err == nil:
		case IsInvariantViolation(err):
			slog.ErrorContext(ctx, "Invariant violation while recording outcome", "action_id", a.ID, "error", err)
		default:
			select {
			case s.fatal <- fmt.Errorf("record outcome of action %d: %w", a.ID, err):
			default:
			}
		}
		s.Wakeup()
	}
}

// withStoreRetry retries fn with exponential backoff. Invariant violations and
// cancellation are returned at once.
func (s *Scheduler) withStoreRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(s.cfg.StoreMaxRetries), retry.NewExponential(s.cfg.StoreRetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || IsInvariantViolation(err) || ctx.Err() != nil {
			return err
		}
		slog.WarnContext(ctx, "Store operation failed, retrying", "op", op, "error", err)
		return retry.RetryableError(err)
	})
}
