package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/daemonflow/internal/engine"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/core"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

type contractStore interface {
	engine.Store
	engine.ExecutorRepo
}

var (
	_ contractStore = (*SQLStore)(nil)
	_ contractStore = (*MemoryStore)(nil)
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func storeFactories() map[string]func(t *testing.T, clock core.Clock) contractStore {
	factories := map[string]func(t *testing.T, clock core.Clock) contractStore{
		"memory": func(t *testing.T, clock core.Clock) contractStore {
			return NewMemoryStore(clock)
		},
		"sqlite": func(t *testing.T, clock core.Clock) contractStore {
			db, err := OpenSQLite(filepath.Join(t.TempDir(), "daemonflow.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return NewSQLStore(db, clock)
		},
	}
	for dialect := range containerURLs {
		factories[string(dialect)] = func(t *testing.T, clock core.Clock) contractStore {
			return containerStore(t, dialect, clock)
		}
	}
	return factories
}

// forEachStore runs fn against every store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s contractStore, clock *core.FakeClock)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			clock := core.NewFakeClock(t0)
			fn(t, factory(t, clock), clock)
		})
	}
}

func newInstance(externalID string, mode domain.ExecutionMode, at time.Time) *domain.WorkflowInstance {
	return &domain.WorkflowInstance{
		WorkflowType:  "test",
		ExternalID:    externalID,
		ExecutionMode: mode,
		InputBody:     []byte(`{}`),
		Status:        domain.StatusQueued,
		Created:       at,
		Modified:      at,
	}
}

func newAction(actionType string, maxAttempts int, at time.Time) domain.Action {
	a := domain.Action{
		ActionType: actionType,
		InputBody:  []byte(`{"n":1}`),
		Status:     domain.StatusQueued,
		QueuedAt:   at,
		Created:    at,
	}
	if maxAttempts > 0 {
		a.RetryMaxAttempts = sql.NullInt64{Int64: int64(maxAttempts), Valid: true}
	}
	return a
}

func claim(t *testing.T, s contractStore, actionID int64, at time.Time) bool {
	t.Helper()
	ok, err := s.CompareAndSetActionStatus(context.Background(), domain.ActionTransition{
		ActionID: actionID, From: domain.StatusQueued, To: domain.StatusRunning, At: at, ExecutorID: 7,
	})
	require.NoError(t, err)
	return ok
}

func TestStore_CreateInstanceAssignsIdsAndIndexes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore, clock *core.FakeClock) {
		ctx := context.Background()
		inst, err := s.CreateInstance(ctx, newInstance("ext-1", domain.ModeSequential, t0),
			[]domain.Action{newAction("a", 1, t0), newAction("b", 0, t0)})
		require.NoError(t, err)
		require.NotZero(t, inst.ID)

		found, err := s.FindInstanceByExternalID(ctx, "ext-1")
		require.NoError(t, err)
		assert.Equal(t, inst.ID, found.ID)
		assert.Equal(t, domain.StatusQueued, found.Status)
		assert.False(t, found.CancelRequested)
		assert.True(t, found.Created.Equal(t0))

		graph, err := s.LoadInstanceGraph(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, graph.Actions, 2)
		assert.Equal(t, 0, graph.Actions[0].Index)
		assert.Equal(t, 1, graph.Actions[1].Index)
		assert.Equal(t, "a", graph.Actions[0].ActionType)
		assert.Equal(t, int64(1), graph.Actions[0].RetryMaxAttempts.Int64)
		assert.False(t, graph.Actions[1].RetryMaxAttempts.Valid)
		assert.Empty(t, graph.Results)

		_, err = s.FindInstance(ctx, inst.ID+100)
		assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
		_, err = s.FindAction(ctx, 9999)
		assert.ErrorIs(t, err, domain.ErrActionNotFound)
	})
}

func TestStore_AppendAction(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore, clock *core.FakeClock) {
		ctx := context.Background()
		inst, err := s.CreateInstance(ctx, newInstance("ext-append", domain.ModeSequential, t0), []domain.Action{newAction("a", 1, t0)})
		require.NoError(t, err)

		a := newAction("b", 3, t0)
		appended, err := s.AppendAction(ctx, inst.ID, &a)
		require.NoError(t, err)
		assert.Equal(t, 1, appended.Index)
		assert.Equal(t, inst.ID, appended.InstanceID)

		missing := newAction("c", 1, t0)
		_, err = s.AppendAction(ctx, inst.ID+100, &missing)
		assert.ErrorIs(t, err, domain.ErrInstanceNotFound)

		ok, err := s.UpdateInstanceStatus(ctx, domain.InstanceUpdate{InstanceID: inst.ID, Status: domain.StatusSucceeded, At: t0})
		require.NoError(t, err)
		require.True(t, ok)

		late := newAction("d", 1, t0)
		_, err = s.AppendAction(ctx, inst.ID, &late)
		assert.ErrorIs(t, err, domain.ErrInstanceTerminal)
	})
}

func TestStore_CompareAndSetClaimsOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore, clock *core.FakeClock) {
		ctx := context.Background()
		actions := []domain.Action{newAction("a", 2, t0)}
		_, err := s.CreateInstance(ctx, newInstance("ext-cas", domain.ModeParallel, t0), actions)
		require.NoError(t, err)
		id := actions[0].ID

		started := t0.Add(time.Second)
		assert.True(t, claim(t, s, id, started))
		assert.False(t, claim(t, s, id, started), "second claim must lose")

		a, err := s.FindAction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRunning, a.Status)
		assert.Equal(t, 1, a.RetryCurrentAttempt)
		assert.True(t, a.StartedDatetime.Time.Equal(started))
		assert.False(t, a.EndedDatetime.Valid)
		assert.Equal(t, int64(7), a.ExecutorID.Int64)
	})
}

func TestStore_ConcurrentClaimHasOneWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore, clock *core.FakeClock) {
		ctx := context.Background()
		actions := []domain.Action{newAction("a", 1, t0)}
		_, err := s.CreateInstance(ctx, newInstance("ext-race", domain.ModeParallel, t0), actions)
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CompareAndSetActionStatus(ctx, domain.ActionTransition{
					ActionID: actions[0].ID, From: domain.StatusQueued, To: domain.StatusRunning, At: t0,
				})
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestStore_AttemptLimitGuardsDispatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore, clock *core.FakeClock) {
		ctx := context.Background()
		actions := []domain.Action{newAction("a", 0, t0)}
		_, err := s.CreateInstance(ctx, newInstance("ext-limit", domain.ModeParallel, t0), actions)
		require.NoError(t, err)
		id := actions[0].ID

		require.True(t, claim(t, s, id, t0))
		ok, err := s.RecordAttempt(ctx, domain.ActionTransition{
			ActionID: id, From: domain.StatusRunning, To: domain.StatusRetrying, Attempt: 1, At: t0, RetryAt: t0,
		}, &domain.ActionResult{Exception: sql.NullString{String: "boom", Valid: true}, Created: t0})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.CompareAndSetActionStatus(ctx, domain.ActionTransition{
			ActionID: id, From: domain.StatusRetrying, To: domain.StatusQueued, At: t0,
		})
		require.NoError(t, err)
		require.True(t, ok)

		// a null maximum allows exactly one attempt
		assert.False(t, claim(t, s, id, t0))
	})
}

func TestStore_RecordAttempt(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore, clock *core.FakeClock) {
		ctx := context.Background()
		actions := []domain.Action{newAction("a", 3, t0)}
		inst, err := s.CreateInstance(ctx, newInstance("ext-record", domain.ModeParallel, t0), actions)
		require.NoError(t, err)
		id := actions[0].ID
		require.True(t, claim(t, s, id, t0))

		stale := domain.ActionTransition{ActionID: id, From: domain.StatusRunning, To: domain.StatusSucceeded, Attempt: 2, At: t0}
		ok, err := s.RecordAttempt(ctx, stale, &domain.ActionResult{ResultBody: []byte(`1`), Created: t0})
		require.NoError(t, err)
		assert.False(t, ok, "stale attempt must lose")

		ended := t0.Add(2 * time.Second)
		res := &domain.ActionResult{ResultBody: []byte(`{"ok":true}`), Created: ended}
		ok, err = s.RecordAttempt(ctx, domain.ActionTransition{
			ActionID: id, From: domain.StatusRunning, To: domain.StatusSucceeded, Attempt: 1, At: ended,
		}, res)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, res.Attempt)
		assert.Equal(t, inst.ID, res.InstanceID)

		graph, err := s.LoadInstanceGraph(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, graph.Results, 1)
		assert.Equal(t, []byte(`{"ok":true}`), graph.Results[0].ResultBody)
		assert.False(t, graph.Results[0].Failed())
		assert.Equal(t, domain.StatusSucceeded, graph.Actions[0].Status)
		assert.True(t, graph.Actions[0].EndedDatetime.Time.Equal(ended))

		_, err = s.RecordAttempt(ctx, domain.ActionTransition{ActionID: id, From: domain.StatusQueued, To: domain.StatusRunning}, &domain.ActionResult{})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestStore_AppendActionResultChecksAttemptCount(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore, clock *core.FakeClock) {
		ctx := context.Background()
		actions := []domain.Action{newAction("a", 2, t0)}
		_, err := s.CreateInstance(ctx, newInstance("ext-results", domain.ModeParallel, t0), actions)
		require.NoError(t, err)
		id := actions[0].ID

		_, err = s.AppendActionResult(ctx, id, &domain.ActionResult{Created: t0})
		assert.ErrorIs(t, err, domain.ErrInvariantViolation, "no attempt has started yet")

		require.True(t, claim(t, s, id, t0))
		r, err := s.AppendActionResult(ctx, id, &domain.ActionResult{ResultBody: []byte(`1`), Created: t0})
		require.NoError(t, err)
		assert.Equal(t, 1, r.Attempt)

		_, err = s.AppendActionResult(ctx, id, &domain.ActionResult{Created: t0})
		assert.ErrorIs(t, err, domain.ErrInvariantViolation, "attempt 1 already has a result")
	})
}

func TestStore_CancelRequestBeatsCompletion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore, clock *core.FakeClock) {
		ctx := context.Background()
		actions := []domain.Action{newAction("a", 1, t0), newAction("b", 1, t0)}
		inst, err := s.CreateInstance(ctx, newInstance("ext-cancel", domain.ModeParallel, t0), actions)
		require.NoError(t, err)
		require.True(t, claim(t, s, actions[0].ID, t0))

		require.NoError(t, s.RequestCancel(ctx, inst.ID))
		require.NoError(t, s.RequestCancel(ctx, inst.ID), "cancel is idempotent")
		assert.ErrorIs(t, s.RequestCancel(ctx, inst.ID+100), domain.ErrInstanceNotFound)

		done := domain.ActionTransition{ActionID: actions[0].ID, From: domain.StatusRunning, To: domain.StatusSucceeded, Attempt: 1, At: t0}
		ok, err := s.RecordAttempt(ctx, done, &domain.ActionResult{ResultBody: []byte(`1`), Created: t0})
		require.NoError(t, err)
		assert.False(t, ok)

		assert.False(t, claim(t, s, actions[1].ID, t0), "nothing is dispatched after a cancel request")

		done.To = domain.StatusCancelled
		ok, err = s.RecordAttempt(ctx, done, &domain.ActionResult{ResultBody: []byte(`1`), Created: t0})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.CompareAndSetActionStatus(ctx, domain.ActionTransition{ActionID: actions[1].ID, From: domain.StatusQueued, To: domain.StatusCancelled, At: t0})
		require.NoError(t, err)
		assert.True(t, ok)

		graph, err := s.LoadInstanceGraph(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, graph.Instance.CancelRequested)
		assert.Len(t, graph.Results, 1, "the cancelled attempt keeps its result")
		for _, a := range graph.Actions {
			assert.Equal(t, domain.StatusCancelled, a.Status)
		}
	})
}

func TestStore_UpdateInstanceStatusNeverLeavesTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore, clock *core.FakeClock) {
		ctx := context.Background()
		inst, err := s.CreateInstance(ctx, newInstance("ext-terminal", domain.ModeParallel, t0), nil)
		require.NoError(t, err)

		ok, err := s.UpdateInstanceStatus(ctx, domain.InstanceUpdate{InstanceID: inst.ID, Status: domain.StatusRunning, At: t0.Add(time.Second)})
		require.NoError(t, err)
		require.True(t, ok)

		failedAt := t0.Add(time.Minute)
		ok, err = s.UpdateInstanceStatus(ctx, domain.InstanceUpdate{
			InstanceID: inst.ID, Status: domain.StatusFailed, At: failedAt,
			Exception: sql.NullString{String: "boom", Valid: true},
		})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.UpdateInstanceStatus(ctx, domain.InstanceUpdate{InstanceID: inst.ID, Status: domain.StatusSucceeded, At: failedAt.Add(time.Minute)})
		require.NoError(t, err)
		assert.False(t, ok)

		found, err := s.FindInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, found.Status)
		assert.Equal(t, "boom", found.Exception.String)
		assert.True(t, found.Started.Time.Equal(t0.Add(time.Second)))
		assert.True(t, found.Ended.Time.Equal(failedAt))
	})
}

func TestStore_FindReadyActionsHonoursModeAndFIFO(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore, clock *core.FakeClock) {
		ctx := context.Background()
		seq := []domain.Action{newAction("s0", 1, t0.Add(3*time.Second)), newAction("s1", 1, t0)}
		_, err := s.CreateInstance(ctx, newInstance("ext-seq", domain.ModeSequential, t0), seq)
		require.NoError(t, err)
		par := []domain.Action{newAction("p0", 1, t0.Add(2*time.Second)), newAction("p1", 1, t0.Add(time.Second))}
		_, err = s.CreateInstance(ctx, newInstance("ext-par", domain.ModeParallel, t0), par)
		require.NoError(t, err)

		ready, err := s.FindReadyActions(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "p0", "s0"}, actionTypes(ready))

		limited, err := s.FindReadyActions(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"p1"}, actionTypes(limited))

		require.True(t, claim(t, s, seq[0].ID, t0))
		ok, err := s.RecordAttempt(ctx, domain.ActionTransition{
			ActionID: seq[0].ID, From: domain.StatusRunning, To: domain.StatusSucceeded, Attempt: 1, At: t0,
		}, &domain.ActionResult{Created: t0})
		require.NoError(t, err)
		require.True(t, ok)

		ready, err = s.FindReadyActions(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"s1", "p1", "p0"}, actionTypes(ready))
	})
}

func TestStore_FindDueRetries(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore, clock *core.FakeClock) {
		ctx := context.Background()
		actions := []domain.Action{newAction("a", 3, t0)}
		_, err := s.CreateInstance(ctx, newInstance("ext-due", domain.ModeParallel, t0), actions)
		require.NoError(t, err)
		require.True(t, claim(t, s, actions[0].ID, t0))
		ok, err := s.RecordAttempt(ctx, domain.ActionTransition{
			ActionID: actions[0].ID, From: domain.StatusRunning, To: domain.StatusRetrying, Attempt: 1,
			At: t0, RetryAt: t0.Add(time.Minute),
		}, &domain.ActionResult{Exception: sql.NullString{String: "boom", Valid: true}, Created: t0})
		require.NoError(t, err)
		require.True(t, ok)

		due, err := s.FindDueRetries(ctx, t0.Add(59*time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = s.FindDueRetries(ctx, t0.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, actions[0].ID, due[0].ID)

		requeuedAt := t0.Add(2 * time.Minute)
		ok, err = s.CompareAndSetActionStatus(ctx, domain.ActionTransition{
			ActionID: actions[0].ID, From: domain.StatusRetrying, To: domain.StatusQueued, At: requeuedAt,
		})
		require.NoError(t, err)
		require.True(t, ok)
		a, err := s.FindAction(ctx, actions[0].ID)
		require.NoError(t, err)
		assert.True(t, a.QueuedAt.Equal(requeuedAt))
		assert.False(t, a.RetryAt.Valid)
	})
}

func TestStore_FindStuckActionsUsesHeartbeats(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contractStore, clock *core.FakeClock) {
		ctx := context.Background()
		alive := &domain.Executor{Name: "alive", Started: t0}
		dead := &domain.Executor{Name: "dead", Started: t0}
		_, err := s.SaveExecutor(ctx, alive)
		require.NoError(t, err)
		_, err = s.SaveExecutor(ctx, dead)
		require.NoError(t, err)

		actions := []domain.Action{newAction("a", 1, t0), newAction("b", 1, t0)}
		_, err = s.CreateInstance(ctx, newInstance("ext-stuck", domain.ModeParallel, t0), actions)
		require.NoError(t, err)
		for i, e := range []*domain.Executor{alive, dead} {
			ok, err := s.CompareAndSetActionStatus(ctx, domain.ActionTransition{
				ActionID: actions[i].ID, From: domain.StatusQueued, To: domain.StatusRunning, At: t0, ExecutorID: e.ID,
			})
			require.NoError(t, err)
			require.True(t, ok)
		}

		require.NoError(t, s.UpdateLastActive(ctx, alive.ID, t0.Add(10*time.Minute)))
		stuck, err := s.FindStuckActions(ctx, t0.Add(5*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, actions[1].ID, stuck[0].ID)

		executors, err := s.ListExecutors(ctx, 10)
		require.NoError(t, err)
		require.Len(t, executors, 2)
		assert.Equal(t, "alive", executors[0].Name)
	})
}

func actionTypes(actions []domain.Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.ActionType)
	}
	return out
}
