package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/daemonflow/internal/repository"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/core"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/models"
)

func newTestManager(t *testing.T) (*WorkflowManager, *repository.MemoryStore, *core.FakeClock) {
	t.Helper()
	clock := core.NewFakeClock(t0)
	store := repository.NewMemoryStore(clock)
	registry := NewActionRegistry()
	noop := core.HandlerFunc(func(ctx context.Context, input []byte) ([]byte, error) { return input, nil })
	registry.Register("charge", noop)
	registry.Register("ship", noop)
	wm := NewWorkflowManager(store, store, registry, testConfig(), clock)
	t.Cleanup(func() { _ = wm.Close() })
	return wm, store, clock
}

func TestWorkflowManager_SubmitInstance(t *testing.T) {
	ctx := context.Background()
	wm, store, _ := newTestManager(t)

	id, err := wm.SubmitInstance(ctx, models.SubmitInstanceRequest{
		ExternalID:   "order-1",
		WorkflowType: "checkout",
		InputBody:    []byte(`{"order":1}`),
		Actions: []models.AppendActionRequest{
			{ActionType: "charge", MaxAttempts: models.MaxAttemptsOf(3)},
			{ActionType: "ship"},
		},
	})
	require.NoError(t, err)

	graph, err := store.LoadInstanceGraph(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, graph.Instance.Status)
	assert.Equal(t, domain.ModeSequential, graph.Instance.ExecutionMode)
	assert.Equal(t, "order-1", graph.Instance.ExternalID)
	require.Len(t, graph.Actions, 2)
	assert.Equal(t, 0, graph.Actions[0].Index)
	assert.Equal(t, int64(3), graph.Actions[0].RetryMaxAttempts.Int64)
	assert.Equal(t, 1, graph.Actions[1].Index)
	assert.False(t, graph.Actions[1].RetryMaxAttempts.Valid)
	for _, a := range graph.Actions {
		assert.Equal(t, domain.StatusQueued, a.Status)
		assert.Zero(t, a.RetryCurrentAttempt)
		assert.Equal(t, t0, a.QueuedAt)
	}
}

func TestWorkflowManager_SubmitDuplicateExternalID(t *testing.T) {
	ctx := context.Background()
	wm, _, _ := newTestManager(t)
	req := models.SubmitInstanceRequest{ExternalID: "same", WorkflowType: "checkout"}

	first, err := wm.SubmitInstance(ctx, req)
	require.NoError(t, err)
	second, err := wm.SubmitInstance(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestWorkflowManager_SubmitGeneratesExternalID(t *testing.T) {
	ctx := context.Background()
	wm, store, _ := newTestManager(t)

	id, err := wm.SubmitInstance(ctx, models.SubmitInstanceRequest{WorkflowType: "checkout"})
	require.NoError(t, err)
	inst, err := store.FindInstance(ctx, id)
	require.NoError(t, err)
	_, err = uuid.Parse(inst.ExternalID)
	assert.NoError(t, err)
}

func TestWorkflowManager_SubmitValidation(t *testing.T) {
	ctx := context.Background()
	wm, _, _ := newTestManager(t)

	tests := map[string]models.SubmitInstanceRequest{
		"missing workflow type": {},
		"unknown mode":          {WorkflowType: "x", ExecutionMode: "ROUND_ROBIN"},
		"unregistered action":   {WorkflowType: "x", Actions: []models.AppendActionRequest{{ActionType: "refund"}}},
		"empty action type":     {WorkflowType: "x", Actions: []models.AppendActionRequest{{}}},
		"zero max attempts":     {WorkflowType: "x", Actions: []models.AppendActionRequest{{ActionType: "charge", MaxAttempts: models.MaxAttemptsOf(0)}}},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := wm.SubmitInstance(ctx, req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestWorkflowManager_AppendAction(t *testing.T) {
	ctx := context.Background()
	wm, store, clock := newTestManager(t)

	id, err := wm.SubmitInstance(ctx, models.SubmitInstanceRequest{WorkflowType: "checkout"})
	require.NoError(t, err)

	clock.Add(time.Second)
	first, err := wm.AppendAction(ctx, id, models.AppendActionRequest{ActionType: "charge"})
	require.NoError(t, err)
	second, err := wm.AppendAction(ctx, id, models.AppendActionRequest{ActionType: "ship", MaxAttempts: models.MaxAttemptsOf(2)})
	require.NoError(t, err)

	a1, err := store.FindAction(ctx, first)
	require.NoError(t, err)
	a2, err := store.FindAction(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 0, a1.Index)
	assert.Equal(t, 1, a2.Index)
	assert.Equal(t, t0.Add(time.Second), a1.QueuedAt)

	_, err = wm.AppendAction(ctx, 999, models.AppendActionRequest{ActionType: "charge"})
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)

	_, err = wm.AppendAction(ctx, id, models.AppendActionRequest{ActionType: "charge", MaxAttempts: models.MaxAttemptsOf(-1)})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestWorkflowManager_AppendToFinishedInstance(t *testing.T) {
	ctx := context.Background()
	wm, _, _ := newTestManager(t)

	id, err := wm.SubmitInstance(ctx, models.SubmitInstanceRequest{WorkflowType: "checkout"})
	require.NoError(t, err)
	require.NoError(t, wm.CancelInstance(ctx, id))

	_, err = wm.AppendAction(ctx, id, models.AppendActionRequest{ActionType: "charge"})
	assert.ErrorIs(t, err, domain.ErrInstanceTerminal)
}

func TestWorkflowManager_GetInstanceDetail(t *testing.T) {
	ctx := context.Background()
	wm, _, clock := newTestManager(t)

	id, err := wm.SubmitInstance(ctx, models.SubmitInstanceRequest{
		WorkflowType:  "checkout",
		ExecutionMode: domain.ModeParallel,
		Actions: []models.AppendActionRequest{
			{ActionType: "charge", MaxAttempts: models.MaxAttemptsOf(3)},
			{ActionType: "ship"},
		},
	})
	require.NoError(t, err)

	detail, err := wm.GetInstanceDetail(ctx, id)
	require.NoError(t, err)
	ids := []int64{detail.Actions[0].Action.ID, detail.Actions[1].Action.ID}

	// two attempts of charge, one of ship, recorded out of order
	for _, step := range []struct {
		actionID int64
		out      Outcome
	}{
		{ids[1], succeeded(`"shipped"`)},
		{ids[0], failed("declined")},
		{ids[0], succeeded(`"charged"`)},
	} {
		clock.Add(time.Second)
		_, err := wm.sm.PromoteDueRetries(ctx, 10)
		require.NoError(t, err)
		a, err := wm.store.FindAction(ctx, step.actionID)
		require.NoError(t, err)
		claimed, ok, err := wm.sm.Claim(ctx, *a, 1)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, wm.sm.RecordOutcome(ctx, *claimed, step.out))
	}

	detail, err = wm.GetInstanceDetail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, detail.Instance.Status)
	require.Len(t, detail.Actions, 2)

	charge := detail.Actions[0]
	assert.Equal(t, 0, charge.Action.Index)
	require.Len(t, charge.Results, 2)
	assert.Equal(t, 1, charge.Results[0].Attempt)
	assert.Equal(t, "declined", charge.Results[0].Exception.String)
	assert.Equal(t, 2, charge.Results[1].Attempt)

	ship := detail.Actions[1]
	assert.Equal(t, 1, ship.Action.Index)
	require.Len(t, ship.Results, 1)
	assert.Equal(t, []byte(`"shipped"`), ship.Results[0].ResultBody)

	_, err = wm.GetInstanceDetail(ctx, 404)
	assert.ErrorIs(t, err, domain.ErrInstanceNotFound)
}

func TestWorkflowManager_DetailOfEmptyInstance(t *testing.T) {
	ctx := context.Background()
	wm, _, _ := newTestManager(t)
	id, err := wm.SubmitInstance(ctx, models.SubmitInstanceRequest{WorkflowType: "checkout"})
	require.NoError(t, err)

	detail, err := wm.GetInstanceDetail(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, detail.Actions)
	assert.Equal(t, domain.StatusQueued, detail.Instance.Status)
}

func TestWorkflowManager_SubmitPublishesEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wm, _, _ := newTestManager(t)
	submitted, err := wm.Events().Subscribe(ctx, TopicInstanceSubmitted)
	require.NoError(t, err)

	id, err := wm.SubmitInstance(ctx, models.SubmitInstanceRequest{WorkflowType: "checkout"})
	require.NoError(t, err)

	select {
	case ev := <-submitted:
		assert.Equal(t, id, ev.InstanceID)
		assert.Equal(t, domain.StatusQueued, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no submitted event")
	}
}

func TestWorkflowManager_ListExecutors(t *testing.T) {
	ctx := context.Background()
	wm, store, _ := newTestManager(t)
	_, err := store.SaveExecutor(ctx, &domain.Executor{Name: "a", Started: t0, LastActive: t0})
	require.NoError(t, err)
	_, err = store.SaveExecutor(ctx, &domain.Executor{Name: "b", Started: t0, LastActive: t0.Add(time.Minute)})
	require.NoError(t, err)

	executors, err := wm.ListExecutors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, executors, 2)
	assert.Equal(t, "b", executors[0].Name)
}
