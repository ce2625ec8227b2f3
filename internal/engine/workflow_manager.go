package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/core"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/models"
)

// WorkflowManager is the entry point for hosts: submission, cancellation, queries and
// the engine loop all go through it.
type WorkflowManager struct {
	store     Store
	executors ExecutorRepo
	registry  *ActionRegistry
	cfg       Config
	clock     core.Clock
	events    *EventBus
	sm        *StateMachine
}

func NewWorkflowManager(store Store, executors ExecutorRepo, registry *ActionRegistry, cfg Config, clock core.Clock) *WorkflowManager {
	cfg = cfg.withDefaults()
	events := NewEventBus()
	policy := NewRetryPolicy(NewBackoffStrategy(cfg.Retry))
	return &WorkflowManager{
		store:     store,
		executors: executors,
		registry:  registry,
		cfg:       cfg,
		clock:     clock,
		events:    events,
		sm:        NewStateMachine(store, policy, cfg.ShortCircuit, clock, events),
	}
}

// Events exposes the lifecycle event bus for live views.
func (wm *WorkflowManager) Events() *EventBus {
	return wm.events
}

// RegisterReducer sets how the result_body of succeeded instances of workflowType is built.
func (wm *WorkflowManager) RegisterReducer(workflowType string, r ResultReducer) {
	wm.sm.RegisterReducer(workflowType, r)
}

// ListExecutors returns recent executors ordered by last_active desc.
func (wm *WorkflowManager) ListExecutors(ctx context.Context, limit int) ([]domain.Executor, error) {
	return wm.executors.ListExecutors(ctx, limit)
}

func (wm *WorkflowManager) newAction(req models.AppendActionRequest) (domain.Action, error) {
	if req.ActionType == "" {
		return domain.Action{}, fmt.Errorf("action type is required: %w", domain.ErrValidation)
	}
	if _, ok := wm.registry.Lookup(req.ActionType); !ok {
		return domain.Action{}, fmt.Errorf("action type %q is not registered: %w", req.ActionType, domain.ErrValidation)
	}
	var maxAttempts sql.NullInt64
	if req.MaxAttempts != nil {
		if *req.MaxAttempts < 1 {
			return domain.Action{}, fmt.Errorf("max attempts must be at least 1, got %d: %w", *req.MaxAttempts, domain.ErrValidation)
		}
		maxAttempts = sql.NullInt64{Int64: int64(*req.MaxAttempts), Valid: true}
	}
	now := wm.clock.Now()
	return domain.Action{
		ActionType:       req.ActionType,
		InputBody:        req.InputBody,
		Status:           domain.StatusQueued,
		QueuedAt:         now,
		RetryMaxAttempts: maxAttempts,
		Created:          now,
	}, nil
}

// SubmitInstance creates an instance and its initial actions atomically. Submitting an
// external id that already exists returns the existing instance's id.
func (wm *WorkflowManager) SubmitInstance(ctx context.Context, req models.SubmitInstanceRequest) (int64, error) {
	if req.WorkflowType == "" {
		return 0, fmt.Errorf("workflow type is required: %w", domain.ErrValidation)
	}
	mode := req.ExecutionMode
	switch mode {
	case "":
		mode = domain.ModeSequential
	case domain.ModeSequential, domain.ModeParallel:
	default:
		return 0, fmt.Errorf("unknown execution mode %q: %w", mode, domain.ErrValidation)
	}

	externalID := req.ExternalID
	if externalID == "" {
		externalID = uuid.NewString()
	} else if existing, err := wm.store.FindInstanceByExternalID(ctx, externalID); err == nil {
		slog.InfoContext(ctx, "Workflow instance already exists", "external_id", externalID, "instance_id", existing.ID)
		return existing.ID, nil
	} else if !errors.Is(err, domain.ErrInstanceNotFound) {
		return 0, err
	}

	actions := make([]domain.Action, 0, len(req.Actions))
	for _, ar := range req.Actions {
		a, err := wm.newAction(ar)
		if err != nil {
			return 0, err
		}
		actions = append(actions, a)
	}

	now := wm.clock.Now()
	inst := &domain.WorkflowInstance{
		WorkflowType:  req.WorkflowType,
		ExternalID:    externalID,
		ExecutionMode: mode,
		InputBody:     req.InputBody,
		Status:        domain.StatusQueued,
		Created:       now,
		Modified:      now,
	}
	if _, err := wm.store.CreateInstance(ctx, inst, actions); err != nil {
		// lost a race with a concurrent submit of the same external id
		if existing, findErr := wm.store.FindInstanceByExternalID(ctx, externalID); findErr == nil {
			return existing.ID, nil
		}
		return 0, fmt.Errorf("create workflow instance: %w", err)
	}

	slog.InfoContext(ctx, "Submitted workflow instance", "instance_id", inst.ID, "external_id", externalID,
		"workflow_type", inst.WorkflowType, "execution_mode", mode, "actions", len(actions))
	wm.events.Publish(ctx, TopicInstanceSubmitted, Event{InstanceID: inst.ID, Status: inst.Status, At: now})
	return inst.ID, nil
}

// AppendAction adds an action at the next index of a non-terminal instance.
func (wm *WorkflowManager) AppendAction(ctx context.Context, instanceID int64, req models.AppendActionRequest) (int64, error) {
	a, err := wm.newAction(req)
	if err != nil {
		return 0, err
	}
	saved, err := wm.store.AppendAction(ctx, instanceID, &a)
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "Appended action", "instance_id", instanceID, "action_id", saved.ID, "index", saved.Index, "action_type", saved.ActionType)
	wm.events.Publish(ctx, TopicActionQueued, Event{InstanceID: instanceID, ActionID: saved.ID, Status: domain.StatusQueued, At: saved.QueuedAt})
	// a finished-looking instance goes back to RUNNING or QUEUED
	if _, err := wm.sm.SyncInstance(ctx, instanceID); err != nil {
		slog.ErrorContext(ctx, "Failed to sync instance after append", "instance_id", instanceID, "error", err)
	}
	return saved.ID, nil
}

// CancelInstance is idempotent on CANCELLED instances and fails with
// domain.ErrInstanceTerminal on SUCCEEDED or FAILED ones.
func (wm *WorkflowManager) CancelInstance(ctx context.Context, instanceID int64) error {
	return wm.sm.Cancel(ctx, instanceID)
}

// GetInstanceDetail returns the instance with its actions in index order, each
// carrying its results in attempt order, all from one snapshot.
func (wm *WorkflowManager) GetInstanceDetail(ctx context.Context, instanceID int64) (*models.InstanceDetail, error) {
	graph, err := wm.store.LoadInstanceGraph(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	byAction := make(map[int64][]domain.ActionResult, len(graph.Actions))
	for _, r := range graph.Results {
		byAction[r.ActionID] = append(byAction[r.ActionID], r)
	}
	detail := &models.InstanceDetail{
		Instance: graph.Instance,
		Actions:  make([]models.ActionDetail, 0, len(graph.Actions)),
	}
	for _, a := range graph.Actions {
		results := byAction[a.ID]
		if results == nil {
			results = []domain.ActionResult{}
		}
		detail.Actions = append(detail.Actions, models.ActionDetail{Action: a, Results: results})
	}
	return detail, nil
}

// StartEngine registers this executor, starts the heartbeat and the stuck action repair
// job, then runs the scheduler until ctx is done.
func (wm *WorkflowManager) StartEngine(ctx context.Context) error {
	executorID, err := registerExecutorInstance(ctx, wm.executors, wm.clock, wm.cfg.ExecutorName, wm.cfg.HeartbeatInterval)
	if err != nil {
		return err
	}
	repair := NewRepairService(wm.store, wm.sm, wm.clock, wm.cfg.StuckActionsRepairAfter, executorID)
	if err := repair.Start(ctx, wm.cfg.StuckActionsSchedule); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Registered action types", "types", wm.registry.Types())

	executor := NewExecutor(wm.registry, wm.cfg.ActionTimeout, wm.clock)
	scheduler := NewScheduler(wm.store, wm.sm, executor, wm.events, wm.cfg, executorID)
	return scheduler.Run(ctx)
}

// Close releases the event bus.
func (wm *WorkflowManager) Close() error {
	return wm.events.Close()
}
