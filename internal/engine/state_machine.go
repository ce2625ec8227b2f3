package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/core"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

// ShortCircuitPolicy decides what happens to the other actions of an instance once one fails.
type ShortCircuitPolicy string

const (
	// ShortCircuitCancelSiblings fails the instance at once and cancels every unfinished sibling.
	ShortCircuitCancelSiblings ShortCircuitPolicy = "CANCEL_SIBLINGS"
	// ShortCircuitLetFinish waits for running and retrying siblings, including retries
	// already queued again, before failing the instance. Siblings that never started are cancelled.
	ShortCircuitLetFinish ShortCircuitPolicy = "LET_FINISH"
)

// DeriveInstanceStatus folds action statuses into the instance status. It is pure:
// the same inputs always give the same answer.
func DeriveInstanceStatus(statuses []domain.QueableStatus, cancelRequested bool, policy ShortCircuitPolicy) domain.QueableStatus {
	if len(statuses) == 0 {
		if cancelRequested {
			return domain.StatusCancelled
		}
		return domain.StatusQueued
	}
	counts := map[domain.QueableStatus]int{}
	for _, s := range statuses {
		counts[s]++
	}
	active := counts[domain.StatusRunning] + counts[domain.StatusRetrying]
	unfinished := active
	if policy == ShortCircuitLetFinish {
		// never-started siblings are cancelled before the fold, so a queued action is a retry
		unfinished += counts[domain.StatusQueued]
	}

	switch {
	case counts[domain.StatusFailed] > 0 && (policy != ShortCircuitLetFinish || unfinished == 0):
		return domain.StatusFailed
	case cancelRequested && active > 0:
		// running attempts are forced to CANCELLED when they report
		return domain.StatusRunning
	case cancelRequested, counts[domain.StatusCancelled] > 0 && active == 0:
		return domain.StatusCancelled
	case counts[domain.StatusSucceeded] == len(statuses):
		return domain.StatusSucceeded
	case counts[domain.StatusQueued] == len(statuses):
		return domain.StatusQueued
	}
	return domain.StatusRunning
}

// StateMachine owns every transition of actions and instances. All of its writes go
// through the store's compare-and-set, so any number of them may run concurrently.
type StateMachine struct {
	store        Store
	policy       RetryPolicy
	shortCircuit ShortCircuitPolicy
	clock        core.Clock
	events       *EventBus

	mu             sync.RWMutex
	reducers       map[string]ResultReducer
	defaultReducer ResultReducer
}

func NewStateMachine(store Store, policy RetryPolicy, shortCircuit ShortCircuitPolicy, clock core.Clock, events *EventBus) *StateMachine {
	if shortCircuit == "" {
		shortCircuit = ShortCircuitCancelSiblings
	}
	return &StateMachine{
		store:          store,
		policy:         policy,
		shortCircuit:   shortCircuit,
		clock:          clock,
		events:         events,
		reducers:       map[string]ResultReducer{},
		defaultReducer: LastResultReducer{},
	}
}

// RegisterReducer sets the result reducer used for instances of workflowType.
func (sm *StateMachine) RegisterReducer(workflowType string, r ResultReducer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.reducers[workflowType] = r
}

func (sm *StateMachine) reducerFor(workflowType string) ResultReducer {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if r, ok := sm.reducers[workflowType]; ok {
		return r
	}
	return sm.defaultReducer
}

func (sm *StateMachine) publish(ctx context.Context, topic string, ev Event) {
	if sm.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = sm.clock.Now()
	}
	sm.events.Publish(ctx, topic, ev)
}

func (sm *StateMachine) transition(ctx context.Context, t domain.ActionTransition) (bool, error) {
	if err := ValidateTransition(t.From, t.To); err != nil {
		return false, err
	}
	return sm.store.CompareAndSetActionStatus(ctx, t)
}

// Claim moves a QUEUED action to RUNNING for executorID. A lost compare-and-set,
// including one lost to a pending cancellation, returns false and no error.
func (sm *StateMachine) Claim(ctx context.Context, a domain.Action, executorID int64) (*domain.Action, bool, error) {
	now := sm.clock.Now()
	ok, err := sm.transition(ctx, domain.ActionTransition{
		ActionID:   a.ID,
		From:       domain.StatusQueued,
		To:         domain.StatusRunning,
		At:         now,
		ExecutorID: executorID,
	})
	if err != nil || !ok {
		return nil, false, err
	}

	claimed := a
	claimed.Status = domain.StatusRunning
	claimed.RetryCurrentAttempt++
	claimed.StartedDatetime = sql.NullTime{Time: now, Valid: true}
	claimed.EndedDatetime = sql.NullTime{}
	claimed.ExecutorID = sql.NullInt64{Int64: executorID, Valid: executorID > 0}

	slog.DebugContext(ctx, "Claimed action", "action_id", a.ID, "instance_id", a.InstanceID, "attempt", claimed.RetryCurrentAttempt)
	sm.publish(ctx, TopicActionTransition, Event{InstanceID: a.InstanceID, ActionID: a.ID, Status: domain.StatusRunning, Attempt: claimed.RetryCurrentAttempt, At: now})
	if _, err := sm.SyncInstance(ctx, a.InstanceID); err != nil {
		slog.ErrorContext(ctx, "Failed to sync instance after claim", "instance_id", a.InstanceID, "error", err)
	}
	return &claimed, true, nil
}

func resultFromOutcome(out Outcome, at time.Time) *domain.ActionResult {
	r := &domain.ActionResult{Created: at}
	if out.Failed {
		r.Exception = sql.NullString{String: out.Exception, Valid: true}
		r.ExceptionStack = sql.NullString{String: out.ExceptionStack, Valid: out.ExceptionStack != ""}
		return r
	}
	r.ResultBody = out.ResultBody
	return r
}

// RecordOutcome appends the attempt's result and moves the action out of RUNNING as
// the retry policy decides. If a cancellation was requested meanwhile the action is
// recorded as CANCELLED instead. An outcome for an attempt that was already recorded
// elsewhere is discarded.
func (sm *StateMachine) RecordOutcome(ctx context.Context, a domain.Action, out Outcome) error {
	now := sm.clock.Now()
	decision := sm.policy.Decide(a.RetryCurrentAttempt, a.RetryMaxAttempts, !out.Failed)

	t := domain.ActionTransition{
		ActionID: a.ID,
		From:     domain.StatusRunning,
		Attempt:  a.RetryCurrentAttempt,
		At:       now,
	}
	switch decision.Kind {
	case DecisionComplete:
		t.To = domain.StatusSucceeded
	case DecisionGiveUp:
		t.To = domain.StatusFailed
	case DecisionRetryImmediately:
		t.To = domain.StatusRetrying
		t.RetryAt = now
	case DecisionRetryAfter:
		t.To = domain.StatusRetrying
		t.RetryAt = now.Add(decision.Delay)
	}
	if err := ValidateTransition(t.From, t.To); err != nil {
		return err
	}

	ok, err := sm.store.RecordAttempt(ctx, t, resultFromOutcome(out, now))
	if err != nil {
		return fmt.Errorf("record attempt %d of action %d: %w", t.Attempt, a.ID, err)
	}
	if !ok {
		ok, err = sm.recordCancelled(ctx, a, t, out)
		if err != nil {
			return err
		}
		if !ok {
			// an earlier try may have recorded the attempt and then failed to sync
			_, err = sm.SyncInstance(ctx, a.InstanceID)
			return err
		}
		t.To = domain.StatusCancelled
	}

	slog.InfoContext(ctx, "Recorded action attempt", "action_id", a.ID, "instance_id", a.InstanceID,
		"attempt", t.Attempt, "status", t.To, "decision", decision.Kind.String())
	sm.publish(ctx, TopicActionTransition, Event{InstanceID: a.InstanceID, ActionID: a.ID, Status: t.To, Attempt: t.Attempt, At: now})

	if t.To == domain.StatusRetrying && decision.Kind == DecisionRetryImmediately {
		if _, err := sm.requeue(ctx, a.InstanceID, a.ID); err != nil {
			return err
		}
	}
	_, err = sm.SyncInstance(ctx, a.InstanceID)
	return err
}

// recordCancelled re-reads state after a lost RecordAttempt. Only a pending cancellation
// on an attempt that is still RUNNING lets the outcome through, as CANCELLED.
func (sm *StateMachine) recordCancelled(ctx context.Context, a domain.Action, t domain.ActionTransition, out Outcome) (bool, error) {
	current, err := sm.store.FindAction(ctx, a.ID)
	if err != nil {
		return false, err
	}
	inst, err := sm.store.FindInstance(ctx, a.InstanceID)
	if err != nil {
		return false, err
	}
	if current.Status != domain.StatusRunning || current.RetryCurrentAttempt != t.Attempt || !inst.CancelRequested {
		slog.WarnContext(ctx, "Discarding outcome of superseded attempt", "action_id", a.ID, "attempt", t.Attempt,
			"current_status", current.Status, "current_attempt", current.RetryCurrentAttempt)
		return false, nil
	}
	t.To = domain.StatusCancelled
	t.RetryAt = time.Time{}
	ok, err := sm.store.RecordAttempt(ctx, t, resultFromOutcome(out, t.At))
	if err != nil {
		return false, fmt.Errorf("record cancelled attempt %d of action %d: %w", t.Attempt, a.ID, err)
	}
	return ok, nil
}

// requeue moves a RETRYING action back to QUEUED with a fresh queued_at. When the
// instance has a pending cancellation the action is cancelled instead.
func (sm *StateMachine) requeue(ctx context.Context, instanceID, actionID int64) (bool, error) {
	now := sm.clock.Now()
	ok, err := sm.transition(ctx, domain.ActionTransition{ActionID: actionID, From: domain.StatusRetrying, To: domain.StatusQueued, At: now})
	if err != nil {
		return false, err
	}
	if ok {
		sm.publish(ctx, TopicActionQueued, Event{InstanceID: instanceID, ActionID: actionID, Status: domain.StatusQueued, At: now})
		return true, nil
	}
	inst, err := sm.store.FindInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if inst.CancelRequested {
		if _, err := sm.transition(ctx, domain.ActionTransition{ActionID: actionID, From: domain.StatusRetrying, To: domain.StatusCancelled, At: now}); err != nil {
			return false, err
		}
	}
	return false, nil
}

// PromoteDueRetries re-queues RETRYING actions whose backoff has elapsed and returns how
// many were queued.
func (sm *StateMachine) PromoteDueRetries(ctx context.Context, limit int) (int, error) {
	due, err := sm.store.FindDueRetries(ctx, sm.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, a := range due {
		ok, err := sm.requeue(ctx, a.InstanceID, a.ID)
		if err != nil {
			return promoted, err
		}
		if ok {
			promoted++
			continue
		}
		if _, err := sm.SyncInstance(ctx, a.InstanceID); err != nil {
			return promoted, err
		}
	}
	return promoted, nil
}

// Cancel requests cancellation of an instance, cancels every action that is not running
// and re-derives the instance. Running actions become CANCELLED when they report.
func (sm *StateMachine) Cancel(ctx context.Context, instanceID int64) error {
	inst, err := sm.store.FindInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	switch inst.Status {
	case domain.StatusCancelled:
		return nil
	case domain.StatusSucceeded, domain.StatusFailed:
		return fmt.Errorf("cancel instance %d: %w", instanceID, domain.ErrInstanceTerminal)
	}
	if err := sm.store.RequestCancel(ctx, instanceID); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Cancellation requested", "instance_id", instanceID)

	graph, err := sm.store.LoadInstanceGraph(ctx, instanceID)
	if err != nil {
		return err
	}
	if _, err := sm.cancelPending(ctx, graph, isPending); err != nil {
		return err
	}
	_, err = sm.SyncInstance(ctx, instanceID)
	return err
}

func isPending(a domain.Action) bool {
	return a.Status == domain.StatusQueued || a.Status == domain.StatusRetrying
}

func neverStarted(a domain.Action) bool {
	return a.Status == domain.StatusQueued && a.RetryCurrentAttempt == 0
}

// cancelPending moves every action selected by match to CANCELLED and reports whether any moved.
func (sm *StateMachine) cancelPending(ctx context.Context, graph *domain.InstanceGraph, match func(domain.Action) bool) (bool, error) {
	now := sm.clock.Now()
	moved := false
	for _, a := range graph.Actions {
		if !match(a) {
			continue
		}
		ok, err := sm.transition(ctx, domain.ActionTransition{ActionID: a.ID, From: a.Status, To: domain.StatusCancelled, At: now})
		if err != nil {
			return moved, err
		}
		if ok {
			moved = true
			sm.publish(ctx, TopicActionTransition, Event{InstanceID: a.InstanceID, ActionID: a.ID, Status: domain.StatusCancelled, Attempt: a.RetryCurrentAttempt, At: now})
		}
	}
	return moved, nil
}

// SyncInstance re-derives and persists the status of an instance from one snapshot of
// its actions and returns the status it ends up in. Finalizing applies the short-circuit
// policy and fills in the instance outcome.
func (sm *StateMachine) SyncInstance(ctx context.Context, instanceID int64) (domain.QueableStatus, error) {
	graph, err := sm.store.LoadInstanceGraph(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if graph.Instance.Status.IsTerminal() {
		return graph.Instance.Status, nil
	}
	if sm.shortCircuit == ShortCircuitLetFinish && hasStatus(graph, domain.StatusFailed) {
		// running and retrying siblings finish, the rest never start
		moved, err := sm.cancelPending(ctx, graph, neverStarted)
		if err != nil {
			return "", err
		}
		if moved {
			if graph, err = sm.store.LoadInstanceGraph(ctx, instanceID); err != nil {
				return "", err
			}
		}
	}
	inst := graph.Instance

	statuses := make([]domain.QueableStatus, len(graph.Actions))
	for i, a := range graph.Actions {
		statuses[i] = a.Status
	}
	status := DeriveInstanceStatus(statuses, inst.CancelRequested, sm.shortCircuit)
	if status == inst.Status {
		return status, nil
	}

	update := domain.InstanceUpdate{InstanceID: instanceID, Status: status, At: sm.clock.Now()}
	switch status {
	case domain.StatusFailed:
		if sm.shortCircuit == ShortCircuitCancelSiblings {
			if err := sm.store.RequestCancel(ctx, instanceID); err != nil {
				return "", err
			}
		}
		if _, err := sm.cancelPending(ctx, graph, isPending); err != nil {
			return "", err
		}
		if failed := failingResult(graph); failed != nil {
			update.Exception = failed.Exception
			update.ExceptionStack = failed.ExceptionStack
		}
	case domain.StatusCancelled:
		if _, err := sm.cancelPending(ctx, graph, isPending); err != nil {
			return "", err
		}
	case domain.StatusSucceeded:
		body, err := sm.reducerFor(inst.WorkflowType).Reduce(graph)
		if err != nil {
			slog.ErrorContext(ctx, "Result reducer failed", "instance_id", instanceID, "workflow_type", inst.WorkflowType, "error", err)
		}
		update.ResultBody = body
	}

	ok, err := sm.store.UpdateInstanceStatus(ctx, update)
	if err != nil {
		return "", err
	}
	if !ok {
		// finalized concurrently
		current, err := sm.store.FindInstance(ctx, instanceID)
		if err != nil {
			return "", err
		}
		return current.Status, nil
	}
	if status.IsTerminal() {
		slog.InfoContext(ctx, "Workflow instance finished", "instance_id", instanceID, "status", status)
		sm.publish(ctx, TopicInstanceFinalized, Event{InstanceID: instanceID, Status: status, At: update.At})
	}
	return status, nil
}

func hasStatus(graph *domain.InstanceGraph, status domain.QueableStatus) bool {
	for _, a := range graph.Actions {
		if a.Status == status {
			return true
		}
	}
	return false
}

// failingResult returns the last result of the lowest-indexed FAILED action.
func failingResult(graph *domain.InstanceGraph) *domain.ActionResult {
	for _, a := range graph.Actions {
		if a.Status != domain.StatusFailed {
			continue
		}
		results := graph.ResultsFor(a.ID)
		if len(results) == 0 {
			return nil
		}
		return &results[len(results)-1]
	}
	return nil
}

// IsInvariantViolation reports whether err must abort the operation rather than be retried.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, domain.ErrInvariantViolation) || errors.Is(err, domain.ErrInvalidTransition)
}
