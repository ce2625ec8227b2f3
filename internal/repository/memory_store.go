package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/core"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

// MemoryStore keeps everything in process memory under one mutex. It follows the
// same compare-and-set rules as SQLStore and is meant for embedding and tests.
type MemoryStore struct {
	mu    sync.Mutex
	clock core.Clock

	lastInstanceID int64
	lastActionID   int64
	lastResultID   int64
	lastExecutorID int64

	instances       map[int64]*domain.WorkflowInstance
	externalIDs     map[string]int64
	actions         map[int64]*domain.Action
	instanceActions map[int64][]int64
	results         map[int64][]domain.ActionResult
	executors       map[int64]*domain.Executor
}

func NewMemoryStore(clock core.Clock) *MemoryStore {
	return &MemoryStore{
		clock:           clock,
		instances:       map[int64]*domain.WorkflowInstance{},
		externalIDs:     map[string]int64{},
		actions:         map[int64]*domain.Action{},
		instanceActions: map[int64][]int64{},
		results:         map[int64][]domain.ActionResult{},
		executors:       map[int64]*domain.Executor{},
	}
}

func (s *MemoryStore) CreateInstance(_ context.Context, inst *domain.WorkflowInstance, actions []domain.Action) (*domain.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.externalIDs[inst.ExternalID]; ok {
		return nil, fmt.Errorf("duplicate external id %q", inst.ExternalID)
	}
	s.lastInstanceID++
	inst.ID = s.lastInstanceID
	stored := *inst
	s.instances[inst.ID] = &stored
	s.externalIDs[inst.ExternalID] = inst.ID
	for i := range actions {
		actions[i].InstanceID = inst.ID
		actions[i].Index = i
		s.insertActionLocked(&actions[i])
	}
	return inst, nil
}

func (s *MemoryStore) insertActionLocked(a *domain.Action) {
	s.lastActionID++
	a.ID = s.lastActionID
	stored := *a
	s.actions[a.ID] = &stored
	s.instanceActions[a.InstanceID] = append(s.instanceActions[a.InstanceID], a.ID)
}

func (s *MemoryStore) FindInstance(_ context.Context, id int64) (*domain.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) FindInstanceByExternalID(ctx context.Context, externalID string) (*domain.WorkflowInstance, error) {
	s.mu.Lock()
	id, ok := s.externalIDs[externalID]
	s.mu.Unlock()
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	return s.FindInstance(ctx, id)
}

func (s *MemoryStore) FindAction(_ context.Context, id int64) (*domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, domain.ErrActionNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) AppendAction(_ context.Context, instanceID int64, a *domain.Action) (*domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("append action to instance %d: %w", instanceID, domain.ErrInstanceNotFound)
	}
	if inst.Status.IsTerminal() {
		return nil, fmt.Errorf("append action to instance %d (%s): %w", instanceID, inst.Status, domain.ErrInstanceTerminal)
	}
	a.InstanceID = instanceID
	a.Index = len(s.instanceActions[instanceID])
	s.insertActionLocked(a)
	return a, nil
}

func (s *MemoryStore) LoadInstanceGraph(_ context.Context, instanceID int64) (*domain.InstanceGraph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	graph := &domain.InstanceGraph{Instance: *inst}
	// action ids grow with index, so id order is also (action, attempt) order for results
	for _, id := range s.instanceActions[instanceID] {
		graph.Actions = append(graph.Actions, *s.actions[id])
		graph.Results = append(graph.Results, s.results[id]...)
	}
	return graph, nil
}

func (s *MemoryStore) CompareAndSetActionStatus(_ context.Context, t domain.ActionTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compareAndSetLocked(t)
}

func (s *MemoryStore) compareAndSetLocked(t domain.ActionTransition) (bool, error) {
	a, ok := s.actions[t.ActionID]
	if !ok || a.Status != t.From {
		return false, nil
	}
	if t.From == domain.StatusRunning && a.RetryCurrentAttempt != t.Attempt {
		return false, nil
	}
	if t.To == domain.StatusRunning && a.RetryCurrentAttempt >= a.AttemptLimit() {
		return false, nil
	}
	if t.To != domain.StatusCancelled && s.instances[a.InstanceID].CancelRequested {
		return false, nil
	}

	a.Status = t.To
	switch t.To {
	case domain.StatusRunning:
		a.RetryCurrentAttempt++
		a.StartedDatetime = sql.NullTime{Time: t.At, Valid: true}
		a.EndedDatetime = sql.NullTime{}
		a.ExecutorID = nullInt64(t.ExecutorID)
	case domain.StatusRetrying:
		a.RetryAt = sql.NullTime{Time: t.RetryAt, Valid: true}
	case domain.StatusQueued:
		a.QueuedAt = t.At
		a.RetryAt = sql.NullTime{}
	}
	if t.From == domain.StatusRunning {
		a.EndedDatetime = sql.NullTime{Time: t.At, Valid: true}
	}
	return true, nil
}

func (s *MemoryStore) appendResultLocked(a *domain.Action, attempt int, r *domain.ActionResult) error {
	if got := len(s.results[a.ID]); got != attempt-1 {
		return fmt.Errorf("action %d has %d results at attempt %d: %w", a.ID, got, attempt, domain.ErrInvariantViolation)
	}
	s.lastResultID++
	r.ID = s.lastResultID
	r.ActionID = a.ID
	r.InstanceID = a.InstanceID
	r.Attempt = attempt
	s.results[a.ID] = append(s.results[a.ID], *r)
	return nil
}

func (s *MemoryStore) AppendActionResult(_ context.Context, actionID int64, r *domain.ActionResult) (*domain.ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[actionID]
	if !ok {
		return nil, domain.ErrActionNotFound
	}
	if a.RetryCurrentAttempt < 1 {
		return nil, fmt.Errorf("action %d has not started: %w", actionID, domain.ErrInvariantViolation)
	}
	if err := s.appendResultLocked(a, a.RetryCurrentAttempt, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, t domain.ActionTransition, r *domain.ActionResult) (bool, error) {
	if t.From != domain.StatusRunning {
		return false, fmt.Errorf("record attempt from %s: %w", t.From, domain.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[t.ActionID]
	if !ok {
		return false, domain.ErrActionNotFound
	}
	if a.Status != domain.StatusRunning || a.RetryCurrentAttempt != t.Attempt {
		return false, nil
	}
	if t.To != domain.StatusCancelled && s.instances[a.InstanceID].CancelRequested {
		return false, nil
	}
	if err := s.appendResultLocked(a, t.Attempt, r); err != nil {
		return false, err
	}
	return s.compareAndSetLocked(t)
}

func (s *MemoryStore) RequestCancel(_ context.Context, instanceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return domain.ErrInstanceNotFound
	}
	inst.CancelRequested = true
	inst.Modified = s.clock.Now()
	return nil
}

func (s *MemoryStore) UpdateInstanceStatus(_ context.Context, u domain.InstanceUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[u.InstanceID]
	if !ok || inst.Status.IsTerminal() {
		return false, nil
	}
	inst.Status = u.Status
	inst.Modified = u.At
	if u.Status != domain.StatusQueued && !inst.Started.Valid {
		inst.Started = sql.NullTime{Time: u.At, Valid: true}
	}
	if u.Status.IsTerminal() {
		inst.Ended = sql.NullTime{Time: u.At, Valid: true}
		inst.ResultBody = u.ResultBody
		inst.Exception = u.Exception
		inst.ExceptionStack = u.ExceptionStack
	}
	return true, nil
}

func (s *MemoryStore) readyLocked(a *domain.Action) bool {
	if a.Status != domain.StatusQueued {
		return false
	}
	inst := s.instances[a.InstanceID]
	if inst.CancelRequested || inst.Status.IsTerminal() {
		return false
	}
	if inst.ExecutionMode == domain.ModeParallel {
		return true
	}
	for _, id := range s.instanceActions[a.InstanceID] {
		prev := s.actions[id]
		if prev.Index < a.Index && prev.Status != domain.StatusSucceeded {
			return false
		}
	}
	return true
}

// sortedLocked copies the matching actions ordered by key, then id, and truncates to limit.
func (s *MemoryStore) sortedLocked(match func(*domain.Action) bool, key func(*domain.Action) time.Time, limit int) []domain.Action {
	var out []domain.Action
	for _, a := range s.actions {
		if match(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := key(&out[i]), key(&out[j])
		if !ki.Equal(kj) {
			return ki.Before(kj)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) FindReadyActions(_ context.Context, limit int) ([]domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(s.readyLocked, func(a *domain.Action) time.Time { return a.QueuedAt }, limit), nil
}

func (s *MemoryStore) FindDueRetries(_ context.Context, now time.Time, limit int) ([]domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := func(a *domain.Action) bool {
		return a.Status == domain.StatusRetrying && a.RetryAt.Valid && !a.RetryAt.Time.After(now)
	}
	return s.sortedLocked(due, func(a *domain.Action) time.Time { return a.RetryAt.Time }, limit), nil
}

func (s *MemoryStore) FindStuckActions(_ context.Context, cutoff time.Time, limit int) ([]domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stuck := func(a *domain.Action) bool {
		if a.Status != domain.StatusRunning || !a.StartedDatetime.Valid || !a.StartedDatetime.Time.Before(cutoff) {
			return false
		}
		if !a.ExecutorID.Valid {
			return true
		}
		e, ok := s.executors[a.ExecutorID.Int64]
		return !ok || !e.LastActive.After(cutoff)
	}
	return s.sortedLocked(stuck, func(a *domain.Action) time.Time { return a.StartedDatetime.Time }, limit), nil
}

func (s *MemoryStore) SaveExecutor(_ context.Context, e *domain.Executor) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.LastActive.IsZero() {
		e.LastActive = e.Started
	}
	s.lastExecutorID++
	e.ID = s.lastExecutorID
	stored := *e
	s.executors[e.ID] = &stored
	return e.ID, nil
}

func (s *MemoryStore) UpdateLastActive(_ context.Context, id int64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.executors[id]; ok {
		e.LastActive = ts
	}
	return nil
}

func (s *MemoryStore) ListExecutors(_ context.Context, limit int) ([]domain.Executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Executor
	for _, e := range s.executors {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
