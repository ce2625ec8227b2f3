package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/core"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

// ActionRegistry maps action type names to their handlers.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]core.ActionHandler
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: map[string]core.ActionHandler{}}
}

// Register adds or replaces the handler for actionType.
func (r *ActionRegistry) Register(actionType string, h core.ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

func (r *ActionRegistry) Lookup(actionType string) (core.ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Types lists the registered action types in sorted order.
func (r *ActionRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Outcome is the result of one execution attempt as seen by the state machine.
type Outcome struct {
	ResultBody     []byte
	Exception      string
	ExceptionStack string
	Failed         bool
	TimedOut       bool
	Started        time.Time
	Ended          time.Time
}

func failure(err error, stack string) Outcome {
	if stack == "" {
		stack = fmt.Sprintf("%+v", err)
	}
	return Outcome{Failed: true, Exception: err.Error(), ExceptionStack: stack}
}

// Executor runs one attempt of an action. It never touches the store.
type Executor struct {
	registry       *ActionRegistry
	defaultTimeout time.Duration
	clock          core.Clock
}

func NewExecutor(registry *ActionRegistry, defaultTimeout time.Duration, clock core.Clock) *Executor {
	return &Executor{registry: registry, defaultTimeout: defaultTimeout, clock: clock}
}

func (e *Executor) timeoutFor(h core.ActionHandler) time.Duration {
	if tp, ok := h.(core.TimeoutProvider); ok && tp.Timeout() > 0 {
		return tp.Timeout()
	}
	return e.defaultTimeout
}

// Execute runs the handler registered for a.ActionType against a.InputBody.
// Errors, panics, timeouts and unknown types all come back as failed outcomes.
func (e *Executor) Execute(ctx context.Context, a domain.Action) Outcome {
	started := e.clock.Now()
	out := e.execute(ctx, a)
	out.Started = started
	out.Ended = e.clock.Now()
	return out
}

func (e *Executor) execute(ctx context.Context, a domain.Action) Outcome {
	h, ok := e.registry.Lookup(a.ActionType)
	if !ok {
		return failure(fmt.Errorf("no handler registered for action type %q", a.ActionType), "")
	}

	timeout := e.timeoutFor(h)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = core.WithActionInfo(ctx, core.ActionInfo{
		InstanceID: a.InstanceID,
		ActionID:   a.ID,
		ActionType: a.ActionType,
		Attempt:    a.RetryCurrentAttempt,
	})

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "Action handler panicked", "action_id", a.ID, "action_type", a.ActionType, "panic", r)
				done <- failure(fmt.Errorf("panic: %v", r), string(debug.Stack()))
			}
		}()
		body, err := h.Execute(ctx, a.InputBody)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
				done <- timedOut(a, timeout)
				return
			}
			done <- failure(err, "")
			return
		}
		done <- Outcome{ResultBody: body}
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		// the handler ignored its context; its eventual result is dropped
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timedOut(a, timeout)
		}
		return failure(fmt.Errorf("action %d interrupted: %w", a.ID, ctx.Err()), "")
	}
}

func timedOut(a domain.Action, timeout time.Duration) Outcome {
	out := failure(fmt.Errorf("action %d (%s) timed out after %s", a.ID, a.ActionType, timeout), "")
	out.TimedOut = true
	return out
}
