package core

import "context"

type ctxKey string

const CtxKeyAction ctxKey = ctxKey("action")

// ActionInfo identifies the attempt a handler is executing.
type ActionInfo struct {
	InstanceID int64
	ActionID   int64
	ActionType string
	Attempt    int
}

func WithActionInfo(ctx context.Context, info ActionInfo) context.Context {
	return context.WithValue(ctx, CtxKeyAction, info)
}

// ActionInfoFromContext returns the attempt metadata the executor attached to ctx.
func ActionInfoFromContext(ctx context.Context) (ActionInfo, bool) {
	info, ok := ctx.Value(CtxKeyAction).(ActionInfo)
	return info, ok
}
