package core

import (
	"context"
	"fmt"
	"time"
)

// ActionHandler is the capability every action kind implements. Handlers are
// registered by name and looked up through the action's type.
type ActionHandler interface {
	Execute(ctx context.Context, input []byte) ([]byte, error)
}

// TimeoutProvider lets a handler override the engine's default action timeout.
type TimeoutProvider interface {
	Timeout() time.Duration
}

// HandlerFunc adapts a plain function to ActionHandler.
type HandlerFunc func(ctx context.Context, input []byte) ([]byte, error)

func (f HandlerFunc) Execute(ctx context.Context, input []byte) ([]byte, error) {
	return f(ctx, input)
}

type typedHandler[In, Out any] struct {
	codec Codec
	fn    func(ctx context.Context, in In) (Out, error)
}

// Typed builds a handler that decodes its input into In and encodes the returned
// Out with codec. A nil codec means JSON.
func Typed[In, Out any](codec Codec, fn func(ctx context.Context, in In) (Out, error)) ActionHandler {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &typedHandler[In, Out]{codec: codec, fn: fn}
}

func (h *typedHandler[In, Out]) Execute(ctx context.Context, input []byte) ([]byte, error) {
	var in In
	if err := h.codec.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	out, err := h.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	body, err := h.codec.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return body, nil
}

type timeoutHandler struct {
	ActionHandler
	timeout time.Duration
}

func (h timeoutHandler) Timeout() time.Duration { return h.timeout }

// WithTimeout wraps h so the executor runs it under d instead of the default timeout.
func WithTimeout(h ActionHandler, d time.Duration) ActionHandler {
	return timeoutHandler{ActionHandler: h, timeout: d}
}
