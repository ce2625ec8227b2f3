// Package actions holds the demo action handlers the daemonflow host registers.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RealZimboGuy/daemonflow/internal/engine"
	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/core"
)

const (
	TypeEcho  = "demo.echo"
	TypeFlaky = "demo.flaky"
	TypeSleep = "demo.sleep"
	TypeHTTP  = "demo.http"
	TypeGetIP = "demo.getip"
)

// Register adds every demo handler to reg.
func Register(reg *engine.ActionRegistry) {
	reg.Register(TypeEcho, core.HandlerFunc(Echo))
	reg.Register(TypeFlaky, core.Typed(nil, Flaky))
	reg.Register(TypeSleep, core.Typed(nil, Sleep))

	client := NewHTTPClient(nil)
	reg.Register(TypeHTTP, core.WithTimeout(core.Typed(nil, client.Call), 30*time.Second))
	reg.Register(TypeGetIP, core.Typed(nil, client.GetIP))
}

// Echo returns its input unchanged.
func Echo(ctx context.Context, input []byte) ([]byte, error) {
	slog.InfoContext(ctx, "Echo action", "bytes", len(input))
	return input, nil
}

type FlakyInput struct {
	// FailAttempts is how many attempts fail before one succeeds.
	FailAttempts int    `json:"failAttempts"`
	Message      string `json:"message"`
}

type FlakyResult struct {
	Attempt int    `json:"attempt"`
	Message string `json:"message"`
}

// Flaky fails its first FailAttempts attempts, which makes it handy for exercising retries.
func Flaky(ctx context.Context, in FlakyInput) (FlakyResult, error) {
	info, ok := core.ActionInfoFromContext(ctx)
	if !ok {
		return FlakyResult{}, errors.New("flaky action needs attempt info")
	}
	if info.Attempt <= in.FailAttempts {
		slog.WarnContext(ctx, "Flaky action failing on purpose", "action_id", info.ActionID, "attempt", info.Attempt)
		return FlakyResult{}, fmt.Errorf("attempt %d of %d planned failures", info.Attempt, in.FailAttempts)
	}
	return FlakyResult{Attempt: info.Attempt, Message: in.Message}, nil
}

type SleepInput struct {
	Duration string `json:"duration"`
}

type SleepResult struct {
	Slept string `json:"slept"`
}

// Sleep waits for Duration or until the attempt's context ends.
func Sleep(ctx context.Context, in SleepInput) (SleepResult, error) {
	d, err := time.ParseDuration(in.Duration)
	if err != nil {
		return SleepResult{}, fmt.Errorf("invalid duration %q: %w", in.Duration, err)
	}
	slog.InfoContext(ctx, "Sleeping", "duration", d.String())
	select {
	case <-time.After(d):
		return SleepResult{Slept: d.String()}, nil
	case <-ctx.Done():
		return SleepResult{}, ctx.Err()
	}
}
