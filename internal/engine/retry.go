package engine

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/models"
)

type DecisionKind int

const (
	DecisionComplete DecisionKind = iota
	DecisionRetryImmediately
	DecisionRetryAfter
	DecisionGiveUp
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionComplete:
		return "Complete"
	case DecisionRetryImmediately:
		return "RetryImmediately"
	case DecisionRetryAfter:
		return "RetryAfter"
	case DecisionGiveUp:
		return "GiveUp"
	}
	return fmt.Sprintf("DecisionKind(%d)", int(k))
}

// RetryDecision is what the policy wants done after an attempt. Delay is only set for RetryAfter.
type RetryDecision struct {
	Kind  DecisionKind
	Delay time.Duration
}

// BackoffStrategy returns how long to wait after the given failed attempt (1-based).
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// RetryPolicy maps an attempt outcome to the next step. It does no I/O.
type RetryPolicy struct {
	Backoff BackoffStrategy
}

func NewRetryPolicy(backoff BackoffStrategy) RetryPolicy {
	return RetryPolicy{Backoff: backoff}
}

// Decide applies the retry rules. A null maxAttempts allows a single attempt.
func (p RetryPolicy) Decide(attempt int, maxAttempts sql.NullInt64, succeeded bool) RetryDecision {
	if succeeded {
		return RetryDecision{Kind: DecisionComplete}
	}
	if !maxAttempts.Valid || int64(attempt) >= maxAttempts.Int64 {
		return RetryDecision{Kind: DecisionGiveUp}
	}
	var delay time.Duration
	if p.Backoff != nil {
		delay = p.Backoff.Delay(attempt)
	}
	if delay <= 0 {
		return RetryDecision{Kind: DecisionRetryImmediately}
	}
	return RetryDecision{Kind: DecisionRetryAfter, Delay: delay}
}

// ExponentialBackoff waits min(Base * 2^attempt, Cap), plus up to JitterPercent of that.
type ExponentialBackoff struct {
	Base          time.Duration
	Cap           time.Duration
	JitterPercent uint64
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	var backoff retry.Backoff = retry.NewExponential(b.Base)
	if b.Cap > 0 {
		backoff = retry.WithCappedDuration(b.Cap, backoff)
	}
	if b.JitterPercent > 0 {
		backoff = retry.WithJitterPercent(b.JitterPercent, backoff)
	}
	// the n-th Next() is Base * 2^(n-1)
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d, _ = backoff.Next()
	}
	return d
}

// SlidingBackoff moves linearly from the configured base to max over Steps attempts.
type SlidingBackoff struct {
	Config models.RetryConfig
}

func (b SlidingBackoff) Delay(attempt int) time.Duration {
	return b.Config.SlidingInterval(attempt)
}

// NewBackoffStrategy selects the backoff named by rc.Strategy, defaulting to exponential.
func NewBackoffStrategy(rc models.RetryConfig) BackoffStrategy {
	if rc.Strategy == models.BackoffSliding {
		return SlidingBackoff{Config: rc}
	}
	return ExponentialBackoff{Base: rc.Base, Cap: rc.Max, JitterPercent: uint64(rc.Jitter * 100)}
}
