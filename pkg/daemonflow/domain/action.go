package domain

import (
	"database/sql"
	"time"
)

// Action is one retryable unit of work within a workflow instance.
type Action struct {
	ID                  int64         `db:"id" json:"id"`
	InstanceID          int64         `db:"instance_id" json:"instanceId"`
	Index               int           `db:"action_index" json:"index"`
	ActionType          string        `db:"action_type" json:"actionType"`
	InputBody           []byte        `db:"input_body" json:"inputBody"`
	Status              QueableStatus `db:"status" json:"status"`
	QueuedAt            time.Time     `db:"queued_at" json:"queuedAt"`
	RetryAt             sql.NullTime  `db:"retry_at" json:"retryAt"`
	StartedDatetime     sql.NullTime  `db:"started_datetime" json:"startedDatetime"`
	EndedDatetime       sql.NullTime  `db:"ended_datetime" json:"endedDatetime"`
	RetryCurrentAttempt int           `db:"retry_current_attempt" json:"retryCurrentAttempt"`
	RetryMaxAttempts    sql.NullInt64 `db:"retry_max_attempts" json:"retryMaxAttempts"`
	ExecutorID          sql.NullInt64 `db:"executor_id" json:"executorId"`
	Created             time.Time     `db:"created" json:"created"`
}

// ActionTransition is a compare-and-set on an action's status.
//
// Attempt is the expected retry_current_attempt and is only checked when From is RUNNING.
// RetryAt is only used when To is RETRYING and ExecutorID only when To is RUNNING.
type ActionTransition struct {
	ActionID   int64
	From       QueableStatus
	To         QueableStatus
	Attempt    int
	At         time.Time
	RetryAt    time.Time
	ExecutorID int64
}

// AttemptLimit is the number of executions the action may have; a null maximum allows one.
func (a *Action) AttemptLimit() int {
	if !a.RetryMaxAttempts.Valid {
		return 1
	}
	return int(a.RetryMaxAttempts.Int64)
}
