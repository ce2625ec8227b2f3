package domain

import (
	"database/sql"
	"time"
)

// ActionResult is the immutable record of one execution attempt.
type ActionResult struct {
	ID             int64          `db:"id" json:"id"`
	ActionID       int64          `db:"action_id" json:"actionId"`
	InstanceID     int64          `db:"instance_id" json:"instanceId"`
	Attempt        int            `db:"attempt" json:"attempt"`
	ResultBody     []byte         `db:"result_body" json:"resultBody"`
	Exception      sql.NullString `db:"exception" json:"exception"`
	ExceptionStack sql.NullString `db:"exception_stack" json:"exceptionStack"`
	Created        time.Time      `db:"created" json:"created"`
}

// Failed reports whether the attempt ended with an exception.
func (r *ActionResult) Failed() bool {
	return r.Exception.Valid
}
