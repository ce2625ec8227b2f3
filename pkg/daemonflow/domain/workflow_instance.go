package domain

import (
	"database/sql"
	"time"
)

// WorkflowInstance is one durable execution of a workflow. It exclusively owns its actions.
type WorkflowInstance struct {
	ID              int64          `db:"id" json:"id"`
	WorkflowType    string         `db:"workflow_type" json:"workflowType"`
	ExternalID      string         `db:"external_id" json:"externalId"`
	ExecutionMode   ExecutionMode  `db:"execution_mode" json:"executionMode"`
	InputBody       []byte         `db:"input_body" json:"inputBody"`
	Status          QueableStatus  `db:"status" json:"status"`
	ResultBody      []byte         `db:"result_body" json:"resultBody"`
	Exception       sql.NullString `db:"exception" json:"exception"`
	ExceptionStack  sql.NullString `db:"exception_stack" json:"exceptionStack"`
	CancelRequested bool           `db:"cancel_requested" json:"cancelRequested"`
	Created         time.Time      `db:"created" json:"created"`
	Modified        time.Time      `db:"modified" json:"modified"`
	Started         sql.NullTime   `db:"started" json:"started"`
	Ended           sql.NullTime   `db:"ended" json:"ended"`
}

// InstanceUpdate carries a derived instance status and, for terminal statuses, its outcome.
type InstanceUpdate struct {
	InstanceID     int64
	Status         QueableStatus
	At             time.Time
	ResultBody     []byte
	Exception      sql.NullString
	ExceptionStack sql.NullString
}

// InstanceGraph is a consistent snapshot of an instance, its actions (index order)
// and every action result (action, attempt order).
type InstanceGraph struct {
	Instance WorkflowInstance
	Actions  []Action
	Results  []ActionResult
}

// ResultsFor returns the results recorded for actionID in attempt order.
func (g *InstanceGraph) ResultsFor(actionID int64) []ActionResult {
	var out []ActionResult
	for _, r := range g.Results {
		if r.ActionID == actionID {
			out = append(out, r)
		}
	}
	return out
}
