package models

import "github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"

// SubmitInstanceRequest creates a workflow instance, optionally with its first actions.
type SubmitInstanceRequest struct {
	ExternalID    string                `json:"externalId"`
	WorkflowType  string                `json:"workflowType"`
	ExecutionMode domain.ExecutionMode  `json:"executionMode"`
	InputBody     []byte                `json:"inputBody"`
	Actions       []AppendActionRequest `json:"actions"`
}

// AppendActionRequest adds one action to an instance. A nil MaxAttempts allows a single attempt.
type AppendActionRequest struct {
	ActionType  string `json:"actionType"`
	InputBody   []byte `json:"inputBody"`
	MaxAttempts *int   `json:"maxAttempts,omitempty"`
}

// MaxAttemptsOf is a convenience for filling AppendActionRequest.MaxAttempts.
func MaxAttemptsOf(n int) *int { return &n }
