package models

import "github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"

// InstanceDetail is the read model served to rendering and reporting layers.
type InstanceDetail struct {
	Instance domain.WorkflowInstance `json:"instance"`
	Actions  []ActionDetail          `json:"actions"`
}

// ActionDetail pairs an action with its results in attempt order.
type ActionDetail struct {
	Action  domain.Action         `json:"action"`
	Results []domain.ActionResult `json:"results"`
}
