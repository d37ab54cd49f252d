// Package llm defines the planning interface the orchestrator drives and an
// OpenAI-compatible implementation of it. The orchestrator treats a Planner
// as opaque: it proposes one step at a time and never executes anything
// itself.
package llm

import (
	"context"

	uniagent "github.com/toryoto/uniagent-go"
)

// Capability describes one action the planner may propose. Parameters is a
// JSON schema object in the OpenAI function-calling shape.
type Capability struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Observation is the recorded outcome of one executed capability call, fed
// back to the planner on the next step.
type Observation struct {
	Capability string
	Arguments  map[string]interface{}
	Result     string
	Err        string
}

// PlanContext is everything the planner sees for one step.
type PlanContext struct {
	// Task is the user's natural-language goal.
	Task string

	// Budget is the current ledger snapshot. Planners are told the
	// remaining budget so they can stop proposing paid calls that will
	// be rejected anyway.
	Budget uniagent.LedgerSnapshot

	// Capabilities is the closed set of actions available this run.
	Capabilities []Capability

	// Observations are the outcomes of all prior steps, in order.
	Observations []Observation
}

// CapabilityCall is a proposed invocation of one capability.
type CapabilityCall struct {
	Name      string
	Arguments map[string]interface{}
}

// PlanStep is one planner decision: either a capability call to execute next
// or, when Call is nil, the final answer that ends the run.
type PlanStep struct {
	Thought string
	Answer  string
	Call    *CapabilityCall
}

// Planner proposes the next step for a task.
type Planner interface {
	Next(ctx context.Context, pc PlanContext) (*PlanStep, error)
}
