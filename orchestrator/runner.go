// Package orchestrator drives a budget-bounded task run: it alternates
// between asking the planner for the next step and executing the proposed
// capability call, booking every realized payment against the run's ledger.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	uniagent "github.com/toryoto/uniagent-go"
	"github.com/toryoto/uniagent-go/eventlog"
	"github.com/toryoto/uniagent-go/llm"
	"github.com/toryoto/uniagent-go/logger"
	"github.com/toryoto/uniagent-go/payment"
)

// MaxPlanSteps caps the number of planner iterations per run. A run that has
// not produced a final answer by then fails rather than loop forever.
const MaxPlanSteps = 8

// Discoverer resolves capability agents for the discover capability.
type Discoverer interface {
	Discover(ctx context.Context, query uniagent.DiscoveryQuery) (*uniagent.DiscoveryResult, error)
}

// Invoker executes one possibly-paid capability invocation.
type Invoker interface {
	Invoke(ctx context.Context, req payment.InvokeRequest) (*payment.InvokeResult, error)
}

// TaskRequest describes one run.
type TaskRequest struct {
	// Task is the user's natural-language goal.
	Task string `json:"task" validate:"required"`

	// MaxBudget is the total stablecoin budget for the run. It must be
	// positive; no run spends beyond it.
	MaxBudget decimal.Decimal `json:"maxBudget"`
}

// RunResult is the outcome of a run. It is returned non-nil even on failure
// so callers always get the partial execution log and realized cost.
type RunResult struct {
	RunID      string                       `json:"runId"`
	Answer     string                       `json:"answer,omitempty"`
	TotalSpent decimal.Decimal              `json:"totalSpent"`
	Remaining  decimal.Decimal              `json:"remaining"`
	Steps      int                          `json:"steps"`
	Log        []uniagent.ExecutionLogEntry `json:"log"`
}

// EventType labels a streamed run event.
type EventType string

const (
	EventLog     EventType = "log"
	EventContent EventType = "content"
	EventPayment EventType = "payment"
	EventDone    EventType = "done"
)

// Event is one frame of a streamed run.
type Event struct {
	Type    EventType                   `json:"type"`
	Log     *uniagent.ExecutionLogEntry `json:"log,omitempty"`
	Content string                      `json:"content,omitempty"`
	Payment *PaymentNotice              `json:"payment,omitempty"`
	Result  *RunResult                  `json:"result,omitempty"`
	Err     string                      `json:"error,omitempty"`
}

// PaymentNotice reports one realized payment during a streamed run.
type PaymentNotice struct {
	Endpoint   string          `json:"endpoint"`
	AmountPaid decimal.Decimal `json:"amountPaid"`
	Remaining  decimal.Decimal `json:"remaining"`
}

// Runner orchestrates task runs. It is safe for concurrent use; each run
// carries its own ledger and log.
type Runner struct {
	planner        llm.Planner
	discovery      Discoverer
	invoker        Invoker
	validate       *validator.Validate
	safetyFraction decimal.Decimal
	log            logger.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithSafetyFraction overrides the fraction of the remaining budget offered
// as the per-call ceiling.
func WithSafetyFraction(fraction decimal.Decimal) Option {
	return func(r *Runner) { r.safetyFraction = fraction }
}

// WithLogger sets the structured logger.
func WithLogger(log logger.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// NewRunner creates a runner over the given planner, discovery service and
// invocation client.
func NewRunner(planner llm.Planner, discovery Discoverer, invoker Invoker, opts ...Option) *Runner {
	r := &Runner{
		planner:        planner,
		discovery:      discovery,
		invoker:        invoker,
		validate:       validator.New(),
		safetyFraction: uniagent.DefaultSafetyFraction,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.OrNoop(r.log)
	return r
}

// Run executes the task to completion and returns the buffered result. The
// result is non-nil even when err is non-nil.
func (r *Runner) Run(ctx context.Context, req TaskRequest) (*RunResult, error) {
	return r.run(ctx, req, nil)
}

// Stream executes the task while emitting ordered events. The channel is
// closed after the final done event; cancelling ctx stops in-flight work and
// freezes the ledger at whatever was realized.
func (r *Runner) Stream(ctx context.Context, req TaskRequest) (<-chan Event, error) {
	if err := r.validateRequest(req); err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		emit := func(e Event) {
			select {
			case events <- e:
			case <-ctx.Done():
			}
		}
		result, err := r.run(ctx, req, emit)
		done := Event{Type: EventDone, Result: result}
		if err != nil {
			done.Err = uniagent.AsAgentError(err).Error()
		}
		emit(done)
	}()
	return events, nil
}

func (r *Runner) validateRequest(req TaskRequest) error {
	if err := r.validate.Struct(req); err != nil {
		return uniagent.NewAgentError(uniagent.CodeValidation, "invalid task request", err)
	}
	if !req.MaxBudget.IsPositive() {
		return uniagent.NewAgentError(uniagent.CodeValidation,
			fmt.Sprintf("maxBudget must be positive, got %s", req.MaxBudget), uniagent.ErrValidation)
	}
	return nil
}

func (r *Runner) run(ctx context.Context, req TaskRequest, emit func(Event)) (*RunResult, error) {
	result := &RunResult{
		RunID:      uuid.NewString(),
		TotalSpent: decimal.Zero,
		Remaining:  req.MaxBudget,
	}
	if err := r.validateRequest(req); err != nil {
		return result, err
	}

	ledger := uniagent.NewBudgetLedger(req.MaxBudget, r.safetyFraction)
	trace := eventlog.NewLog()
	record := func(kind uniagent.LogKind, description string, details map[string]interface{}) {
		entry := trace.Append(kind, description, details)
		if emit != nil {
			emit(Event{Type: EventLog, Log: &entry})
		}
	}
	finish := func(err error) (*RunResult, error) {
		snapshot := ledger.Snapshot()
		result.TotalSpent = snapshot.Spent
		result.Remaining = snapshot.Remaining
		result.Log = trace.Entries()
		return result, err
	}

	r.log.Info("run started", map[string]any{
		"run": result.RunID, "budget": req.MaxBudget.String(),
	})

	var observations []llm.Observation
	for step := 1; step <= MaxPlanSteps; step++ {
		if err := ctx.Err(); err != nil {
			record(uniagent.LogKindError, "run cancelled", nil)
			return finish(err)
		}
		result.Steps = step

		planStep, err := r.planner.Next(ctx, llm.PlanContext{
			Task:         req.Task,
			Budget:       ledger.Snapshot(),
			Capabilities: capabilitySet,
			Observations: observations,
		})
		if err != nil {
			record(uniagent.LogKindError, "planner failed", map[string]interface{}{"error": err.Error()})
			return finish(uniagent.NewAgentError(uniagent.CodeUnknown, "planner failed", err))
		}

		if planStep.Call == nil {
			record(uniagent.LogKindCompletion, "task completed", map[string]interface{}{
				"answer": planStep.Answer,
			})
			result.Answer = planStep.Answer
			if emit != nil {
				emit(Event{Type: EventContent, Content: planStep.Answer})
			}
			return finish(nil)
		}

		record(uniagent.LogKindPlan, "planner proposed "+planStep.Call.Name, map[string]interface{}{
			"thought":   planStep.Thought,
			"arguments": planStep.Call.Arguments,
		})

		observation := r.execute(ctx, ledger, planStep.Call, record, emit)
		observations = append(observations, observation)
	}

	record(uniagent.LogKindError, "step limit reached without an answer", nil)
	return finish(uniagent.NewAgentError(uniagent.CodeUnknown,
		fmt.Sprintf("no answer after %d planning steps", MaxPlanSteps), uniagent.ErrStepLimit))
}

// execute dispatches one proposed capability call. Failures become error
// observations for the planner, never a run abort: the planner decides
// whether to try something else or give up.
func (r *Runner) execute(ctx context.Context, ledger *uniagent.BudgetLedger, call *llm.CapabilityCall, record func(uniagent.LogKind, string, map[string]interface{}), emit func(Event)) llm.Observation {
	observation := llm.Observation{Capability: call.Name, Arguments: call.Arguments}

	switch call.Name {
	case CapabilityDiscover:
		query, err := decodeArgs[discoverArgs](call.Arguments)
		if err != nil {
			observation.Err = err.Error()
			record(uniagent.LogKindError, "discover arguments invalid", map[string]interface{}{"error": err.Error()})
			return observation
		}

		found, err := r.discovery.Discover(ctx, query.toQuery())
		if err != nil {
			classified := uniagent.AsAgentError(err)
			observation.Err = classified.Error()
			record(uniagent.LogKindError, "discovery failed", map[string]interface{}{
				"code": classified.Code, "error": classified.Message,
			})
			return observation
		}

		observation.Result = renderCandidates(found)
		record(uniagent.LogKindDiscovery, fmt.Sprintf("found %d candidate agents", found.Total), map[string]interface{}{
			"total": found.Total,
		})
		return observation

	case CapabilityExecute:
		args, err := decodeArgs[executeArgs](call.Arguments)
		if err != nil {
			observation.Err = err.Error()
			record(uniagent.LogKindError, "execute arguments invalid", map[string]interface{}{"error": err.Error()})
			return observation
		}

		ceiling := ledger.Ceiling()
		record(uniagent.LogKindInvocation, "invoking "+args.Endpoint, map[string]interface{}{
			"ceiling": ceiling.String(),
		})

		invoked, err := r.invoker.Invoke(ctx, payment.InvokeRequest{
			Endpoint: args.Endpoint,
			Task:     args.Task,
			MaxPrice: ceiling,
		})
		if err != nil {
			classified := uniagent.AsAgentError(err)
			observation.Err = classified.Error()
			record(uniagent.LogKindError, "invocation failed", map[string]interface{}{
				"code": classified.Code, "error": classified.Message, "endpoint": args.Endpoint,
			})
			return observation
		}

		if invoked.AmountPaid.IsPositive() {
			if err := ledger.Spend(invoked.AmountPaid); err != nil {
				// The ceiling should make this unreachable; booking
				// failures are still surfaced, never swallowed.
				classified := uniagent.AsAgentError(err)
				observation.Err = classified.Error()
				record(uniagent.LogKindError, "failed to book realized payment", map[string]interface{}{
					"code": classified.Code, "amount": invoked.AmountPaid.String(),
				})
				return observation
			}
			snapshot := ledger.Snapshot()
			record(uniagent.LogKindPayment, "paid "+invoked.AmountPaid.String(), map[string]interface{}{
				"amount":    invoked.AmountPaid.String(),
				"remaining": snapshot.Remaining.String(),
				"endpoint":  args.Endpoint,
			})
			if emit != nil {
				emit(Event{Type: EventPayment, Payment: &PaymentNotice{
					Endpoint:   args.Endpoint,
					AmountPaid: invoked.AmountPaid,
					Remaining:  snapshot.Remaining,
				}})
			}
		}

		observation.Result = invoked.Content
		return observation

	default:
		observation.Err = fmt.Sprintf("unknown capability %q", call.Name)
		record(uniagent.LogKindError, "planner proposed unknown capability", map[string]interface{}{
			"capability": call.Name,
		})
		return observation
	}
}

// decodeArgs converts loosely-typed planner arguments into a typed struct by
// a JSON round trip, so numeric and string forms are both accepted.
func decodeArgs[T any](args map[string]interface{}) (T, error) {
	var out T
	raw, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("failed to encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return out, nil
}

// renderCandidates compacts a discovery result for the planner's context
// window: one line of JSON per candidate with just the decision-relevant
// fields.
func renderCandidates(result *uniagent.DiscoveryResult) string {
	type candidate struct {
		ID       string  `json:"id"`
		Name     string  `json:"name"`
		Price    string  `json:"pricePerCall"`
		Rating   float64 `json:"rating"`
		Endpoint string  `json:"endpoint"`
	}
	compact := make([]candidate, len(result.Candidates))
	for i, c := range result.Candidates {
		compact[i] = candidate{
			ID:       c.ID,
			Name:     c.Name,
			Price:    c.PricePerCall.String(),
			Rating:   c.RatingAverage,
			Endpoint: c.InvocationEndpoint,
		}
	}
	raw, _ := json.Marshal(map[string]interface{}{
		"total":      result.Total,
		"candidates": compact,
	})
	return string(raw)
}
