package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	uniagent "github.com/toryoto/uniagent-go"
	"github.com/toryoto/uniagent-go/llm"
	"github.com/toryoto/uniagent-go/payment"
)

// scriptedPlanner replays a fixed list of steps and records every context it
// was shown.
type scriptedPlanner struct {
	steps    []*llm.PlanStep
	err      error
	calls    int
	contexts []llm.PlanContext
}

func (p *scriptedPlanner) Next(_ context.Context, pc llm.PlanContext) (*llm.PlanStep, error) {
	p.contexts = append(p.contexts, pc)
	if p.err != nil {
		return nil, p.err
	}
	if p.calls >= len(p.steps) {
		return p.steps[len(p.steps)-1], nil
	}
	step := p.steps[p.calls]
	p.calls++
	return step, nil
}

type fakeDiscovery struct {
	result *uniagent.DiscoveryResult
	err    error
	query  uniagent.DiscoveryQuery
}

func (f *fakeDiscovery) Discover(_ context.Context, query uniagent.DiscoveryQuery) (*uniagent.DiscoveryResult, error) {
	f.query = query
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeInvoker struct {
	results  []*payment.InvokeResult
	errs     []error
	requests []payment.InvokeRequest
}

func (f *fakeInvoker) Invoke(_ context.Context, req payment.InvokeRequest) (*payment.InvokeResult, error) {
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return &payment.InvokeResult{AmountPaid: decimal.Zero}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &payment.InvokeResult{Content: "ok", AmountPaid: decimal.Zero}, nil
}

func discoverStep() *llm.PlanStep {
	return &llm.PlanStep{Call: &llm.CapabilityCall{
		Name:      CapabilityDiscover,
		Arguments: map[string]interface{}{"skill": "translate", "maxPrice": "0.05"},
	}}
}

func executeStep(endpoint string) *llm.PlanStep {
	return &llm.PlanStep{Call: &llm.CapabilityCall{
		Name:      CapabilityExecute,
		Arguments: map[string]interface{}{"endpoint": endpoint, "task": "translate hello"},
	}}
}

func answerStep(answer string) *llm.PlanStep {
	return &llm.PlanStep{Answer: answer}
}

func kinds(log []uniagent.ExecutionLogEntry) []uniagent.LogKind {
	out := make([]uniagent.LogKind, len(log))
	for i, entry := range log {
		out[i] = entry.Kind
	}
	return out
}

func hasKind(log []uniagent.ExecutionLogEntry, kind uniagent.LogKind) bool {
	for _, entry := range log {
		if entry.Kind == kind {
			return true
		}
	}
	return false
}

func TestRun_DiscoverPayAnswer(t *testing.T) {
	planner := &scriptedPlanner{steps: []*llm.PlanStep{
		discoverStep(),
		executeStep("http://agent.example/rpc"),
		answerStep("bonjour"),
	}}
	discovery := &fakeDiscovery{result: &uniagent.DiscoveryResult{
		Candidates: []uniagent.CapabilityDescriptor{{
			ID: "1", Name: "Translator",
			PricePerCall:       decimal.RequireFromString("0.01"),
			InvocationEndpoint: "http://agent.example/rpc",
			RatingAverage:      4.5,
		}},
		Total: 1,
	}}
	invoker := &fakeInvoker{results: []*payment.InvokeResult{
		{Content: "bonjour", AmountPaid: decimal.RequireFromString("0.01")},
	}}

	runner := NewRunner(planner, discovery, invoker)
	result, err := runner.Run(context.Background(), TaskRequest{
		Task:      "translate hello to french",
		MaxBudget: decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Answer != "bonjour" {
		t.Errorf("Answer = %q", result.Answer)
	}
	if want := decimal.RequireFromString("0.01"); !result.TotalSpent.Equal(want) {
		t.Errorf("TotalSpent = %s, want %s", result.TotalSpent, want)
	}
	if want := decimal.RequireFromString("0.99"); !result.Remaining.Equal(want) {
		t.Errorf("Remaining = %s, want %s", result.Remaining, want)
	}
	if result.Steps != 3 {
		t.Errorf("Steps = %d, want 3", result.Steps)
	}

	// First invocation is offered 90% of the untouched budget.
	if len(invoker.requests) != 1 {
		t.Fatalf("invocations = %d", len(invoker.requests))
	}
	if want := decimal.RequireFromString("0.9"); !invoker.requests[0].MaxPrice.Equal(want) {
		t.Errorf("ceiling = %s, want %s", invoker.requests[0].MaxPrice, want)
	}

	// Discovery filters flow through from the planner's arguments.
	if discovery.query.Skill != "translate" || discovery.query.MaxPrice == nil {
		t.Errorf("query = %+v", discovery.query)
	}

	for _, kind := range []uniagent.LogKind{
		uniagent.LogKindPlan, uniagent.LogKindDiscovery, uniagent.LogKindInvocation,
		uniagent.LogKindPayment, uniagent.LogKindCompletion,
	} {
		if !hasKind(result.Log, kind) {
			t.Errorf("log %v missing kind %s", kinds(result.Log), kind)
		}
	}

	// The planner's final context carries both observations.
	last := planner.contexts[len(planner.contexts)-1]
	if len(last.Observations) != 2 {
		t.Fatalf("observations = %d, want 2", len(last.Observations))
	}
	if last.Observations[1].Result != "bonjour" {
		t.Errorf("observation result = %q", last.Observations[1].Result)
	}
}

func TestRun_FreeCallBooksNothing(t *testing.T) {
	planner := &scriptedPlanner{steps: []*llm.PlanStep{
		executeStep("http://agent.example/rpc"),
		answerStep("done"),
	}}
	invoker := &fakeInvoker{results: []*payment.InvokeResult{
		{Content: "done", AmountPaid: decimal.Zero},
	}}

	runner := NewRunner(planner, &fakeDiscovery{}, invoker)
	result, err := runner.Run(context.Background(), TaskRequest{
		Task: "free thing", MaxBudget: decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.TotalSpent.IsZero() {
		t.Errorf("TotalSpent = %s, want 0", result.TotalSpent)
	}
	if hasKind(result.Log, uniagent.LogKindPayment) {
		t.Error("payment entry recorded for a free call")
	}
}

func TestRun_FailedInvocationBecomesObservation(t *testing.T) {
	planner := &scriptedPlanner{steps: []*llm.PlanStep{
		executeStep("http://agent.example/rpc"),
		answerStep("gave up"),
	}}
	invoker := &fakeInvoker{errs: []error{
		uniagent.NewAgentError(uniagent.CodeBudgetExceeded, "over ceiling", uniagent.ErrBudgetExceeded),
	}}

	runner := NewRunner(planner, &fakeDiscovery{}, invoker)
	result, err := runner.Run(context.Background(), TaskRequest{
		Task: "anything", MaxBudget: decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("Run failed: %v, a capability failure must not abort the run", err)
	}

	if result.Answer != "gave up" {
		t.Errorf("Answer = %q", result.Answer)
	}
	if !hasKind(result.Log, uniagent.LogKindError) {
		t.Errorf("log %v missing error entry", kinds(result.Log))
	}

	last := planner.contexts[len(planner.contexts)-1]
	if len(last.Observations) != 1 || last.Observations[0].Err == "" {
		t.Errorf("observations = %+v, want one error observation", last.Observations)
	}
}

func TestRun_StepLimit(t *testing.T) {
	planner := &scriptedPlanner{steps: []*llm.PlanStep{discoverStep()}}
	discovery := &fakeDiscovery{result: &uniagent.DiscoveryResult{Candidates: []uniagent.CapabilityDescriptor{}}}

	runner := NewRunner(planner, discovery, &fakeInvoker{})
	result, err := runner.Run(context.Background(), TaskRequest{
		Task: "never finishes", MaxBudget: decimal.RequireFromString("1"),
	})
	if !errors.Is(err, uniagent.ErrStepLimit) {
		t.Fatalf("err = %v, want ErrStepLimit", err)
	}
	if result.Steps != MaxPlanSteps {
		t.Errorf("Steps = %d, want %d", result.Steps, MaxPlanSteps)
	}
	if len(result.Log) == 0 {
		t.Error("partial log missing on failure")
	}
}

func TestRun_PlannerFailureReturnsPartialResult(t *testing.T) {
	planner := &scriptedPlanner{err: errors.New("model unavailable")}
	runner := NewRunner(planner, &fakeDiscovery{}, &fakeInvoker{})

	result, err := runner.Run(context.Background(), TaskRequest{
		Task: "anything", MaxBudget: decimal.RequireFromString("1"),
	})
	if err == nil {
		t.Fatal("expected planner failure")
	}
	if result == nil || len(result.Log) == 0 {
		t.Fatal("partial result with log missing on planner failure")
	}
	if !result.TotalSpent.IsZero() {
		t.Errorf("TotalSpent = %s", result.TotalSpent)
	}
}

func TestRun_Validation(t *testing.T) {
	runner := NewRunner(&scriptedPlanner{steps: []*llm.PlanStep{answerStep("x")}}, &fakeDiscovery{}, &fakeInvoker{})

	for _, tc := range []struct {
		name string
		req  TaskRequest
	}{
		{"empty task", TaskRequest{MaxBudget: decimal.RequireFromString("1")}},
		{"zero budget", TaskRequest{Task: "x"}},
		{"negative budget", TaskRequest{Task: "x", MaxBudget: decimal.RequireFromString("-1")}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := runner.Run(context.Background(), tc.req)
			var agentErr *uniagent.AgentError
			if !errors.As(err, &agentErr) || agentErr.Code != uniagent.CodeValidation {
				t.Errorf("err = %v, want code %s", err, uniagent.CodeValidation)
			}
		})
	}
}

func TestRun_UnknownCapability(t *testing.T) {
	planner := &scriptedPlanner{steps: []*llm.PlanStep{
		{Call: &llm.CapabilityCall{Name: "transfer_everything"}},
		answerStep("refused"),
	}}

	runner := NewRunner(planner, &fakeDiscovery{}, &fakeInvoker{})
	result, err := runner.Run(context.Background(), TaskRequest{
		Task: "anything", MaxBudget: decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	last := planner.contexts[len(planner.contexts)-1]
	if len(last.Observations) != 1 || last.Observations[0].Err == "" {
		t.Errorf("observations = %+v", last.Observations)
	}
	if result.Answer != "refused" {
		t.Errorf("Answer = %q", result.Answer)
	}
}

func TestStream_EventOrder(t *testing.T) {
	planner := &scriptedPlanner{steps: []*llm.PlanStep{
		executeStep("http://agent.example/rpc"),
		answerStep("streamed answer"),
	}}
	invoker := &fakeInvoker{results: []*payment.InvokeResult{
		{Content: "partial", AmountPaid: decimal.RequireFromString("0.02")},
	}}

	runner := NewRunner(planner, &fakeDiscovery{}, invoker)
	events, err := runner.Stream(context.Background(), TaskRequest{
		Task: "stream it", MaxBudget: decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var collected []Event
	for event := range events {
		collected = append(collected, event)
	}
	if len(collected) == 0 {
		t.Fatal("no events")
	}

	last := collected[len(collected)-1]
	if last.Type != EventDone || last.Result == nil {
		t.Fatalf("last event = %+v, want done with result", last)
	}
	if last.Result.Answer != "streamed answer" {
		t.Errorf("Answer = %q", last.Result.Answer)
	}

	var sawPayment, sawContent bool
	for _, event := range collected[:len(collected)-1] {
		switch event.Type {
		case EventPayment:
			sawPayment = true
			if !event.Payment.AmountPaid.Equal(decimal.RequireFromString("0.02")) {
				t.Errorf("payment = %+v", event.Payment)
			}
		case EventContent:
			sawContent = true
		case EventDone:
			t.Error("done event before the end of the stream")
		}
	}
	if !sawPayment || !sawContent {
		t.Errorf("sawPayment=%v sawContent=%v", sawPayment, sawContent)
	}
}

func TestStream_InvalidRequestFailsEagerly(t *testing.T) {
	runner := NewRunner(&scriptedPlanner{}, &fakeDiscovery{}, &fakeInvoker{})
	if _, err := runner.Stream(context.Background(), TaskRequest{}); err == nil {
		t.Fatal("expected validation error")
	}
}
