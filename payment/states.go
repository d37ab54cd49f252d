package payment

// State is one node of the invocation state machine. Every Invoke records the
// states it passed through, in order, so a run's execution log can show
// exactly how far a payment got before succeeding or failing.
type State string

const (
	// StateInit is the start state before any request is sent.
	StateInit State = "INIT"

	// StateSent means the unauthenticated first request is in flight.
	StateSent State = "SENT"

	// StateOK is the accepting state: the counterparty returned a result.
	StateOK State = "OK"

	// StateChallenged means the counterparty answered 402 and a payment
	// requirement is being decoded.
	StateChallenged State = "CHALLENGED"

	// StateBudgetCheck means the decoded amount is being checked against
	// the per-call ceiling. No signature exists yet.
	StateBudgetCheck State = "BUDGET_CHECK"

	// StateRejected is a terminal state: the amount exceeded the ceiling
	// and no authorization was ever created.
	StateRejected State = "REJECTED"

	// StateSigning means an authorization is being built and signed.
	StateSigning State = "SIGNING"

	// StateRetrySent means the paid retry carrying X-PAYMENT is in flight.
	// There is exactly one paid retry per invocation.
	StateRetrySent State = "RETRY_SENT"

	// StateFailed is the terminal failure state.
	StateFailed State = "FAILED"
)

// trace is an append-only record of visited states.
type trace struct {
	states []State
}

func newTrace() *trace {
	return &trace{states: []State{StateInit}}
}

func (t *trace) enter(s State) {
	t.states = append(t.states, s)
}
