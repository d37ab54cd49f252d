package uniagent

import (
	"sync"

	"github.com/shopspring/decimal"
)

// DefaultSafetyFraction is the share of the remaining budget that may be
// offered to any single sub-call, leaving margin for subsequent calls.
var DefaultSafetyFraction = decimal.RequireFromString("0.9")

// BudgetLedger tracks cumulative spend against a hard budget for one
// orchestration run. Spend is booked only from realized amounts and the
// invariant spent <= maxBudget holds at all times: Spend rejects any amount
// that would cross the ceiling before it is applied.
//
// A ledger is owned by exactly one run but its methods are safe for
// concurrent use, so capability invocations may be dispatched in parallel
// without racing past the budget.
type BudgetLedger struct {
	mu             sync.Mutex
	maxBudget      decimal.Decimal
	spent          decimal.Decimal
	safetyFraction decimal.Decimal
}

// LedgerSnapshot is a point-in-time copy of the ledger state.
type LedgerSnapshot struct {
	MaxBudget decimal.Decimal `json:"maxBudget"`
	Spent     decimal.Decimal `json:"spent"`
	Remaining decimal.Decimal `json:"remaining"`
}

// NewBudgetLedger creates a ledger for one run. A non-positive safetyFraction
// falls back to the default of 0.9.
func NewBudgetLedger(maxBudget, safetyFraction decimal.Decimal) *BudgetLedger {
	if safetyFraction.Sign() <= 0 || safetyFraction.GreaterThan(decimal.NewFromInt(1)) {
		safetyFraction = DefaultSafetyFraction
	}
	return &BudgetLedger{
		maxBudget:      maxBudget,
		spent:          decimal.Zero,
		safetyFraction: safetyFraction,
	}
}

// Spend books a realized amount. It returns ErrBudgetExceeded (classified)
// without mutating the ledger if the amount would push spent past maxBudget,
// and ErrInvalidAmount for negative amounts.
func (l *BudgetLedger) Spend(realized decimal.Decimal) error {
	if realized.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.spent.Add(realized)
	if next.GreaterThan(l.maxBudget) {
		return NewAgentError(CodeBudgetExceeded, "realized amount would exceed the task budget", ErrBudgetExceeded).
			WithDetails("spent", l.spent.String()).
			WithDetails("realized", realized.String()).
			WithDetails("maxBudget", l.maxBudget.String())
	}
	l.spent = next
	return nil
}

// Ceiling returns the maximum amount that may be offered to a single
// sub-call: remaining budget scaled by the safety fraction.
func (l *BudgetLedger) Ceiling() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.maxBudget.Sub(l.spent)
	if remaining.Sign() <= 0 {
		return decimal.Zero
	}
	return remaining.Mul(l.safetyFraction)
}

// Spent returns the cumulative realized spend.
func (l *BudgetLedger) Spent() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent
}

// Snapshot returns a consistent copy of the ledger state.
func (l *BudgetLedger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LedgerSnapshot{
		MaxBudget: l.maxBudget,
		Spent:     l.spent,
		Remaining: l.maxBudget.Sub(l.spent),
	}
}
