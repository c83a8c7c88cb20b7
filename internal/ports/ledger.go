// Package ports holds the contracts for collaborators that live outside the
// match engine: the balance/score ledger, the participant notifier and the
// eligibility gate.
package ports

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Outcome is what a participant's record shows for a finished match.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeDraw Outcome = "draw"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Ledger owns balances and scores. Every call carries a ref; repeating a call
// with the same ref, participant and operation has no further effect.
type Ledger interface {
	// Reserve moves amount from the spendable balance into a hold.
	Reserve(ctx context.Context, participantID string, amount decimal.Decimal, ref string) error
	// Credit adds amount to the balance and releases up to amount of held funds.
	Credit(ctx context.Context, participantID string, amount decimal.Decimal, ref string) error
	// Debit consumes amount, taking held funds first.
	Debit(ctx context.Context, participantID string, amount decimal.Decimal, ref string) error
	RecordOutcome(ctx context.Context, participantID string, outcome Outcome, scoreDelta int, ref string) error
}
