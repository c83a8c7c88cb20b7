// Package settle turns a finished match into ledger mutations and the final
// notification for each human participant.
package settle

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"xobattle/internal/battle"
	"xobattle/internal/game"
	"xobattle/internal/ports"
)

// DefaultPayoutRatio is what a staked winner receives per unit staked,
// stake return included.
var DefaultPayoutRatio = decimal.RequireFromString("1.75")

// Result is a participant's view of how the match ended.
type Result string

const (
	ResultWin       Result = "win"
	ResultLoss      Result = "loss"
	ResultDraw      Result = "draw"
	ResultCancelled Result = "cancelled"
)

// Line is the settlement for one human participant. At most one of Credit
// and Debit is positive. Outcome is empty when nothing is recorded.
type Line struct {
	Participant string
	Index       int
	Result      Result
	Outcome     ports.Outcome
	ScoreDelta  int
	Credit      decimal.Decimal
	Debit       decimal.Decimal
}

// Plan computes the settlement of m. It performs no I/O.
func Plan(m battle.Match, out battle.Outcome, ratio decimal.Decimal) []Line {
	lines := make([]Line, 0, 2)
	humans := m.Mode == battle.ModeHumans
	for i, p := range m.Players {
		if !p.IsHuman() {
			continue
		}
		line := Line{Participant: p.ID, Index: i}
		switch out.Kind {
		case battle.OutcomeCancelled:
			line.Result = ResultCancelled
			if m.Staked {
				line.Credit = m.Stake
			}
		case battle.OutcomeDraw:
			line.Result = ResultDraw
			line.Outcome = ports.OutcomeDraw
			if m.Staked {
				line.Credit = m.Stake
			}
		case battle.OutcomeWin:
			if out.Winner == i {
				line.Result = ResultWin
				line.Outcome = ports.OutcomeWin
				if humans {
					line.ScoreDelta = 1
				} else {
					line.Credit = m.Reward
				}
				if m.Staked {
					line.Credit = line.Credit.Add(m.Stake.Mul(ratio))
				}
			} else {
				line.Result = ResultLoss
				line.Outcome = ports.OutcomeLoss
				if humans {
					line.ScoreDelta = -1
				}
				if m.Staked {
					line.Debit = m.Stake
				}
			}
		}
		lines = append(lines, line)
	}
	return lines
}

// Ref is the idempotency reference used for every ledger call of a match.
func Ref(matchID string) string {
	return matchID + ":settle"
}

// MatchOver is the final event each human participant receives.
type MatchOver struct {
	MatchID    string           `json:"matchId"`
	Result     Result           `json:"result"`
	Reason     battle.Reason    `json:"reason"`
	Wins       [2]int           `json:"wins"`
	Opponent   game.Participant `json:"opponent"`
	ScoreDelta int              `json:"scoreDelta"`
	Credit     decimal.Decimal  `json:"credit"`
	Debit      decimal.Decimal  `json:"debit"`
}

type Option func(*Reporter)

func WithLogger(l *zap.Logger) Option { return func(r *Reporter) { r.logger = l } }

// Reporter executes settlement plans against a Ledger.
type Reporter struct {
	ledger   ports.Ledger
	notifier ports.Notifier
	ratio    decimal.Decimal
	logger   *zap.Logger
}

// NewReporter creates a Reporter. A non-positive ratio uses DefaultPayoutRatio.
func NewReporter(ledger ports.Ledger, notifier ports.Notifier, ratio decimal.Decimal, opts ...Option) *Reporter {
	if !ratio.IsPositive() {
		ratio = DefaultPayoutRatio
	}
	if notifier == nil {
		notifier = ports.NopNotifier{}
	}
	r := &Reporter{ledger: ledger, notifier: notifier, ratio: ratio, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Settle applies the plan for m. Ledger failures are logged; the ref makes a
// later replay safe.
func (r *Reporter) Settle(ctx context.Context, m battle.Match, out battle.Outcome) {
	ctx = context.WithoutCancel(ctx)
	ref := Ref(m.ID)
	for _, line := range Plan(m, out, r.ratio) {
		log := r.logger.With(zap.String("match", m.ID), zap.String("participant", line.Participant))
		switch {
		case line.Credit.IsPositive():
			if err := r.ledger.Credit(ctx, line.Participant, line.Credit, ref); err != nil {
				log.Error("settlement credit failed", zap.Stringer("amount", line.Credit), zap.Error(err))
			}
		case line.Debit.IsPositive():
			if err := r.ledger.Debit(ctx, line.Participant, line.Debit, ref); err != nil {
				log.Error("settlement debit failed", zap.Stringer("amount", line.Debit), zap.Error(err))
			}
		}
		if line.Outcome != "" {
			if err := r.ledger.RecordOutcome(ctx, line.Participant, line.Outcome, line.ScoreDelta, ref); err != nil {
				log.Error("record outcome failed", zap.String("outcome", string(line.Outcome)), zap.Error(err))
			}
		}

		ev := MatchOver{
			MatchID:    m.ID,
			Result:     line.Result,
			Reason:     out.Reason,
			Wins:       m.Wins,
			Opponent:   m.Players[1-line.Index],
			ScoreDelta: line.ScoreDelta,
			Credit:     line.Credit,
			Debit:      line.Debit,
		}
		if err := r.notifier.Notify(ctx, line.Participant, ports.EventMatchOver, ev); err != nil {
			log.Debug("notify failed", zap.String("event", string(ports.EventMatchOver)), zap.Error(err))
		}
		log.Info("settled",
			zap.String("result", string(line.Result)),
			zap.Int("scoreDelta", line.ScoreDelta),
			zap.Stringer("credit", line.Credit),
			zap.Stringer("debit", line.Debit))
	}
}
