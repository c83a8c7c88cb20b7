package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"xobattle/internal/ports"
)

const (
	kindReserve = "reserve"
	kindCredit  = "credit"
	kindDebit   = "debit"
	kindOutcome = "outcome"
	kindGrant   = "grant"
)

var _ ports.Ledger = (*Store)(nil)

// Reserve moves amount from balance into held.
func (s *Store) Reserve(ctx context.Context, participantID string, amount decimal.Decimal, ref string) error {
	return s.apply(ctx, participantID, kindReserve, ref, amount, 0, func(p *Profile) error {
		if p.Balance.LessThan(amount) {
			return ports.ErrInsufficientFunds
		}
		p.Balance = p.Balance.Sub(amount)
		p.Held = p.Held.Add(amount)
		return nil
	})
}

// Credit adds amount to balance and releases up to amount of held funds.
func (s *Store) Credit(ctx context.Context, participantID string, amount decimal.Decimal, ref string) error {
	return s.apply(ctx, participantID, kindCredit, ref, amount, 0, func(p *Profile) error {
		p.Balance = p.Balance.Add(amount)
		p.Held = decimal.Max(decimal.Zero, p.Held.Sub(amount))
		return nil
	})
}

// Debit consumes amount from held first and then from balance, never going
// below zero.
func (s *Store) Debit(ctx context.Context, participantID string, amount decimal.Decimal, ref string) error {
	return s.apply(ctx, participantID, kindDebit, ref, amount, 0, func(p *Profile) error {
		fromHeld := decimal.Min(p.Held, amount)
		p.Held = p.Held.Sub(fromHeld)
		p.Balance = decimal.Max(decimal.Zero, p.Balance.Sub(amount.Sub(fromHeld)))
		return nil
	})
}

// RecordOutcome adds a finished match to the participant's record.
func (s *Store) RecordOutcome(ctx context.Context, participantID string, outcome ports.Outcome, scoreDelta int, ref string) error {
	return s.apply(ctx, participantID, kindOutcome, ref, decimal.Zero, scoreDelta, func(p *Profile) error {
		p.Score = max(0, p.Score+scoreDelta)
		p.GamesPlayed++
		switch outcome {
		case ports.OutcomeWin:
			p.Wins++
		case ports.OutcomeLoss:
			p.Losses++
		case ports.OutcomeDraw:
			p.Draws++
		default:
			return fmt.Errorf("unknown outcome %q", outcome)
		}
		return nil
	})
}

// Grant adjusts balance and score administratively. Negative values take
// away, clamped at zero.
func (s *Store) Grant(ctx context.Context, participantID string, amount decimal.Decimal, scoreDelta int, ref string) error {
	return s.apply(ctx, participantID, kindGrant, ref, amount, scoreDelta, func(p *Profile) error {
		p.Balance = decimal.Max(decimal.Zero, p.Balance.Add(amount))
		p.Score = max(0, p.Score+scoreDelta)
		return nil
	})
}

// apply journals (ref, participant, kind) and runs fn against the profile in
// one transaction. A journal entry that already exists means the mutation was
// applied before, and apply returns nil without calling fn.
func (s *Store) apply(ctx context.Context, participantID, kind, ref string, amount decimal.Decimal, scoreDelta int, fn func(*Profile) error) error {
	if participantID == "" {
		return fmt.Errorf("%s: empty participant id", kind)
	}
	if amount.IsNegative() && kind != kindGrant {
		return fmt.Errorf("%s: negative amount %s", kind, amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	if err := s.ensureProfile(ctx, tx, participantID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO ledger_entries (ref, participant_id, kind, amount, score_delta, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`), ref, participantID, kind, amount.String(), scoreDelta, now)
	if err != nil {
		return fmt.Errorf("%s journal: %w", kind, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("%s journal: %w", kind, err)
	} else if n == 0 {
		return nil
	}

	var p Profile
	if err := tx.GetContext(ctx, &p, s.q(s.forUpdate(`SELECT `+profileColumns+` FROM profiles WHERE id = ?`)), participantID); err != nil {
		return fmt.Errorf("%s load profile: %w", kind, err)
	}
	if err := fn(&p); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE profiles
		SET balance = ?, held = ?, score = ?, games_played = ?, wins = ?, losses = ?, draws = ?, updated_at = ?
		WHERE id = ?
	`), p.Balance.String(), p.Held.String(), p.Score, p.GamesPlayed, p.Wins, p.Losses, p.Draws, now, participantID); err != nil {
		return fmt.Errorf("%s update profile: %w", kind, err)
	}
	return tx.Commit()
}

func (s *Store) ensureProfile(ctx context.Context, ex sqlx.ExecerContext, id string) error {
	_, err := ex.ExecContext(ctx, s.q(`
		INSERT INTO profiles (id, updated_at) VALUES (?, ?)
		ON CONFLICT (id) DO NOTHING
	`), id, s.now())
	if err != nil {
		return fmt.Errorf("ensure profile: %w", err)
	}
	return nil
}
