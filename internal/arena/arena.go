// Package arena is the entry point for participant actions. It checks
// eligibility, reserves stakes, hands pairs from the lobby to the match
// manager and refunds reservations that never reach a match.
package arena

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"xobattle/internal/battle"
	"xobattle/internal/game"
	"xobattle/internal/matchmaking"
	"xobattle/internal/metrics"
	"xobattle/internal/ports"
)

var (
	ErrNotEligible     = errors.New("participant not eligible")
	ErrUnknownOpponent = battle.ErrUnknownOpponent
)

// Queued is sent when a participant starts waiting.
type Queued struct {
	Pool      matchmaking.Pool `json:"pool"`
	Position  int              `json:"position"`
	ExpiresAt time.Time        `json:"expiresAt"`
	Stake     decimal.Decimal  `json:"stake"`
}

// QueueReleased is sent when a participant stops waiting without a match.
type QueueReleased struct {
	Pool     matchmaking.Pool          `json:"pool"`
	Reason   matchmaking.ReleaseReason `json:"reason"`
	Refunded decimal.Decimal           `json:"refunded"`
}

// Status is what a participant is currently doing.
type Status struct {
	Pool     matchmaking.Pool `json:"pool,omitempty"`
	Position int              `json:"position,omitempty"`
	Match    *battle.View     `json:"match,omitempty"`
}

type Option func(*Arena)

func WithGate(g ports.Gate) Option                { return func(a *Arena) { a.gate = g } }
func WithNotifier(n ports.Notifier) Option        { return func(a *Arena) { a.notifier = n } }
func WithStake(s decimal.Decimal) Option          { return func(a *Arena) { a.stake = s } }
func WithClock(c clock.Clock) Option              { return func(a *Arena) { a.clock = c } }
func WithQueueExpiry(d time.Duration) Option      { return func(a *Arena) { a.expiry = d } }
func WithQueueMirror(m matchmaking.Mirror) Option { return func(a *Arena) { a.mirror = m } }
func WithMetrics(m *metrics.Metrics) Option       { return func(a *Arena) { a.metrics = m } }
func WithLogger(l *zap.Logger) Option             { return func(a *Arena) { a.logger = l } }

type Arena struct {
	lobby    *matchmaking.Lobby
	matches  *battle.Manager
	registry *game.Registry
	ledger   ports.Ledger

	gate     ports.Gate
	notifier ports.Notifier
	stake    decimal.Decimal
	clock    clock.Clock
	expiry   time.Duration
	mirror   matchmaking.Mirror
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New wires a lobby to matches. The lobby is owned by the Arena.
func New(matches *battle.Manager, registry *game.Registry, ledger ports.Ledger, opts ...Option) *Arena {
	a := &Arena{
		matches:  matches,
		registry: registry,
		ledger:   ledger,
		gate:     ports.AllowAll{},
		notifier: ports.NopNotifier{},
		stake:    decimal.NewFromInt(1),
		clock:    clock.New(),
		expiry:   matchmaking.DefaultExpiry,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	lobbyOpts := []matchmaking.Option{
		matchmaking.WithLogger(a.logger.Named("lobby")),
		matchmaking.WithMetrics(a.metrics),
	}
	if a.mirror != nil {
		lobbyOpts = append(lobbyOpts, matchmaking.WithMirror(a.mirror))
	}
	a.lobby = matchmaking.New(a.clock, a.expiry, matchmaking.Hooks{
		InMatch:  matches.InMatch,
		Paired:   a.onPaired,
		Released: a.onReleased,
	}, lobbyOpts...)
	return a
}

// Stake is the amount reserved for the staked pool and staked challenges.
func (a *Arena) Stake() decimal.Decimal { return a.stake }

// Queue puts participantID into pool. For the staked pool the stake is
// reserved first and refunded if the participant never reaches a match.
func (a *Arena) Queue(ctx context.Context, participantID string, pool matchmaking.Pool) (int, error) {
	if !pool.Valid() {
		return 0, fmt.Errorf("%w: %q", matchmaking.ErrUnknownPool, pool)
	}
	if !a.gate.IsEligible(ctx, participantID) {
		return 0, ErrNotEligible
	}
	if a.matches.InMatch(participantID) {
		return 0, matchmaking.ErrAlreadyInMatch
	}
	if _, queued := a.lobby.Queued(participantID); queued {
		return 0, matchmaking.ErrAlreadyQueued
	}

	ticket := uuid.NewString()
	staked := pool == matchmaking.PoolStaked
	if staked {
		if err := a.ledger.Reserve(ctx, participantID, a.stake, holdRef(ticket)); err != nil {
			return 0, fmt.Errorf("reserve stake: %w", err)
		}
	}

	pos, err := a.lobby.Enqueue(ctx, game.Human(participantID), pool, ticket)
	if err != nil {
		// A failed pairing already released both entries through onReleased.
		if staked && !errors.Is(err, matchmaking.ErrPairingFailed) {
			a.refund(ctx, participantID, ticket)
		}
		return 0, err
	}
	if pos > 0 {
		ev := Queued{Pool: pool, Position: pos, ExpiresAt: a.clock.Now().Add(a.expiry)}
		if staked {
			ev.Stake = a.stake
		}
		a.notify(ctx, participantID, ports.EventQueued, ev)
	}
	return pos, nil
}

// Leave takes participantID out of its pool.
func (a *Arena) Leave(ctx context.Context, participantID string) error {
	_, err := a.lobby.Leave(ctx, participantID)
	return err
}

// Challenge starts a match between participantID and an automated opponent.
func (a *Arena) Challenge(ctx context.Context, participantID, opponent string, staked bool) (battle.Match, error) {
	if !a.gate.IsEligible(ctx, participantID) {
		return battle.Match{}, ErrNotEligible
	}
	opp, ok := a.registry.Get(opponent)
	if !ok {
		return battle.Match{}, fmt.Errorf("%w: %s", ErrUnknownOpponent, opponent)
	}
	if a.matches.InMatch(participantID) {
		return battle.Match{}, matchmaking.ErrAlreadyInMatch
	}

	ticket := uuid.NewString()
	if staked {
		if err := a.ledger.Reserve(ctx, participantID, a.stake, holdRef(ticket)); err != nil {
			return battle.Match{}, fmt.Errorf("reserve stake: %w", err)
		}
	}

	var m battle.Match
	err := a.lobby.Unqueued(participantID, func() error {
		var err error
		m, err = a.matches.Start(ctx, [2]game.Participant{game.Human(participantID), opp.Participant()},
			battle.StartOptions{Staked: staked, Stake: a.stake})
		return err
	})
	if err != nil {
		if staked {
			a.refund(ctx, participantID, ticket)
		}
		return battle.Match{}, err
	}
	return m, nil
}

func (a *Arena) Move(ctx context.Context, participantID string, cell int) (battle.Step, error) {
	return a.matches.SubmitMove(ctx, participantID, cell)
}

func (a *Arena) Concede(ctx context.Context, participantID string) (battle.Outcome, error) {
	return a.matches.Concede(ctx, participantID)
}

// Cancel removes a match administratively.
func (a *Arena) Cancel(ctx context.Context, matchID string) error {
	return a.matches.Remove(ctx, matchID)
}

// Status reports whether participantID is waiting or playing.
func (a *Arena) Status(participantID string) Status {
	var st Status
	if pool, ok := a.lobby.Queued(participantID); ok {
		st.Pool = pool
		st.Position, _ = a.lobby.Position(participantID)
	}
	if m, ok := a.matches.ByParticipant(participantID); ok {
		v := m.View()
		st.Match = &v
	}
	return st
}

// QueueLen reports how many participants wait in pool.
func (a *Arena) QueueLen(pool matchmaking.Pool) int {
	return a.lobby.Len(pool)
}

// Close releases everyone still waiting, refunding their stakes, and stops
// match timers.
func (a *Arena) Close(ctx context.Context) {
	a.lobby.Close(ctx)
	a.matches.Close()
}

func (a *Arena) onPaired(ctx context.Context, p matchmaking.Pairing) error {
	_, err := a.matches.Start(ctx, [2]game.Participant{p.First.Participant, p.Second.Participant}, battle.StartOptions{
		Staked: p.Pool == matchmaking.PoolStaked,
		Stake:  a.stake,
	})
	return err
}

func (a *Arena) onReleased(ctx context.Context, e matchmaking.Entry, reason matchmaking.ReleaseReason) {
	ev := QueueReleased{Pool: e.Pool, Reason: reason}
	if e.Pool == matchmaking.PoolStaked {
		if a.refund(ctx, e.Participant.ID, e.Ticket) {
			ev.Refunded = a.stake
		}
	}
	a.notify(ctx, e.Participant.ID, ports.EventQueueReleased, ev)
}

func (a *Arena) refund(ctx context.Context, participantID, ticket string) bool {
	if err := a.ledger.Credit(context.WithoutCancel(ctx), participantID, a.stake, releaseRef(ticket)); err != nil {
		a.logger.Error("refund reservation failed",
			zap.String("participant", participantID),
			zap.String("ticket", ticket),
			zap.Error(err))
		return false
	}
	return true
}

func (a *Arena) notify(ctx context.Context, participantID string, kind ports.EventKind, payload any) {
	if err := a.notifier.Notify(ctx, participantID, kind, payload); err != nil {
		a.logger.Debug("notify failed", zap.String("participant", participantID), zap.String("event", string(kind)), zap.Error(err))
	}
}

func holdRef(ticket string) string    { return "hold:" + ticket }
func releaseRef(ticket string) string { return "release:" + ticket }
