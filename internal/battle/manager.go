// Package battle runs best-of-N matches.
//
// Each active match is serialized by its own mutex. The Manager's index lock
// is only ever taken while holding a match lock, never the other way around.
// Turn and idle timers capture a generation when armed; a callback that finds
// a newer generation, or a closed match, does nothing.
package battle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"xobattle/internal/game"
	"xobattle/internal/metrics"
	"xobattle/internal/ports"
)

const (
	DefaultTurnTimeout = 30 * time.Second
	DefaultIdleTimeout = 5 * time.Minute
	DefaultRounds      = 3
)

var (
	ErrNoActiveMatch   = errors.New("no active match")
	ErrAlreadyInMatch  = errors.New("participant already in a match")
	ErrUnknownOpponent = errors.New("unknown opponent")
	ErrInconsistent    = errors.New("active match index inconsistent")
)

// Timeouts bound how long a match may wait. Zero values use the defaults.
type Timeouts struct {
	Turn time.Duration
	Idle time.Duration
}

// Settler receives every finished match exactly once.
type Settler interface {
	Settle(ctx context.Context, m Match, out Outcome)
}

// Mirror receives best-effort copies of match snapshots.
type Mirror interface {
	SaveMatch(ctx context.Context, id string, state []byte) error
	DeleteMatch(ctx context.Context, id string) error
}

// Persister stores snapshots of active matches so they survive a restart.
type Persister interface {
	Mirror
	LoadMatches(ctx context.Context) (map[string][]byte, error)
}

// StartOptions describe the stakes of a new match. Rounds overrides the
// configured or opponent round count when positive.
type StartOptions struct {
	Rounds int
	Staked bool
	Stake  decimal.Decimal
}

type activeMatch struct {
	mu       sync.Mutex
	match    *Match
	opponent *game.Opponent
	closed   bool

	turnGen   uint64
	idleGen   uint64
	turnTimer *clock.Timer
	idleTimer *clock.Timer
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option         { return func(m *Manager) { m.clock = c } }
func WithTimeouts(t Timeouts) Option         { return func(m *Manager) { m.timeouts = t } }
func WithRounds(n int) Option                { return func(m *Manager) { m.rounds = n } }
func WithNotifier(n ports.Notifier) Option   { return func(m *Manager) { m.notifier = n } }
func WithPersister(p Persister) Option       { return func(m *Manager) { m.store = p } }
func WithMirror(mr Mirror) Option            { return func(m *Manager) { m.mirror = mr } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }
func WithLogger(l *zap.Logger) Option        { return func(m *Manager) { m.logger = l } }
func WithIDGenerator(f func() string) Option { return func(m *Manager) { m.newID = f } }

// Manager manages all active matches.
type Manager struct {
	mu            sync.RWMutex
	matches       map[string]*activeMatch
	byParticipant map[string]string

	registry *game.Registry
	settler  Settler
	clock    clock.Clock
	timeouts Timeouts
	rounds   int
	newID    func() string

	notifier ports.Notifier
	store    Persister
	mirror   Mirror
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewManager creates a match manager. registry resolves automated opponents.
func NewManager(registry *game.Registry, settler Settler, opts ...Option) *Manager {
	m := &Manager{
		matches:       make(map[string]*activeMatch),
		byParticipant: make(map[string]string),
		registry:      registry,
		settler:       settler,
		clock:         clock.New(),
		rounds:        DefaultRounds,
		newID:         uuid.NewString,
		notifier:      ports.NopNotifier{},
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.timeouts.Turn <= 0 {
		m.timeouts.Turn = DefaultTurnTimeout
	}
	if m.timeouts.Idle <= 0 {
		m.timeouts.Idle = DefaultIdleTimeout
	}
	return m
}

// Start creates a match between players and makes it active. players[0]
// plays X and moves first.
func (m *Manager) Start(ctx context.Context, players [2]game.Participant, opts StartOptions) (Match, error) {
	rounds := m.rounds
	var opp *game.Opponent
	for _, p := range players {
		if p.IsHuman() {
			continue
		}
		if m.registry == nil {
			return Match{}, fmt.Errorf("%w: %s", ErrUnknownOpponent, p.ID)
		}
		o, ok := m.registry.Get(p.ID)
		if !ok {
			return Match{}, fmt.Errorf("%w: %s", ErrUnknownOpponent, p.ID)
		}
		opp = &o
		rounds = o.Rounds
	}
	if opts.Rounds > 0 {
		rounds = opts.Rounds
	}

	match, err := NewMatch(m.newID(), players, rounds, m.clock.Now())
	if err != nil {
		return Match{}, err
	}
	match.Staked = opts.Staked
	if opts.Staked {
		match.Stake = opts.Stake
	}
	if opp != nil {
		match.Opponent = opp.Name
		match.Reward = opp.Reward
	}

	am := &activeMatch{match: match, opponent: opp}
	am.mu.Lock()
	defer am.mu.Unlock()

	if err := m.attach(am); err != nil {
		return Match{}, err
	}

	m.logger.Info("match started",
		zap.String("match", match.ID),
		zap.String("p0", players[0].ID),
		zap.String("p1", players[1].ID),
		zap.String("mode", string(match.Mode)),
		zap.Bool("staked", match.Staked))

	m.armTimersLocked(am)
	for i, p := range match.Players {
		if !p.IsHuman() {
			continue
		}
		m.notify(ctx, p.ID, ports.EventMatchStarted, MatchStarted{
			MatchID:  match.ID,
			Opponent: match.Players[1-i],
			Mark:     match.Marks[i],
			Rounds:   match.TotalRounds,
			Staked:   match.Staked,
			Stake:    match.Stake,
			View:     match.View(),
		})
	}
	m.notifyRoundStartedLocked(ctx, am)
	m.persistLocked(ctx, am)
	m.playAutomatedLocked(ctx, am)
	return *am.match, nil
}

// SubmitMove applies a move for participantID. When the next mover is an
// automated opponent its reply is applied before SubmitMove returns.
func (m *Manager) SubmitMove(ctx context.Context, participantID string, cell int) (Step, error) {
	am, err := m.lookup(participantID)
	if err != nil {
		return Step{}, err
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed {
		return Step{}, ErrNoActiveMatch
	}

	step, err := am.match.Move(participantID, cell, m.clock.Now())
	if err != nil {
		m.metrics.MoveRejected(rejectReason(err))
		return Step{}, err
	}
	m.afterMoveLocked(ctx, am, step)
	m.playAutomatedLocked(ctx, am)
	return step, nil
}

// Concede ends participantID's match in favour of the other side.
func (m *Manager) Concede(ctx context.Context, participantID string) (Outcome, error) {
	am, err := m.lookup(participantID)
	if err != nil {
		return Outcome{}, err
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed {
		return Outcome{}, ErrNoActiveMatch
	}
	out, err := am.match.Concede(participantID, m.clock.Now())
	if err != nil {
		return Outcome{}, err
	}
	return out, m.finishLocked(ctx, am, out)
}

// Remove cancels a match administratively. Stakes are refunded by settlement.
func (m *Manager) Remove(ctx context.Context, matchID string) error {
	m.mu.RLock()
	am, ok := m.matches[matchID]
	m.mu.RUnlock()
	if !ok {
		return ErrNoActiveMatch
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed {
		return ErrNoActiveMatch
	}
	out, err := am.match.Cancel(ReasonAdmin, m.clock.Now())
	if err != nil {
		return err
	}
	return m.finishLocked(ctx, am, out)
}

// InMatch reports whether participantID is in an active match.
func (m *Manager) InMatch(participantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byParticipant[participantID]
	return ok
}

// Get returns a copy of an active match.
func (m *Manager) Get(matchID string) (Match, bool) {
	m.mu.RLock()
	am, ok := m.matches[matchID]
	m.mu.RUnlock()
	if !ok {
		return Match{}, false
	}
	return am.snapshot()
}

// ByParticipant returns a copy of participantID's active match.
func (m *Manager) ByParticipant(participantID string) (Match, bool) {
	am, err := m.lookup(participantID)
	if err != nil {
		return Match{}, false
	}
	return am.snapshot()
}

// List returns copies of all active matches ordered by start time.
func (m *Manager) List() []Match {
	m.mu.RLock()
	active := make([]*activeMatch, 0, len(m.matches))
	for _, am := range m.matches {
		active = append(active, am)
	}
	m.mu.RUnlock()

	out := make([]Match, 0, len(active))
	for _, am := range active {
		if match, ok := am.snapshot(); ok {
			out = append(out, match)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Restore loads persisted snapshots and rearms fresh timers for each.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	rows, err := m.store.LoadMatches(ctx)
	if err != nil {
		return fmt.Errorf("load matches: %w", err)
	}
	for id, data := range rows {
		var match Match
		if err := json.Unmarshal(data, &match); err != nil {
			m.logger.Warn("skipping match snapshot", zap.String("match", id), zap.Error(err))
			m.dropSnapshot(ctx, id)
			continue
		}
		if !match.Active() {
			m.dropSnapshot(ctx, id)
			continue
		}
		am := &activeMatch{match: &match}
		if match.Mode == ModeAutomated {
			o, ok := m.registry.Get(match.Opponent)
			if !ok {
				m.logger.Warn("skipping match with unknown opponent", zap.String("match", id), zap.String("opponent", match.Opponent))
				m.dropSnapshot(ctx, id)
				continue
			}
			am.opponent = &o
		}

		am.mu.Lock()
		if err := m.attach(am); err != nil {
			am.mu.Unlock()
			m.logger.Warn("skipping match snapshot", zap.String("match", id), zap.Error(err))
			continue
		}
		m.armTimersLocked(am)
		m.playAutomatedLocked(ctx, am)
		am.mu.Unlock()
		m.logger.Info("match restored", zap.String("match", id), zap.Int("round", match.Round))
	}
	return nil
}

// Close stops every timer. Matches stay persisted for Restore.
func (m *Manager) Close() {
	m.mu.Lock()
	active := make([]*activeMatch, 0, len(m.matches))
	for _, am := range m.matches {
		active = append(active, am)
	}
	m.mu.Unlock()

	for _, am := range active {
		am.mu.Lock()
		am.closed = true
		m.stopTimersLocked(am)
		am.mu.Unlock()
	}
}

func (am *activeMatch) snapshot() (Match, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed {
		return Match{}, false
	}
	return *am.match, true
}

func (m *Manager) lookup(participantID string) (*activeMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byParticipant[participantID]
	if !ok {
		return nil, ErrNoActiveMatch
	}
	am, ok := m.matches[id]
	if !ok {
		return nil, ErrNoActiveMatch
	}
	return am, nil
}

// attach inserts am into the index. Caller holds am.mu.
func (m *Manager) attach(am *activeMatch) error {
	m.mu.Lock()
	for _, p := range am.match.Humans() {
		if _, busy := m.byParticipant[p.ID]; busy {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyInMatch, p.ID)
		}
	}
	if _, dup := m.matches[am.match.ID]; dup {
		m.mu.Unlock()
		return fmt.Errorf("%w: duplicate match id %s", ErrInconsistent, am.match.ID)
	}
	m.matches[am.match.ID] = am
	for _, p := range am.match.Humans() {
		m.byParticipant[p.ID] = am.match.ID
	}
	n := len(m.matches)
	m.mu.Unlock()
	m.metrics.ActiveMatches(n)
	return nil
}

// detach removes am from the index. Caller holds am.mu.
func (m *Manager) detach(am *activeMatch) error {
	id := am.match.ID
	m.mu.Lock()
	cur, ok := m.matches[id]
	if !ok || cur != am {
		m.mu.Unlock()
		return fmt.Errorf("%w: match %s missing", ErrInconsistent, id)
	}
	delete(m.matches, id)
	for _, p := range am.match.Humans() {
		if m.byParticipant[p.ID] == id {
			delete(m.byParticipant, p.ID)
		}
	}
	n := len(m.matches)
	m.mu.Unlock()
	m.metrics.ActiveMatches(n)
	return nil
}

func (m *Manager) afterMoveLocked(ctx context.Context, am *activeMatch, step Step) {
	match := am.match
	mover := match.Players[step.Actor]
	view := match.View()
	for _, p := range match.Humans() {
		m.notify(ctx, p.ID, ports.EventMoveApplied, MoveApplied{
			MatchID: match.ID,
			By:      mover.ID,
			Cell:    step.Cell,
			Mark:    step.Mark,
			View:    view,
		})
	}

	if step.Kind != StepContinue {
		over := RoundOver{MatchID: match.ID, Round: step.Round, Wins: step.Wins}
		if step.RoundWinner >= 0 {
			over.Winner = match.Players[step.RoundWinner].ID
			line := step.RoundResult.Line
			over.Line = line[:]
		}
		for _, p := range match.Humans() {
			m.notify(ctx, p.ID, ports.EventRoundOver, over)
		}
	}

	switch step.Kind {
	case StepMatchOver:
		if err := m.finishLocked(ctx, am, step.Outcome); err != nil {
			m.logger.Error("finish match", zap.String("match", match.ID), zap.Error(err))
		}
		return
	case StepNextRound:
		m.notifyRoundStartedLocked(ctx, am)
	}
	m.armTimersLocked(am)
	m.persistLocked(ctx, am)
}

// playAutomatedLocked lets the automated opponent move for as long as it is
// the mover.
func (m *Manager) playAutomatedLocked(ctx context.Context, am *activeMatch) {
	for !am.closed && am.opponent != nil && am.match.Active() {
		match := am.match
		idx := match.Mover
		mover := match.Players[idx]
		if mover.IsHuman() {
			return
		}
		cell, err := am.opponent.Policy.ChooseMove(match.Board, match.Marks[idx], match.Marks[1-idx])
		var step Step
		if err == nil {
			step, err = match.Move(mover.ID, cell, m.clock.Now())
		}
		if err != nil {
			m.logger.Error("automated opponent failed",
				zap.String("match", match.ID),
				zap.String("opponent", mover.ID),
				zap.Error(err))
			out, cerr := match.Cancel(ReasonInternal, m.clock.Now())
			if cerr == nil {
				if ferr := m.finishLocked(ctx, am, out); ferr != nil {
					m.logger.Error("finish match", zap.String("match", match.ID), zap.Error(ferr))
				}
			}
			return
		}
		m.afterMoveLocked(ctx, am, step)
	}
}

// finishLocked closes am, removes it from the index and settles it once.
func (m *Manager) finishLocked(ctx context.Context, am *activeMatch, out Outcome) error {
	if am.closed {
		return ErrNoActiveMatch
	}
	am.closed = true
	m.stopTimersLocked(am)
	ctx = context.WithoutCancel(ctx)

	match := am.match
	if err := m.detach(am); err != nil {
		m.logger.Error("settlement skipped", zap.String("match", match.ID), zap.Error(err))
		return err
	}
	m.dropSnapshot(ctx, match.ID)

	m.metrics.MatchFinished(string(match.Mode), string(out.Kind), string(out.Reason))
	m.logger.Info("match finished",
		zap.String("match", match.ID),
		zap.String("result", string(out.Kind)),
		zap.String("reason", string(out.Reason)),
		zap.Ints("wins", match.Wins[:]))

	if m.settler != nil {
		m.settler.Settle(ctx, *match, out)
	}
	return nil
}

func (m *Manager) armTimersLocked(am *activeMatch) {
	m.stopTimersLocked(am)
	turnGen, idleGen := am.turnGen, am.idleGen
	am.turnTimer = m.clock.AfterFunc(m.timeouts.Turn, func() { m.onTurnTimeout(am, turnGen) })
	am.idleTimer = m.clock.AfterFunc(m.timeouts.Idle, func() { m.onIdleTimeout(am, idleGen) })
}

// stopTimersLocked stops both timers and invalidates callbacks already queued.
func (m *Manager) stopTimersLocked(am *activeMatch) {
	am.turnGen++
	am.idleGen++
	if am.turnTimer != nil {
		am.turnTimer.Stop()
		am.turnTimer = nil
	}
	if am.idleTimer != nil {
		am.idleTimer.Stop()
		am.idleTimer = nil
	}
}

func (m *Manager) onTurnTimeout(am *activeMatch, gen uint64) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed || am.turnGen != gen {
		return
	}
	out, err := am.match.Forfeit(ReasonTurnTimeout, m.clock.Now())
	if err != nil {
		return
	}
	m.logger.Info("turn timeout", zap.String("match", am.match.ID), zap.String("mover", am.match.MoverID()))
	if err := m.finishLocked(context.Background(), am, out); err != nil {
		m.logger.Error("finish match", zap.String("match", am.match.ID), zap.Error(err))
	}
}

func (m *Manager) onIdleTimeout(am *activeMatch, gen uint64) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.closed || am.idleGen != gen {
		return
	}
	out, err := am.match.Cancel(ReasonIdle, m.clock.Now())
	if err != nil {
		return
	}
	m.logger.Info("idle timeout", zap.String("match", am.match.ID))
	if err := m.finishLocked(context.Background(), am, out); err != nil {
		m.logger.Error("finish match", zap.String("match", am.match.ID), zap.Error(err))
	}
}

func (m *Manager) notifyRoundStartedLocked(ctx context.Context, am *activeMatch) {
	match := am.match
	ev := RoundStarted{
		MatchID: match.ID,
		Round:   match.Round,
		Wins:    match.Wins,
		Mover:   match.MoverID(),
		View:    match.View(),
	}
	for _, p := range match.Humans() {
		m.notify(ctx, p.ID, ports.EventRoundStarted, ev)
	}
}

func (m *Manager) notify(ctx context.Context, participantID string, kind ports.EventKind, payload any) {
	if err := m.notifier.Notify(ctx, participantID, kind, payload); err != nil {
		m.logger.Debug("notify failed",
			zap.String("participant", participantID),
			zap.String("event", string(kind)),
			zap.Error(err))
	}
}

func (m *Manager) persistLocked(ctx context.Context, am *activeMatch) {
	if m.store == nil && m.mirror == nil {
		return
	}
	data, err := json.Marshal(am.match)
	if err != nil {
		m.logger.Error("marshal match", zap.String("match", am.match.ID), zap.Error(err))
		return
	}
	if m.store != nil {
		if err := m.store.SaveMatch(ctx, am.match.ID, data); err != nil {
			m.logger.Warn("persist match failed", zap.String("match", am.match.ID), zap.Error(err))
		}
	}
	if m.mirror != nil {
		if err := m.mirror.SaveMatch(ctx, am.match.ID, data); err != nil {
			m.logger.Warn("mirror match failed", zap.String("match", am.match.ID), zap.Error(err))
		}
	}
}

func (m *Manager) dropSnapshot(ctx context.Context, id string) {
	if m.store != nil {
		if err := m.store.DeleteMatch(ctx, id); err != nil {
			m.logger.Warn("delete match snapshot failed", zap.String("match", id), zap.Error(err))
		}
	}
	if m.mirror != nil {
		if err := m.mirror.DeleteMatch(ctx, id); err != nil {
			m.logger.Warn("mirror delete failed", zap.String("match", id), zap.Error(err))
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMatchOver):
		return "match_over"
	case errors.Is(err, ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, ErrNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrCellOccupied):
		return "cell_occupied"
	}
	return "other"
}
