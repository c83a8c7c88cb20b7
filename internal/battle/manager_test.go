package battle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xobattle/internal/game"
	"xobattle/internal/game/tictactoe"
	"xobattle/internal/ports"
)

type settled struct {
	match Match
	out   Outcome
}

type fakeSettler struct {
	mu    sync.Mutex
	calls []settled
}

func (f *fakeSettler) Settle(_ context.Context, m Match, out Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, settled{m, out})
}

func (f *fakeSettler) count(matchID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.match.ID == matchID {
			n++
		}
	}
	return n
}

func (f *fakeSettler) last() settled {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type event struct {
	to   string
	kind ports.EventKind
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []event
}

func (f *fakeNotifier) Notify(_ context.Context, id string, kind ports.EventKind, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event{id, kind})
	return nil
}

func (f *fakeNotifier) count(id string, kind ports.EventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.to == id && e.kind == kind {
			n++
		}
	}
	return n
}

type memPersister struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func newMemPersister() *memPersister { return &memPersister{rows: map[string][]byte{}} }

func (p *memPersister) SaveMatch(_ context.Context, id string, state []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[id] = append([]byte(nil), state...)
	return nil
}

func (p *memPersister) DeleteMatch(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rows, id)
	return nil
}

func (p *memPersister) LoadMatches(context.Context) (map[string][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]byte, len(p.rows))
	for k, v := range p.rows {
		out[k] = v
	}
	return out, nil
}

func (p *memPersister) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rows)
}

type harness struct {
	mgr      *Manager
	clock    *clock.Mock
	settler  *fakeSettler
	notifier *fakeNotifier
	store    *memPersister
	registry *game.Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:    clock.NewMock(),
		settler:  &fakeSettler{},
		notifier: &fakeNotifier{},
		store:    newMemPersister(),
		registry: game.NewDefaultRegistry(),
	}
	base := []Option{
		WithClock(h.clock),
		WithNotifier(h.notifier),
		WithPersister(h.store),
		WithTimeouts(Timeouts{Turn: 30 * time.Second, Idle: 5 * time.Minute}),
	}
	h.mgr = NewManager(h.registry, h.settler, append(base, opts...)...)
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) startHumans(t *testing.T, a, b string) Match {
	t.Helper()
	m, err := h.mgr.Start(context.Background(), [2]game.Participant{game.Human(a), game.Human(b)}, StartOptions{})
	require.NoError(t, err)
	return m
}

func (h *harness) moves(t *testing.T, pairs ...any) {
	t.Helper()
	for i := 0; i < len(pairs); i += 2 {
		_, err := h.mgr.SubmitMove(context.Background(), pairs[i].(string), pairs[i+1].(int))
		require.NoError(t, err)
	}
}

func TestStartIndexesParticipants(t *testing.T) {
	h := newHarness(t)
	m := h.startHumans(t, "alice", "bob")

	require.True(t, h.mgr.InMatch("alice"))
	require.True(t, h.mgr.InMatch("bob"))
	got, ok := h.mgr.ByParticipant("bob")
	require.True(t, ok)
	require.Equal(t, m.ID, got.ID)
	require.Equal(t, 1, h.notifier.count("alice", ports.EventMatchStarted))
	require.Equal(t, 1, h.notifier.count("bob", ports.EventRoundStarted))
	require.Equal(t, 1, h.store.len())

	_, err := h.mgr.Start(context.Background(), [2]game.Participant{game.Human("carol"), game.Human("alice")}, StartOptions{})
	require.ErrorIs(t, err, ErrAlreadyInMatch)
	require.False(t, h.mgr.InMatch("carol"))
}

func TestFullMatchSettlesOnceAndDetaches(t *testing.T) {
	h := newHarness(t)
	m := h.startHumans(t, "alice", "bob")

	h.moves(t, "alice", 0, "bob", 3, "alice", 1, "bob", 4, "alice", 2) // alice 1-0
	h.moves(t, "bob", 3, "alice", 0, "bob", 4, "alice", 1, "bob", 5)   // 1-1
	h.moves(t, "alice", 0, "bob", 1, "alice", 3, "bob", 2, "alice", 6) // alice 2-1

	require.Equal(t, 1, h.settler.count(m.ID))
	s := h.settler.last()
	require.Equal(t, OutcomeWin, s.out.Kind)
	require.Equal(t, 0, s.out.Winner)
	require.Equal(t, [2]int{2, 1}, s.match.Wins)

	require.False(t, h.mgr.InMatch("alice"))
	require.False(t, h.mgr.InMatch("bob"))
	require.Zero(t, h.store.len())
	require.Equal(t, 3, h.notifier.count("bob", ports.EventRoundOver))

	_, err := h.mgr.SubmitMove(context.Background(), "alice", 4)
	require.ErrorIs(t, err, ErrNoActiveMatch)
}

func TestRejectedMoveKeepsState(t *testing.T) {
	h := newHarness(t)
	h.startHumans(t, "alice", "bob")

	_, err := h.mgr.SubmitMove(context.Background(), "bob", 0)
	require.ErrorIs(t, err, ErrNotYourTurn)
	_, err = h.mgr.SubmitMove(context.Background(), "alice", 12)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = h.mgr.SubmitMove(context.Background(), "carol", 0)
	require.ErrorIs(t, err, ErrNoActiveMatch)

	m, _ := h.mgr.ByParticipant("alice")
	require.Equal(t, tictactoe.Board{}, m.Board)
}

func TestTurnTimeoutForfeitsMover(t *testing.T) {
	h := newHarness(t)
	m := h.startHumans(t, "alice", "bob")
	h.moves(t, "alice", 4)

	h.clock.Add(29 * time.Second)
	require.True(t, h.mgr.InMatch("bob"))

	h.clock.Add(time.Second)
	require.Eventually(t, func() bool { return h.settler.count(m.ID) == 1 }, time.Second, 5*time.Millisecond)
	s := h.settler.last()
	require.Equal(t, ReasonTurnTimeout, s.out.Reason)
	require.Equal(t, 0, s.out.Winner)
	require.False(t, h.mgr.InMatch("alice"))
}

func TestMoveRearmsTurnTimer(t *testing.T) {
	h := newHarness(t)
	m := h.startHumans(t, "alice", "bob")

	h.clock.Add(20 * time.Second)
	h.moves(t, "alice", 4)
	h.clock.Add(20 * time.Second)
	time.Sleep(10 * time.Millisecond)
	require.Zero(t, h.settler.count(m.ID))

	h.clock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return h.settler.count(m.ID) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, h.settler.last().out.Winner)
}

func TestIdleTimeoutCancels(t *testing.T) {
	h := newHarness(t, WithTimeouts(Timeouts{Turn: time.Hour, Idle: time.Minute}))
	m := h.startHumans(t, "alice", "bob")

	h.clock.Add(time.Minute)
	require.Eventually(t, func() bool { return h.settler.count(m.ID) == 1 }, time.Second, 5*time.Millisecond)
	s := h.settler.last()
	require.Equal(t, OutcomeCancelled, s.out.Kind)
	require.Equal(t, ReasonIdle, s.out.Reason)
}

func TestTimersAfterFinishAreNoops(t *testing.T) {
	h := newHarness(t)
	m := h.startHumans(t, "alice", "bob")

	_, err := h.mgr.Concede(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, 0, h.settler.last().out.Winner)

	h.clock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, h.settler.count(m.ID))
}

// A move and a timeout racing on the same match resolve it exactly once.
func TestMoveTimeoutRaceSettlesOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t)
		a, b := fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)
		m := h.startHumans(t, a, b)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := h.mgr.SubmitMove(context.Background(), a, 4)
			if err != nil {
				assert.ErrorIs(t, err, ErrNoActiveMatch)
			}
		}()
		go func() {
			defer wg.Done()
			h.clock.Add(30 * time.Second)
		}()
		wg.Wait()

		// Whatever happened, end the match if it is still running.
		if _, err := h.mgr.Concede(context.Background(), b); err != nil {
			require.ErrorIs(t, err, ErrNoActiveMatch)
		}
		require.Eventually(t, func() bool { return h.settler.count(m.ID) == 1 }, time.Second, time.Millisecond)
		h.clock.Add(time.Hour)
		time.Sleep(2 * time.Millisecond)
		require.Equal(t, 1, h.settler.count(m.ID))
		require.False(t, h.mgr.InMatch(a))
	}
}

func TestRemoveCancelsMatch(t *testing.T) {
	h := newHarness(t)
	m := h.startHumans(t, "alice", "bob")

	require.NoError(t, h.mgr.Remove(context.Background(), m.ID))
	s := h.settler.last()
	require.Equal(t, OutcomeCancelled, s.out.Kind)
	require.Equal(t, ReasonAdmin, s.out.Reason)

	require.ErrorIs(t, h.mgr.Remove(context.Background(), m.ID), ErrNoActiveMatch)
	require.Equal(t, 1, h.settler.count(m.ID))
}

func TestAutomatedReplyIsAtomic(t *testing.T) {
	h := newHarness(t)
	m, err := h.mgr.Start(context.Background(), [2]game.Participant{game.Human("alice"), game.Bot("master")}, StartOptions{})
	require.NoError(t, err)
	require.Equal(t, 5, m.TotalRounds)
	require.Equal(t, "master", m.Opponent)

	_, err = h.mgr.SubmitMove(context.Background(), "alice", 0)
	require.NoError(t, err)

	got, ok := h.mgr.Get(m.ID)
	require.True(t, ok)
	require.Equal(t, 1, got.Board.Count(tictactoe.X))
	require.Equal(t, 1, got.Board.Count(tictactoe.O))
	require.Equal(t, "alice", got.MoverID())
	require.Equal(t, 2, h.notifier.count("alice", ports.EventMoveApplied))
	require.Zero(t, h.notifier.count("master", ports.EventMoveApplied))
}

func TestAutomatedOpensEvenRounds(t *testing.T) {
	h := newHarness(t)
	m, err := h.mgr.Start(context.Background(), [2]game.Participant{game.Human("alice"), game.Bot("master")}, StartOptions{})
	require.NoError(t, err)

	// Concede the first round by letting master win: alice plays badly.
	for {
		cur, ok := h.mgr.Get(m.ID)
		require.True(t, ok)
		if cur.Round > 1 {
			// master opened round 2 already.
			require.Equal(t, 1, cur.Board.Count(tictactoe.O))
			require.Equal(t, "alice", cur.MoverID())
			return
		}
		legal := cur.Board.LegalMoves()
		_, err := h.mgr.SubmitMove(context.Background(), "alice", legal[len(legal)-1])
		require.NoError(t, err)
	}
}

type failingPolicy struct{}

func (failingPolicy) ChooseMove(tictactoe.Board, tictactoe.Mark, tictactoe.Mark) (int, error) {
	return -1, errors.New("policy exploded")
}

func TestPolicyFailureCancelsMatch(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(game.Opponent{Name: "broken", Rounds: 1, Reward: decimal.Zero, Policy: failingPolicy{}})
	m, err := h.mgr.Start(context.Background(), [2]game.Participant{game.Human("alice"), game.Bot("broken")}, StartOptions{})
	require.NoError(t, err)

	_, err = h.mgr.SubmitMove(context.Background(), "alice", 4)
	require.NoError(t, err)

	require.Equal(t, 1, h.settler.count(m.ID))
	s := h.settler.last()
	require.Equal(t, OutcomeCancelled, s.out.Kind)
	require.Equal(t, ReasonInternal, s.out.Reason)
	require.False(t, h.mgr.InMatch("alice"))
}

func TestUnknownOpponent(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Start(context.Background(), [2]game.Participant{game.Human("alice"), game.Bot("ghost")}, StartOptions{})
	require.ErrorIs(t, err, ErrUnknownOpponent)
	require.False(t, h.mgr.InMatch("alice"))
}

func TestStakedOptionsCarried(t *testing.T) {
	h := newHarness(t)
	m, err := h.mgr.Start(context.Background(), [2]game.Participant{game.Human("alice"), game.Human("bob")},
		StartOptions{Staked: true, Stake: decimal.NewFromInt(2), Rounds: 1})
	require.NoError(t, err)
	require.True(t, m.Staked)
	require.True(t, m.Stake.Equal(decimal.NewFromInt(2)))
	require.Equal(t, 1, m.TotalRounds)
}

func TestRestoreRebuildsIndex(t *testing.T) {
	h := newHarness(t)
	m := h.startHumans(t, "alice", "bob")
	h.moves(t, "alice", 4)
	h.mgr.Close()

	restored := NewManager(h.registry, h.settler,
		WithClock(h.clock),
		WithPersister(h.store),
		WithTimeouts(Timeouts{Turn: 30 * time.Second, Idle: 5 * time.Minute}))
	t.Cleanup(restored.Close)
	require.NoError(t, restored.Restore(context.Background()))

	require.True(t, restored.InMatch("alice"))
	got, ok := restored.Get(m.ID)
	require.True(t, ok)
	require.Equal(t, tictactoe.X, got.Board[4])
	require.Equal(t, "bob", got.MoverID())

	_, err := restored.SubmitMove(context.Background(), "bob", 0)
	require.NoError(t, err)

	// Fresh timers were armed on restore.
	h.clock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return h.settler.count(m.ID) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, ReasonTurnTimeout, h.settler.last().out.Reason)
}

func TestListOrdersByStart(t *testing.T) {
	h := newHarness(t)
	first := h.startHumans(t, "a", "b")
	h.clock.Add(time.Second)
	second := h.startHumans(t, "c", "d")

	list := h.mgr.List()
	require.Len(t, list, 2)
	require.Equal(t, first.ID, list[0].ID)
	require.Equal(t, second.ID, list[1].ID)
}
