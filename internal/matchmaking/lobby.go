// Package matchmaking pairs waiting participants first-come, first-served.
//
// A Lobby owns two pools (standard and staked) behind one mutex, so a
// participant can wait in at most one pool at a time. Every entry carries an
// expiry timer; the timer callback holds a token captured when it was armed and
// does nothing once the entry has been paired, removed or re-queued.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"xobattle/internal/game"
	"xobattle/internal/metrics"
)

// Pool selects which queue an entry waits in.
type Pool string

const (
	PoolStandard Pool = "standard"
	PoolStaked   Pool = "staked"
)

var pools = []Pool{PoolStandard, PoolStaked}

func (p Pool) Valid() bool {
	return p == PoolStandard || p == PoolStaked
}

// ReleaseReason explains why an entry left a pool without being paired.
type ReleaseReason string

const (
	ReasonExpired    ReleaseReason = "expired"
	ReasonLeft       ReleaseReason = "left"
	ReasonPairFailed ReleaseReason = "pair_failed"
	ReasonClosed     ReleaseReason = "closed"
)

var (
	ErrAlreadyQueued  = errors.New("already queued")
	ErrAlreadyInMatch = errors.New("already in a match")
	ErrNotQueued      = errors.New("not queued")
	ErrUnknownPool    = errors.New("unknown pool")
	ErrPairingFailed  = errors.New("pairing failed")
	ErrClosed         = errors.New("lobby closed")
)

// DefaultExpiry is how long an entry waits before it is released.
const DefaultExpiry = 30 * time.Second

// Entry is one participant waiting in a pool. Ticket is an opaque reference
// chosen by the caller, typically the id of a stake reservation.
type Entry struct {
	Participant game.Participant
	Pool        Pool
	Ticket      string
	EnqueuedAt  time.Time

	sequence uint64
	token    uint64
	timer    *clock.Timer
}

// Pairing is the pair removed from a pool, longest waiting first.
type Pairing struct {
	Pool   Pool
	First  Entry
	Second Entry
	Wait   time.Duration
}

// Hooks connect the lobby to the rest of the system.
//
// InMatch and Paired run inside the lobby's critical section and must not call
// back into the Lobby. Released runs after the lock is dropped.
type Hooks struct {
	InMatch  func(participantID string) bool
	Paired   func(ctx context.Context, p Pairing) error
	Released func(ctx context.Context, e Entry, reason ReleaseReason)
}

// Mirror publishes queue membership for other instances. Failures are logged.
type Mirror interface {
	QueueAdd(ctx context.Context, pool, participantID string, enqueuedAt time.Time) error
	QueueRemove(ctx context.Context, pool, participantID string) error
}

type Option func(*Lobby)

func WithLogger(l *zap.Logger) Option       { return func(lb *Lobby) { lb.logger = l } }
func WithMirror(m Mirror) Option            { return func(lb *Lobby) { lb.mirror = m } }
func WithMetrics(m *metrics.Metrics) Option { return func(lb *Lobby) { lb.metrics = m } }

type Lobby struct {
	mu      sync.Mutex
	clock   clock.Clock
	expiry  time.Duration
	hooks   Hooks
	pools   map[Pool]*queue
	members map[string]*Entry
	seq     uint64
	closed  bool

	mirror  Mirror
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a lobby. A non-positive expiry falls back to DefaultExpiry.
func New(clk clock.Clock, expiry time.Duration, hooks Hooks, opts ...Option) *Lobby {
	if clk == nil {
		clk = clock.New()
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	l := &Lobby{
		clock:   clk,
		expiry:  expiry,
		hooks:   hooks,
		pools:   make(map[Pool]*queue, len(pools)),
		members: make(map[string]*Entry),
		logger:  zap.NewNop(),
	}
	for _, p := range pools {
		l.pools[p] = newQueue(0)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enqueue adds p to pool. It returns the 1-based position in the pool, or 0
// when the entry was paired immediately.
func (l *Lobby) Enqueue(ctx context.Context, p game.Participant, pool Pool, ticket string) (int, error) {
	if !pool.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPool, pool)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	if _, ok := l.members[p.ID]; ok {
		l.mu.Unlock()
		return 0, ErrAlreadyQueued
	}
	if l.hooks.InMatch != nil && l.hooks.InMatch(p.ID) {
		l.mu.Unlock()
		return 0, ErrAlreadyInMatch
	}

	l.seq++
	e := &Entry{
		Participant: p,
		Pool:        pool,
		Ticket:      ticket,
		EnqueuedAt:  l.clock.Now(),
		sequence:    l.seq,
		token:       l.seq,
	}
	q := l.pools[pool]
	idx := q.insert(e)
	l.members[p.ID] = e

	if q.len() < 2 {
		token := e.token
		id := p.ID
		e.timer = l.clock.AfterFunc(l.expiry, func() { l.expire(pool, id, token) })
		l.metrics.QueueDepth(string(pool), q.len())
		l.mu.Unlock()

		l.mirrorAdd(ctx, e)
		l.logger.Debug("queued", zap.String("participant", p.ID), zap.String("pool", string(pool)))
		return idx + 1, nil
	}

	firstID, secondID := q.entries[0].Participant.ID, q.entries[1].Participant.ID
	first := l.takeLocked(q, firstID)
	second := l.takeLocked(q, secondID)
	pairing := Pairing{Pool: pool, First: *first, Second: *second, Wait: second.EnqueuedAt.Sub(first.EnqueuedAt)}
	var pairErr error
	if l.hooks.Paired != nil {
		pairErr = l.hooks.Paired(ctx, pairing)
	}
	l.metrics.QueueDepth(string(pool), q.len())
	l.mu.Unlock()

	// The newcomer was never mirrored.
	for _, id := range []string{firstID, secondID} {
		if id != p.ID {
			l.mirrorRemove(ctx, pool, id)
		}
	}

	if pairErr != nil {
		l.logger.Warn("pairing failed",
			zap.String("pool", string(pool)),
			zap.String("first", first.Participant.ID),
			zap.String("second", second.Participant.ID),
			zap.Error(pairErr))
		l.release(ctx, *first, ReasonPairFailed)
		l.release(ctx, *second, ReasonPairFailed)
		return 0, fmt.Errorf("%w: %w", ErrPairingFailed, pairErr)
	}

	l.metrics.Paired(string(pool))
	l.logger.Info("paired",
		zap.String("pool", string(pool)),
		zap.String("first", first.Participant.ID),
		zap.String("second", second.Participant.ID),
		zap.Duration("wait", pairing.Wait))
	return 0, nil
}

// Leave removes participantID from whichever pool it waits in.
func (l *Lobby) Leave(ctx context.Context, participantID string) (Entry, error) {
	l.mu.Lock()
	e, ok := l.members[participantID]
	if !ok {
		l.mu.Unlock()
		return Entry{}, ErrNotQueued
	}
	q := l.pools[e.Pool]
	l.takeLocked(q, participantID)
	l.metrics.QueueDepth(string(e.Pool), q.len())
	l.mu.Unlock()

	l.mirrorRemove(ctx, e.Pool, participantID)
	l.release(ctx, *e, ReasonLeft)
	return *e, nil
}

// Unqueued runs fn inside the lobby's critical section after checking that
// participantID is not waiting in any pool. It lets callers start a match
// outside matchmaking without racing a concurrent Enqueue.
func (l *Lobby) Unqueued(participantID string, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.members[participantID]; ok {
		return ErrAlreadyQueued
	}
	return fn()
}

// Queued reports the pool participantID waits in.
func (l *Lobby) Queued(participantID string) (Pool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.members[participantID]
	if !ok {
		return "", false
	}
	return e.Pool, true
}

// Position reports the 1-based position of participantID within its pool.
func (l *Lobby) Position(participantID string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.members[participantID]
	if !ok {
		return 0, false
	}
	idx, ok := l.pools[e.Pool].position(participantID)
	return idx + 1, ok
}

func (l *Lobby) Len(pool Pool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.pools[pool]
	if !ok {
		return 0
	}
	return q.len()
}

// Close stops every expiry timer and releases all waiting entries.
func (l *Lobby) Close(ctx context.Context) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	var drained []Entry
	for _, p := range pools {
		q := l.pools[p]
		for q.len() > 0 {
			drained = append(drained, *l.takeLocked(q, q.entries[0].Participant.ID))
		}
		l.metrics.QueueDepth(string(p), 0)
	}
	l.mu.Unlock()

	for _, e := range drained {
		l.mirrorRemove(ctx, e.Pool, e.Participant.ID)
		l.release(ctx, e, ReasonClosed)
	}
}

func (l *Lobby) expire(pool Pool, participantID string, token uint64) {
	l.mu.Lock()
	e, ok := l.members[participantID]
	if !ok || e.token != token || e.Pool != pool {
		l.mu.Unlock()
		return
	}
	q := l.pools[pool]
	l.takeLocked(q, participantID)
	l.metrics.QueueDepth(string(pool), q.len())
	l.mu.Unlock()

	ctx := context.Background()
	l.mirrorRemove(ctx, pool, participantID)
	l.logger.Info("queue entry expired", zap.String("participant", participantID), zap.String("pool", string(pool)))
	l.release(ctx, *e, ReasonExpired)
}

// takeLocked removes id from q and the member index and stops its timer.
func (l *Lobby) takeLocked(q *queue, id string) *Entry {
	e := q.removeByID(id)
	if e == nil {
		return nil
	}
	delete(l.members, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	return e
}

func (l *Lobby) release(ctx context.Context, e Entry, reason ReleaseReason) {
	l.metrics.Released(string(e.Pool), string(reason))
	if l.hooks.Released != nil {
		l.hooks.Released(ctx, e, reason)
	}
}

func (l *Lobby) mirrorAdd(ctx context.Context, e *Entry) {
	if l.mirror == nil {
		return
	}
	if err := l.mirror.QueueAdd(ctx, string(e.Pool), e.Participant.ID, e.EnqueuedAt); err != nil {
		l.logger.Warn("mirror queue add failed", zap.String("participant", e.Participant.ID), zap.Error(err))
	}
}

func (l *Lobby) mirrorRemove(ctx context.Context, pool Pool, id string) {
	if l.mirror == nil {
		return
	}
	if err := l.mirror.QueueRemove(ctx, string(pool), id); err != nil {
		l.logger.Warn("mirror queue remove failed", zap.String("participant", id), zap.Error(err))
	}
}
