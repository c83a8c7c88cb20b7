package battle

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"xobattle/internal/game"
	"xobattle/internal/game/tictactoe"
)

// Mode tags who plays a match.
type Mode string

const (
	ModeHumans    Mode = "humans"
	ModeAutomated Mode = "automated"
)

// Phase is where a match is in its lifecycle.
type Phase string

const (
	PhaseAwaitingMove Phase = "awaiting_move"
	PhaseOver         Phase = "over"
	PhaseCancelled    Phase = "cancelled"
)

// Reason records why a match ended.
type Reason string

const (
	ReasonRounds      Reason = "rounds"
	ReasonConceded    Reason = "conceded"
	ReasonTurnTimeout Reason = "turn_timeout"
	ReasonIdle        Reason = "idle"
	ReasonAdmin       Reason = "admin"
	ReasonInternal    Reason = "internal"
)

type OutcomeKind string

const (
	OutcomeWin       OutcomeKind = "win"
	OutcomeDraw      OutcomeKind = "draw"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the final result of a match. Winner is a player index and is
// only meaningful for OutcomeWin.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Winner int         `json:"winner"`
	Reason Reason      `json:"reason"`
}

var (
	ErrMatchOver      = errors.New("match is over")
	ErrNotParticipant = errors.New("not a participant in this match")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrOutOfRange     = tictactoe.ErrOutOfRange
	ErrCellOccupied   = tictactoe.ErrCellOccupied
	ErrInvalidMatch   = errors.New("invalid match")
)

// Match is the full state of one best-of-N match. It holds no locks; the
// Manager serializes access.
type Match struct {
	ID          string              `json:"id"`
	Mode        Mode                `json:"mode"`
	Players     [2]game.Participant `json:"players"`
	Marks       [2]tictactoe.Mark   `json:"marks"`
	Board       tictactoe.Board     `json:"board"`
	Round       int                 `json:"round"`
	TotalRounds int                 `json:"totalRounds"`
	Wins        [2]int              `json:"wins"`
	Draws       int                 `json:"draws"`
	Mover       int                 `json:"mover"`
	Staked      bool                `json:"staked"`
	Stake       decimal.Decimal     `json:"stake"`
	Opponent    string              `json:"opponent,omitempty"`
	Reward      decimal.Decimal     `json:"reward"`
	Phase       Phase               `json:"phase"`
	Outcome     *Outcome            `json:"outcome,omitempty"`
	StartedAt   time.Time           `json:"startedAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// NewMatch creates a match in round 1 with players[0] playing X and moving first.
func NewMatch(id string, players [2]game.Participant, rounds int, now time.Time) (*Match, error) {
	if rounds < 1 || rounds%2 == 0 {
		return nil, fmt.Errorf("%w: rounds must be odd and positive, got %d", ErrInvalidMatch, rounds)
	}
	if players[0].ID == "" || players[1].ID == "" {
		return nil, fmt.Errorf("%w: empty participant id", ErrInvalidMatch)
	}
	if players[0].ID == players[1].ID {
		return nil, fmt.Errorf("%w: %s cannot play itself", ErrInvalidMatch, players[0].ID)
	}
	mode := ModeHumans
	switch {
	case !players[0].IsHuman() && !players[1].IsHuman():
		return nil, fmt.Errorf("%w: no human participant", ErrInvalidMatch)
	case !players[0].IsHuman() || !players[1].IsHuman():
		mode = ModeAutomated
	}
	return &Match{
		ID:          id,
		Mode:        mode,
		Players:     players,
		Marks:       [2]tictactoe.Mark{tictactoe.X, tictactoe.O},
		Round:       1,
		TotalRounds: rounds,
		Phase:       PhaseAwaitingMove,
		StartedAt:   now,
		UpdatedAt:   now,
	}, nil
}

type StepKind string

const (
	StepContinue  StepKind = "continue"
	StepNextRound StepKind = "next_round"
	StepMatchOver StepKind = "match_over"
)

// Step describes what one accepted move did.
type Step struct {
	Kind  StepKind       `json:"kind"`
	Actor int            `json:"actor"`
	Cell  int            `json:"cell"`
	Mark  tictactoe.Mark `json:"mark"`
	// Round is the round the move was played in.
	Round int `json:"round"`
	// RoundResult, RoundWinner and Wins are set when the round ended.
	RoundResult tictactoe.Result `json:"-"`
	RoundWinner int              `json:"roundWinner"`
	Wins        [2]int           `json:"wins"`
	Outcome     Outcome          `json:"outcome"`
}

// IndexOf returns the player index of id, or -1.
func (m *Match) IndexOf(id string) int {
	for i, p := range m.Players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Humans lists the human participants.
func (m *Match) Humans() []game.Participant {
	out := make([]game.Participant, 0, 2)
	for _, p := range m.Players {
		if p.IsHuman() {
			out = append(out, p)
		}
	}
	return out
}

// MoverID is the id of the participant expected to move.
func (m *Match) MoverID() string {
	return m.Players[m.Mover].ID
}

// Threshold is the number of round wins that decides the match.
func (m *Match) Threshold() int {
	return (m.TotalRounds + 1) / 2
}

// Active reports whether the match still accepts moves.
func (m *Match) Active() bool {
	return m.Phase == PhaseAwaitingMove
}

// Move places the actor's mark on cell. On error the match is unchanged.
func (m *Match) Move(actorID string, cell int, now time.Time) (Step, error) {
	if !m.Active() {
		return Step{}, ErrMatchOver
	}
	idx := m.IndexOf(actorID)
	if idx < 0 {
		return Step{}, ErrNotParticipant
	}
	if idx != m.Mover {
		return Step{}, ErrNotYourTurn
	}
	board, err := tictactoe.ApplyMove(m.Board, cell, m.Marks[idx])
	if err != nil {
		return Step{}, err
	}

	m.Board = board
	m.UpdatedAt = now
	step := Step{Actor: idx, Cell: cell, Mark: m.Marks[idx], Round: m.Round, RoundWinner: -1}

	res := tictactoe.Evaluate(board)
	if res.Status == tictactoe.InProgress {
		m.Mover = 1 - idx
		step.Kind = StepContinue
		return step, nil
	}

	step.RoundResult = res
	if res.Status == tictactoe.Won {
		winner := m.markOwner(res.Winner)
		m.Wins[winner]++
		step.RoundWinner = winner
	} else {
		m.Draws++
	}
	step.Wins = m.Wins

	if m.Wins[0] >= m.Threshold() || m.Wins[1] >= m.Threshold() || m.Round >= m.TotalRounds {
		out := Outcome{Kind: OutcomeDraw, Winner: -1, Reason: ReasonRounds}
		switch {
		case m.Wins[0] > m.Wins[1]:
			out = Outcome{Kind: OutcomeWin, Winner: 0, Reason: ReasonRounds}
		case m.Wins[1] > m.Wins[0]:
			out = Outcome{Kind: OutcomeWin, Winner: 1, Reason: ReasonRounds}
		}
		m.end(PhaseOver, out, now)
		step.Kind = StepMatchOver
		step.Outcome = out
		return step, nil
	}

	m.Round++
	m.Board = tictactoe.Board{}
	m.Mover = (m.Round - 1) % 2
	step.Kind = StepNextRound
	return step, nil
}

// Concede ends the match with the other participant winning.
func (m *Match) Concede(actorID string, now time.Time) (Outcome, error) {
	if !m.Active() {
		return Outcome{}, ErrMatchOver
	}
	idx := m.IndexOf(actorID)
	if idx < 0 {
		return Outcome{}, ErrNotParticipant
	}
	out := Outcome{Kind: OutcomeWin, Winner: 1 - idx, Reason: ReasonConceded}
	m.end(PhaseOver, out, now)
	return out, nil
}

// Forfeit ends the match against the current mover.
func (m *Match) Forfeit(reason Reason, now time.Time) (Outcome, error) {
	if !m.Active() {
		return Outcome{}, ErrMatchOver
	}
	out := Outcome{Kind: OutcomeWin, Winner: 1 - m.Mover, Reason: reason}
	m.end(PhaseOver, out, now)
	return out, nil
}

// Cancel ends the match with no winner.
func (m *Match) Cancel(reason Reason, now time.Time) (Outcome, error) {
	if !m.Active() {
		return Outcome{}, ErrMatchOver
	}
	out := Outcome{Kind: OutcomeCancelled, Winner: -1, Reason: reason}
	m.end(PhaseCancelled, out, now)
	return out, nil
}

func (m *Match) end(phase Phase, out Outcome, now time.Time) {
	m.Phase = phase
	m.Outcome = &out
	m.UpdatedAt = now
}

func (m *Match) markOwner(mark tictactoe.Mark) int {
	if m.Marks[1] == mark {
		return 1
	}
	return 0
}

// View is the read-only projection sent to clients.
type View struct {
	ID          string              `json:"id"`
	Mode        Mode                `json:"mode"`
	Players     [2]game.Participant `json:"players"`
	Marks       [2]tictactoe.Mark   `json:"marks"`
	Board       tictactoe.Board     `json:"board"`
	Round       int                 `json:"round"`
	TotalRounds int                 `json:"totalRounds"`
	Wins        [2]int              `json:"wins"`
	Mover       string              `json:"mover,omitempty"`
	LegalMoves  []int               `json:"legalMoves"`
	Phase       Phase               `json:"phase"`
	Outcome     *Outcome            `json:"outcome,omitempty"`
	Staked      bool                `json:"staked"`
	Stake       decimal.Decimal     `json:"stake"`
	Opponent    string              `json:"opponent,omitempty"`
}

func (m *Match) View() View {
	v := View{
		ID:          m.ID,
		Mode:        m.Mode,
		Players:     m.Players,
		Marks:       m.Marks,
		Board:       m.Board,
		Round:       m.Round,
		TotalRounds: m.TotalRounds,
		Wins:        m.Wins,
		Phase:       m.Phase,
		Staked:      m.Staked,
		Stake:       m.Stake,
		Opponent:    m.Opponent,
		LegalMoves:  []int{},
	}
	if m.Outcome != nil {
		out := *m.Outcome
		v.Outcome = &out
	}
	if m.Active() {
		v.Mover = m.MoverID()
		v.LegalMoves = m.Board.LegalMoves()
	}
	return v
}
