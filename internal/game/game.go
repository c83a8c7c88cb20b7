package game

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"xobattle/internal/game/tictactoe"
)

// Kind tags who is behind a participant.
type Kind string

const (
	KindHuman     Kind = "human"
	KindAutomated Kind = "automated"
)

// Participant is one side of a match.
type Participant struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

func Human(id string) Participant { return Participant{ID: id, Kind: KindHuman} }
func Bot(id string) Participant   { return Participant{ID: id, Kind: KindAutomated} }

func (p Participant) IsHuman() bool { return p.Kind == KindHuman }

var ErrInvalidOpponent = errors.New("invalid opponent")

// Opponent describes an automated opponent a human can challenge.
type Opponent struct {
	Name   string           `json:"name"`
	Rounds int              `json:"rounds"`
	Reward decimal.Decimal  `json:"reward"`
	Policy tictactoe.Policy `json:"-"`
}

// Validate checks that the profile can drive a match.
func (o Opponent) Validate() error {
	switch {
	case o.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidOpponent)
	case o.Rounds < 1 || o.Rounds%2 == 0:
		return fmt.Errorf("%w: %s: rounds must be odd and positive, got %d", ErrInvalidOpponent, o.Name, o.Rounds)
	case o.Policy == nil:
		return fmt.Errorf("%w: %s: no policy", ErrInvalidOpponent, o.Name)
	case o.Reward.IsNegative():
		return fmt.Errorf("%w: %s: negative reward", ErrInvalidOpponent, o.Name)
	}
	return nil
}

// Participant returns the automated identity used inside matches.
func (o Opponent) Participant() Participant { return Bot(o.Name) }

// DefaultOpponents are the built-in automated opponents.
func DefaultOpponents() []Opponent {
	return []Opponent{
		{Name: "novice", Rounds: 3, Reward: decimal.NewFromInt(1), Policy: tictactoe.Random{}},
		{Name: "adept", Rounds: 3, Reward: decimal.NewFromInt(3), Policy: tictactoe.Mixed{Skill: 0.7}},
		{Name: "master", Rounds: 5, Reward: decimal.NewFromInt(10), Policy: tictactoe.Perfect{}},
	}
}
