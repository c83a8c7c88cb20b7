package battle

import (
	"github.com/shopspring/decimal"

	"xobattle/internal/game"
	"xobattle/internal/game/tictactoe"
)

type MatchStarted struct {
	MatchID  string           `json:"matchId"`
	Opponent game.Participant `json:"opponent"`
	Mark     tictactoe.Mark   `json:"mark"`
	Rounds   int              `json:"rounds"`
	Staked   bool             `json:"staked"`
	Stake    decimal.Decimal  `json:"stake"`
	View     View             `json:"view"`
}

type RoundStarted struct {
	MatchID string `json:"matchId"`
	Round   int    `json:"round"`
	Wins    [2]int `json:"wins"`
	Mover   string `json:"mover"`
	View    View   `json:"view"`
}

type MoveApplied struct {
	MatchID string         `json:"matchId"`
	By      string         `json:"by"`
	Cell    int            `json:"cell"`
	Mark    tictactoe.Mark `json:"mark"`
	View    View           `json:"view"`
}

// RoundOver reports a finished round. Winner is empty and Line nil on a draw.
type RoundOver struct {
	MatchID string `json:"matchId"`
	Round   int    `json:"round"`
	Winner  string `json:"winner,omitempty"`
	Line    []int  `json:"line,omitempty"`
	Wins    [2]int `json:"wins"`
}
