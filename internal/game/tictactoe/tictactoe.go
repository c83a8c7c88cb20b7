package tictactoe

import (
	"errors"
	"fmt"
)

// Mark is the content of one board cell.
type Mark uint8

const (
	Empty Mark = iota
	X          // moves first in round 1
	O
)

// Opponent returns the other placing mark, or Empty for Empty.
func (m Mark) Opponent() Mark {
	switch m {
	case X:
		return O
	case O:
		return X
	}
	return Empty
}

func (m Mark) String() string {
	switch m {
	case X:
		return "X"
	case O:
		return "O"
	}
	return ""
}

func (m Mark) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mark) UnmarshalText(data []byte) error {
	switch string(data) {
	case "X":
		*m = X
	case "O":
		*m = O
	case "":
		*m = Empty
	default:
		return fmt.Errorf("unknown mark %q", data)
	}
	return nil
}

// Board is a 3x3 grid stored row-major.
type Board [9]Mark

var (
	ErrInvalidMove  = errors.New("invalid move")
	ErrOutOfRange   = fmt.Errorf("%w: cell out of range", ErrInvalidMove)
	ErrCellOccupied = fmt.Errorf("%w: cell already occupied", ErrInvalidMove)
	ErrInvalidMark  = fmt.Errorf("%w: empty mark", ErrInvalidMove)
)

// Status is the state of a single round on the board.
type Status uint8

const (
	InProgress Status = iota
	Won
	Draw
)

// Result is what Evaluate reports. Winner and Line are set only when Status is Won.
type Result struct {
	Status Status
	Winner Mark
	Line   [3]int
}

var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // cols
	{0, 4, 8}, {2, 4, 6}, // diags
}

// Evaluate reports the first completed line, a draw on a full board, or InProgress.
func Evaluate(b Board) Result {
	for _, line := range winLines {
		m := b[line[0]]
		if m != Empty && b[line[1]] == m && b[line[2]] == m {
			return Result{Status: Won, Winner: m, Line: line}
		}
	}
	if b.Full() {
		return Result{Status: Draw}
	}
	return Result{Status: InProgress}
}

// ApplyMove returns a copy of b with mark placed at index.
func ApplyMove(b Board, index int, mark Mark) (Board, error) {
	if index < 0 || index >= len(b) {
		return b, fmt.Errorf("cell %d: %w", index, ErrOutOfRange)
	}
	if mark != X && mark != O {
		return b, ErrInvalidMark
	}
	if b[index] != Empty {
		return b, fmt.Errorf("cell %d: %w", index, ErrCellOccupied)
	}
	b[index] = mark
	return b, nil
}

// LegalMoves lists the empty cells in ascending order.
func (b Board) LegalMoves() []int {
	moves := make([]int, 0, len(b))
	for i, v := range b {
		if v == Empty {
			moves = append(moves, i)
		}
	}
	return moves
}

func (b Board) Full() bool {
	for _, v := range b {
		if v == Empty {
			return false
		}
	}
	return true
}

// Count returns how many cells hold mark.
func (b Board) Count(mark Mark) int {
	n := 0
	for _, v := range b {
		if v == mark {
			n++
		}
	}
	return n
}
