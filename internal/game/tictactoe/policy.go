package tictactoe

import (
	"errors"
	"math/rand/v2"
)

// inf bounds every reachable score (|score| <= 10).
const inf = 100

var ErrNoMovesAvailable = errors.New("no moves available")

// Policy picks the cell an automated opponent plays next.
type Policy interface {
	ChooseMove(b Board, own, opponent Mark) (int, error)
}

// Perfect searches the full game tree with alpha-beta pruning. It never loses.
// Among equally scored moves the lowest index wins, so it is deterministic.
type Perfect struct{}

func (Perfect) ChooseMove(b Board, own, opponent Mark) (int, error) {
	best, bestScore := -1, -inf
	for i := range b {
		if b[i] != Empty {
			continue
		}
		next := b
		next[i] = own
		score := -negamax(next, opponent, own, 1, -inf, -bestScore)
		if best == -1 || score > bestScore {
			best, bestScore = i, score
		}
	}
	if best == -1 {
		return -1, ErrNoMovesAvailable
	}
	return best, nil
}

// negamax scores b from the point of view of toMove. Wins found earlier score higher.
func negamax(b Board, toMove, other Mark, depth, alpha, beta int) int {
	switch r := Evaluate(b); r.Status {
	case Won:
		if r.Winner == toMove {
			return 10 - depth
		}
		return depth - 10
	case Draw:
		return 0
	}
	best := -inf
	for i := range b {
		if b[i] != Empty {
			continue
		}
		b[i] = toMove
		score := -negamax(b, other, toMove, depth+1, -beta, -alpha)
		b[i] = Empty
		if score > best {
			best = score
		}
		if best > alpha {
			alpha = best
		}
		if alpha >= beta {
			break
		}
	}
	return best
}

// Random plays a uniformly random empty cell.
type Random struct{}

func (Random) ChooseMove(b Board, _, _ Mark) (int, error) {
	moves := b.LegalMoves()
	if len(moves) == 0 {
		return -1, ErrNoMovesAvailable
	}
	return moves[rand.IntN(len(moves))], nil
}

// Mixed plays like Perfect with probability Skill and like Random otherwise.
type Mixed struct {
	Skill float64
}

func (m Mixed) ChooseMove(b Board, own, opponent Mark) (int, error) {
	if rand.Float64() < m.Skill {
		return Perfect{}.ChooseMove(b, own, opponent)
	}
	return Random{}.ChooseMove(b, own, opponent)
}
