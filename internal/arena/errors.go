package arena

import (
	"errors"

	"xobattle/internal/battle"
	"xobattle/internal/game/tictactoe"
	"xobattle/internal/matchmaking"
	"xobattle/internal/ports"
)

// Code classifies an error for participants.
type Code string

const (
	CodeValidation Code = "validation"
	CodeConflict   Code = "conflict"
	CodeResource   Code = "resource"
	CodeNotFound   Code = "not_found"
	CodeForbidden  Code = "forbidden"
	CodeInternal   Code = "internal"
)

// Classify maps an error returned by the Arena to a Code.
func Classify(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, tictactoe.ErrInvalidMove),
		errors.Is(err, battle.ErrNotYourTurn),
		errors.Is(err, battle.ErrNotParticipant),
		errors.Is(err, battle.ErrMatchOver),
		errors.Is(err, matchmaking.ErrUnknownPool):
		return CodeValidation
	case errors.Is(err, matchmaking.ErrAlreadyQueued),
		errors.Is(err, matchmaking.ErrAlreadyInMatch),
		errors.Is(err, battle.ErrAlreadyInMatch):
		return CodeConflict
	case errors.Is(err, ports.ErrInsufficientFunds):
		return CodeResource
	case errors.Is(err, battle.ErrNoActiveMatch),
		errors.Is(err, matchmaking.ErrNotQueued),
		errors.Is(err, battle.ErrUnknownOpponent):
		return CodeNotFound
	case errors.Is(err, ErrNotEligible):
		return CodeForbidden
	}
	return CodeInternal
}
