package orchestrator

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/casefill/api/schemas"
)

// ErrInvalidTransition is returned for a state change the table does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[schemas.FillingState][]schemas.FillingState{
	schemas.StateIdle: {
		schemas.StateWaitingForLogin,
	},
	schemas.StateWaitingForLogin: {
		schemas.StateWaitingForLogin, schemas.StateWaitingForPage, schemas.StateError, schemas.StateIdle,
	},
	schemas.StateWaitingForPage: {
		schemas.StateWaitingForLogin, schemas.StateWaitingForPage, schemas.StateExtracting,
		schemas.StateMapping, schemas.StateError, schemas.StateIdle,
	},
	schemas.StateExtracting: {
		schemas.StateWaitingForLogin, schemas.StateWaitingForPage, schemas.StateMapping,
		schemas.StateError, schemas.StateIdle,
	},
	schemas.StateMapping: {
		schemas.StateWaitingForLogin, schemas.StateFilling, schemas.StateError, schemas.StateIdle,
	},
	schemas.StateFilling: {
		schemas.StateWaitingForLogin, schemas.StateWaitingForPage, schemas.StateExtracting,
		schemas.StateMapping, schemas.StateDone, schemas.StateError, schemas.StateIdle,
	},
	schemas.StateDone: {
		schemas.StateWaitingForLogin, schemas.StateWaitingForPage, schemas.StateExtracting,
		schemas.StateMapping, schemas.StateError, schemas.StateIdle,
	},
	schemas.StateError: {
		schemas.StateWaitingForLogin, schemas.StateWaitingForPage, schemas.StateExtracting,
		schemas.StateMapping, schemas.StateError, schemas.StateIdle,
	},
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to schemas.FillingState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to schemas.FillingState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
