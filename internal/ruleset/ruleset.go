// Package ruleset defines how game-specific rules plug into rooms. Rooms relay
// game state opaquely; only a Ruleset looks inside it.
package ruleset

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jason-s-yu/duel/internal/models"
)

var (
	// ErrUnknownGame is returned for a gameId with no registered ruleset.
	ErrUnknownGame = errors.New("unknown game")
	// ErrIllegalMove is returned when an action does not apply to the state.
	ErrIllegalMove = errors.New("illegal move")
)

// Outcome describes a terminal state. WinnerID is empty on a draw.
type Outcome struct {
	WinnerID string `json:"winnerId,omitempty"`
	Reason   string `json:"reason"`
}

// Ruleset is a pure, deterministic game engine.
type Ruleset interface {
	// Initial builds the starting state for the seated players.
	Initial(players []models.Player) (json.RawMessage, error)
	// ApplyAction returns the state after action, or ErrIllegalMove.
	ApplyAction(state json.RawMessage, action models.GameAction) (json.RawMessage, error)
	// IsTerminal returns nil while the game is still running.
	IsTerminal(state json.RawMessage) *Outcome
	// CurrentTurn returns the playerNumber expected to act next, 0 if none.
	CurrentTurn(state json.RawMessage) int
}

// Registry maps a gameId to its ruleset.
type Registry map[string]Ruleset

// DefaultRegistry returns the rulesets shipped with the relay.
func DefaultRegistry() Registry {
	return Registry{
		TicTacToeID: TicTacToe{},
	}
}

// Get looks up the ruleset for gameID.
func (r Registry) Get(gameID string) (Ruleset, error) {
	rs, ok := r[gameID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGame, gameID)
	}
	return rs, nil
}
