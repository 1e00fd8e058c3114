package models

import "encoding/json"

// ActionType enumerates the commands a player can send to a room.
type ActionType string

const (
	ActionMove      ActionType = "move"
	ActionReady     ActionType = "ready"
	ActionSurrender ActionType = "surrender"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	return t == ActionMove || t == ActionReady || t == ActionSurrender
}

// GameAction is a command. Its visible effect is the next authoritative
// snapshot, never the action itself.
type GameAction struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ActorID string          `json:"actorId"`
}

// ReadyPayload is the actionData of a ready action.
type ReadyPayload struct {
	Ready bool `json:"ready"`
}
