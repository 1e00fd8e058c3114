// internal/models/player.go
package models

import "time"

// Player is a room-scoped seat.
type Player struct {
	UserID       string `json:"userId"`
	Username     string `json:"username,omitempty"`
	PlayerNumber int    `json:"playerNumber"` // assigned at join, never reused within a room
	Ready        bool   `json:"ready"`

	Disconnected   bool       `json:"disconnected"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`

	// Placeholder marks a row synthesized on the client before the
	// authoritative row arrived. Never sent by the relay.
	Placeholder bool `json:"-"`
}
