// internal/models/room.go
package models

import (
	"encoding/json"
	"time"
)

// RoomStatus is the server-side lifecycle status of a room.
type RoomStatus string

const (
	StatusWaiting   RoomStatus = "waiting"   // seats still open
	StatusReady     RoomStatus = "ready"     // every seat filled, waiting on ready flags
	StatusPlaying   RoomStatus = "playing"   // game in progress
	StatusFinished  RoomStatus = "finished"  // game over, result recorded
	StatusAbandoned RoomStatus = "abandoned" // emptied or expired before finishing
)

// Phase orders statuses so that transitions can be checked for monotonicity.
// waiting and ready share the pre-game phase and may alternate.
func (s RoomStatus) Phase() int {
	switch s {
	case StatusWaiting, StatusReady:
		return 0
	case StatusPlaying:
		return 1
	case StatusFinished, StatusAbandoned:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further gameplay transitions can happen.
func (s RoomStatus) Terminal() bool {
	return s == StatusFinished || s == StatusAbandoned
}

// Joinable reports whether new players may still take a seat.
func (s RoomStatus) Joinable() bool {
	return s == StatusWaiting
}

// Mode is how a room was formed.
type Mode string

const (
	ModeRanked  Mode = "ranked"
	ModeCasual  Mode = "casual"
	ModePrivate Mode = "private"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeRanked || m == ModeCasual || m == ModePrivate
}

// DefaultCapacity is the number of seats in a room unless the ruleset says otherwise.
const DefaultCapacity = 2

// Room is the server-tracked record of one multiplayer session.
type Room struct {
	ID       string     `json:"id"`
	Code     string     `json:"code,omitempty"`
	GameID   string     `json:"gameId"`
	Mode     Mode       `json:"mode"`
	Status   RoomStatus `json:"status"`
	Capacity int        `json:"capacity"`
	Players  []Player   `json:"players"`

	// GameState is owned by the game ruleset and relayed opaquely.
	GameState json.RawMessage `json:"gameState,omitempty"`
	// StateSeq increases by one for every authoritative GameState change.
	StateSeq int64 `json:"stateSeq"`

	WinnerID  string `json:"winnerId,omitempty"`
	EndReason string `json:"endReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PlayerByNumber returns the row seated at playerNumber.
func (r *Room) PlayerByNumber(n int) (Player, bool) {
	for _, p := range r.Players {
		if p.PlayerNumber == n {
			return p, true
		}
	}
	return Player{}, false
}

// PlayerByUser returns the row belonging to userID.
func (r *Room) PlayerByUser(userID string) (Player, bool) {
	for _, p := range r.Players {
		if p.UserID == userID {
			return p, true
		}
	}
	return Player{}, false
}

// Full reports whether every seat is taken.
func (r *Room) Full() bool {
	return r.Capacity > 0 && len(r.Players) >= r.Capacity
}

// Snapshot returns the room's game state tagged with its sequence number.
func (r *Room) Snapshot() Snapshot {
	return Snapshot{Seq: r.StateSeq, State: r.GameState}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r Room) Clone() Room {
	out := r
	out.Players = append([]Player(nil), r.Players...)
	if r.GameState != nil {
		out.GameState = append(json.RawMessage(nil), r.GameState...)
	}
	return out
}

// Snapshot is one authoritative game state, ordered by Seq within a room.
type Snapshot struct {
	Seq   int64           `json:"seq"`
	State json.RawMessage `json:"state"`
}

// GameResult is the confirmed outcome of a finished room.
type GameResult struct {
	RoomID   string `json:"roomId"`
	WinnerID string `json:"winnerId,omitempty"` // empty on a draw
	Reason   string `json:"reason"`
}

// End reasons recorded on finished rooms.
const (
	ReasonWin          = "win"
	ReasonDraw         = "draw"
	ReasonSurrender    = "surrender"
	ReasonOpponentLeft = "opponent_left"
	ReasonExpired      = "expired"
)
