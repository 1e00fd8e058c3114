package session

import (
	"encoding/json"

	"github.com/jason-s-yu/duel/internal/models"
	"github.com/jason-s-yu/duel/internal/ruleset"
)

// View is the read model handed to the UI. It is a copy; holding it never
// blocks the controller.
type View struct {
	Room           *models.Room
	Players        []models.Player
	GameState      json.RawMessage
	StateSeq       int64
	Status         Status
	MyPlayerNumber int
	IsMyTurn       bool
	Error          string
	IsSearching    bool
	IsConnected    bool
	ConnectionMode ConnectionMode
	MyStats        *models.PlayerStats
	OpponentStats  *models.PlayerStats
	Opponent       *models.Player
	WinnerID       string
	EndReason      string
}

// AllReady reports whether every seated player has flagged ready.
func (v View) AllReady() bool {
	if len(v.Players) == 0 {
		return false
	}
	for _, p := range v.Players {
		if !p.Ready {
			return false
		}
	}
	return true
}

func (s *Session) view(rules ruleset.Registry) View {
	v := View{
		Status:         s.status,
		Error:          s.err,
		IsSearching:    s.status == StatusSearching,
		IsConnected:    s.connected,
		ConnectionMode: s.mode,
		MyStats:        s.myStats,
		OpponentStats:  s.opponentStats,
		WinnerID:       s.winnerID,
		EndReason:      s.endReason,
	}
	if !s.status.inRoom() {
		return v
	}

	room := s.store.Room()
	v.Room = &room
	v.Players = room.Players
	v.MyPlayerNumber = s.myNum
	if _, ok := s.store.Snapshot(); ok {
		v.GameState, v.StateSeq = room.GameState, room.StateSeq
	}
	if opp, ok := s.store.Opponent(s.myNum); ok {
		v.Opponent = &opp
	}
	if s.status == StatusPlaying && v.GameState != nil {
		if rs, err := rules.Get(room.GameID); err == nil {
			v.IsMyTurn = rs.CurrentTurn(v.GameState) == s.myNum
		}
	}
	return v
}
