package session

import (
	"encoding/json"
	"sort"

	"github.com/jason-s-yu/duel/internal/models"
)

// RoomStateStore is the client-local cache of one room. Player rows live in
// slots keyed by playerNumber and are always replaced whole, never merged,
// so a locally synthesized row and the authoritative row reconcile by seat
// even when they spell the user id differently.
type RoomStateStore struct {
	room     models.Room // metadata only; Players is rebuilt from slots on read
	slots    map[int]models.Player
	snapshot models.Snapshot
	hasState bool
}

func newStore() RoomStateStore {
	return RoomStateStore{slots: make(map[int]models.Player)}
}

func (s RoomStateStore) clone() RoomStateStore {
	out := s
	out.room = s.room.Clone()
	out.room.Players = nil
	out.slots = make(map[int]models.Player, len(s.slots))
	for n, p := range s.slots {
		out.slots[n] = p
	}
	return out
}

// Adopt replaces every slot with the authoritative rows of room. A
// placeholder in mySlot survives only while room has no row there. Room
// status never moves to an earlier phase, and game state only moves forward.
func (s *RoomStateStore) Adopt(room models.Room, mySlot int) {
	mine, keepMine := s.slots[mySlot]
	keepMine = keepMine && mine.Placeholder

	prev := s.room
	s.room = room.Clone()
	s.room.Players = nil
	if prev.ID == room.ID && room.Status.Phase() < prev.Status.Phase() {
		s.room.Status = prev.Status
		s.room.WinnerID, s.room.EndReason = prev.WinnerID, prev.EndReason
	}

	s.slots = make(map[int]models.Player, len(room.Players))
	for _, p := range room.Players {
		s.slots[p.PlayerNumber] = p
	}
	if _, ok := s.slots[mySlot]; !ok && keepMine {
		s.slots[mySlot] = mine
	}

	if room.GameState != nil {
		s.ApplySnapshot(room.Snapshot())
	}
}

// Upsert replaces the slot at p.PlayerNumber.
func (s *RoomStateStore) Upsert(p models.Player) {
	if p.PlayerNumber <= 0 {
		return
	}
	s.slots[p.PlayerNumber] = p
}

// Remove drops the slot at n.
func (s *RoomStateStore) Remove(n int) bool {
	if _, ok := s.slots[n]; !ok {
		return false
	}
	delete(s.slots, n)
	return true
}

// SetReady sets the ready flag of slot n. False if the slot is empty.
func (s *RoomStateStore) SetReady(n int, ready bool) bool {
	p, ok := s.slots[n]
	if !ok {
		return false
	}
	p.Ready = ready
	s.slots[n] = p
	return true
}

// ResetReady clears every ready flag, as the relay does when a room
// returns to waiting.
func (s *RoomStateStore) ResetReady() {
	for n, p := range s.slots {
		p.Ready = false
		s.slots[n] = p
	}
}

// ApplySnapshot stores snap unless one with an equal or higher Seq is
// already applied. It reports whether snap was applied.
func (s *RoomStateStore) ApplySnapshot(snap models.Snapshot) bool {
	if s.hasState && snap.Seq <= s.snapshot.Seq {
		return false
	}
	s.snapshot = models.Snapshot{Seq: snap.Seq, State: append(json.RawMessage(nil), snap.State...)}
	s.hasState = true
	return true
}

// Snapshot returns the applied game state, if any.
func (s *RoomStateStore) Snapshot() (models.Snapshot, bool) {
	return s.snapshot, s.hasState
}

// AllReady is true iff at least one row exists and every row is ready.
func (s *RoomStateStore) AllReady() bool {
	if len(s.slots) == 0 {
		return false
	}
	for _, p := range s.slots {
		if !p.Ready {
			return false
		}
	}
	return true
}

// Len is the number of occupied slots.
func (s *RoomStateStore) Len() int { return len(s.slots) }

// Player returns the row in slot n.
func (s *RoomStateStore) Player(n int) (models.Player, bool) {
	p, ok := s.slots[n]
	return p, ok
}

// Players returns the rows ordered by playerNumber.
func (s *RoomStateStore) Players() []models.Player {
	out := make([]models.Player, 0, len(s.slots))
	for _, p := range s.slots {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerNumber < out[j].PlayerNumber })
	return out
}

// Opponent returns the lowest-numbered row that is not mySlot.
func (s *RoomStateStore) Opponent(mySlot int) (models.Player, bool) {
	for _, p := range s.Players() {
		if p.PlayerNumber != mySlot {
			return p, true
		}
	}
	return models.Player{}, false
}

// Room returns the cached room with its rows and applied state filled in.
func (s *RoomStateStore) Room() models.Room {
	out := s.room.Clone()
	out.Players = s.Players()
	if s.hasState {
		out.GameState = append(json.RawMessage(nil), s.snapshot.State...)
		out.StateSeq = s.snapshot.Seq
	}
	return out
}
