// internal/relay/store.go
package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/duel/internal/cache"
	"github.com/jason-s-yu/duel/internal/models"
	"github.com/jason-s-yu/duel/internal/realtime"
	"github.com/jason-s-yu/duel/internal/ruleset"
	"github.com/sirupsen/logrus"
)

type queueKey struct {
	gameID string
	mode   models.Mode
}

// outbox collects what one mutation produced. Events have already been
// written to local websockets; the rest is flushed after the lock is released.
type outbox struct {
	events   []realtime.Envelope
	actions  []cache.ActionRecord
	finished *models.Room
}

func (o *outbox) emit(r *Room, env realtime.Envelope) {
	env.RoomID = r.ID
	r.broadcast(env)
	o.events = append(o.events, env)
}

func (o *outbox) record(r *Room, userID string, typ models.ActionType, payload json.RawMessage, now time.Time) {
	o.actions = append(o.actions, cache.ActionRecord{
		RoomID:      r.ID,
		ActionIndex: r.actionCount,
		ActorUserID: userID,
		ActionType:  string(typ),
		Payload:     payload,
		StateSeq:    r.StateSeq,
		Timestamp:   now.UnixMilli(),
	})
	r.actionCount++
}

// RoomStore manages every live room in memory. One mutex guards the rooms,
// the code and queue indexes, and each room's contents.
type RoomStore struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	codes    map[string]string
	queues   map[queueKey][]string
	userRoom map[string]string

	rulesets ruleset.Registry
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewRoomStore initializes an empty store.
func NewRoomStore(rulesets ruleset.Registry, logger logrus.FieldLogger) *RoomStore {
	return &RoomStore{
		rooms:    make(map[string]*Room),
		codes:    make(map[string]string),
		queues:   make(map[queueKey][]string),
		userRoom: make(map[string]string),
		rulesets: rulesets,
		logger:   logger,
		now:      time.Now,
	}
}

// Match pairs userID with the oldest queued room for (gameID, mode) or
// queues a new one. A caller already alone in a queued room for the same
// game and mode gets that room back.
func (s *RoomStore) Match(userID, username, gameID string, mode models.Mode) (models.Room, *outbox, error) {
	ob := &outbox{}
	if mode == "" {
		mode = models.ModeCasual
	}
	if !mode.Valid() || mode == models.ModePrivate {
		return models.Room{}, ob, fmt.Errorf("%w: mode %q cannot be matched", ErrBadRequest, mode)
	}
	if _, err := s.rulesets.Get(gameID); err != nil {
		return models.Room{}, ob, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if r := s.roomOf(userID); r != nil {
		if r.queued && r.GameID == gameID && r.Mode == mode && len(r.Players) == 1 && r.Status.Joinable() {
			return r.snapshot(), ob, nil
		}
		if err := s.vacate(r, userID, ob); err != nil {
			return models.Room{}, ob, err
		}
	}

	key := queueKey{gameID: gameID, mode: mode}
	q := s.queues[key]
	for len(q) > 0 {
		r, ok := s.rooms[q[0]]
		if !ok || !r.queued || !r.Status.Joinable() || r.Full() {
			if ok {
				r.queued = false
			}
			q = q[1:]
			continue
		}
		p := r.seat(userID, username)
		s.userRoom[userID] = r.ID
		r.touch(now)
		if r.Full() {
			r.queued = false
			q = q[1:]
		}
		s.queues[key] = q
		s.logger.Infof("Room %s: user %s paired as player %d", r.ID, userID, p.PlayerNumber)
		ob.emit(r, realtime.Envelope{Type: realtime.EventPlayerJoin, Player: &p})
		return r.snapshot(), ob, nil
	}
	s.queues[key] = q

	r := s.create(userID, username, gameID, mode, now)
	s.enqueue(r)
	s.logger.Infof("Room %s: queued for %s/%s by user %s", r.ID, gameID, mode, userID)
	return r.snapshot(), ob, nil
}

// Create opens a room seated with userID. Private rooms get a join code and
// are never queued.
func (s *RoomStore) Create(userID, username, gameID string, mode models.Mode, private bool) (models.Room, int, *outbox, error) {
	ob := &outbox{}
	if private {
		mode = models.ModePrivate
	}
	if mode == "" {
		mode = models.ModeCasual
	}
	if !mode.Valid() {
		return models.Room{}, 0, ob, fmt.Errorf("%w: unknown mode %q", ErrBadRequest, mode)
	}
	if _, err := s.rulesets.Get(gameID); err != nil {
		return models.Room{}, 0, ob, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.roomOf(userID); r != nil {
		if err := s.vacate(r, userID, ob); err != nil {
			return models.Room{}, 0, ob, err
		}
	}
	r := s.create(userID, username, gameID, mode, s.now())
	if mode == models.ModePrivate {
		r.Code = s.uniqueCode()
		s.codes[r.Code] = r.ID
	} else {
		s.enqueue(r)
	}
	s.logger.Infof("Room %s: created (%s) by user %s", r.ID, mode, userID)
	return r.snapshot(), r.Players[0].PlayerNumber, ob, nil
}

// JoinByCode seats userID in the private room holding code.
func (s *RoomStore) JoinByCode(userID, username, code string) (models.Room, int, *outbox, error) {
	ob := &outbox{}
	code = models.NormalizeCode(code)
	if len(code) != CodeLength {
		return models.Room{}, 0, ob, ErrRoomNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[s.codes[code]]
	if !ok || r.Status.Terminal() {
		return models.Room{}, 0, ob, ErrRoomNotFound
	}
	if i := r.indexOf(userID); i >= 0 {
		return r.snapshot(), r.Players[i].PlayerNumber, ob, nil
	}
	if !r.Status.Joinable() || r.Full() {
		return models.Room{}, 0, ob, ErrRoomFull
	}
	if cur := s.roomOf(userID); cur != nil {
		if err := s.vacate(cur, userID, ob); err != nil {
			return models.Room{}, 0, ob, err
		}
	}

	p := r.seat(userID, username)
	s.userRoom[userID] = r.ID
	r.touch(s.now())
	s.logger.Infof("Room %s: user %s joined by code as player %d", r.ID, userID, p.PlayerNumber)
	ob.emit(r, realtime.Envelope{Type: realtime.EventPlayerJoin, Player: &p})
	return r.snapshot(), p.PlayerNumber, ob, nil
}

// Get returns a copy of the room.
func (s *RoomStore) Get(roomID string) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return models.Room{}, ErrRoomNotFound
	}
	return r.snapshot(), nil
}

// Ready sets userID's ready flag. When every seat is filled and ready the
// game starts and started is true.
func (s *RoomStore) Ready(roomID, userID string, ready bool) (bool, *outbox, error) {
	ob := &outbox{}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, i, err := s.seated(roomID, userID)
	if err != nil {
		return false, ob, err
	}
	if r.Status.Phase() != 0 {
		return false, ob, fmt.Errorf("%w: room is %s", ErrInvalidAction, r.Status)
	}
	now := s.now()
	r.touch(now)
	payload, _ := json.Marshal(models.ReadyPayload{Ready: ready})
	ob.record(r, userID, models.ActionReady, payload, now)

	if r.Players[i].Ready != ready {
		r.Players[i].Ready = ready
		flag := ready
		ob.emit(r, realtime.Envelope{
			Type:         realtime.EventPlayerReady,
			PlayerNumber: r.Players[i].PlayerNumber,
			UserID:       userID,
			Ready:        &flag,
		})
	}
	if !ready || !r.allReady() {
		return false, ob, nil
	}
	if err := s.start(r, ob); err != nil {
		return false, ob, err
	}
	return true, ob, nil
}

// Move applies a ruleset move for userID.
func (s *RoomStore) Move(roomID, userID string, payload json.RawMessage) (*outbox, error) {
	ob := &outbox{}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, _, err := s.seated(roomID, userID)
	if err != nil {
		return ob, err
	}
	if r.Status != models.StatusPlaying {
		return ob, fmt.Errorf("%w: room is %s", ErrInvalidAction, r.Status)
	}
	rs, err := s.rulesets.Get(r.GameID)
	if err != nil {
		return ob, err
	}
	action := models.GameAction{Type: models.ActionMove, Payload: payload, ActorID: userID}
	next, err := rs.ApplyAction(r.GameState, action)
	if err != nil {
		return ob, err
	}

	now := s.now()
	r.touch(now)
	r.GameState = next
	r.StateSeq++
	ob.record(r, userID, models.ActionMove, payload, now)
	ob.emit(r, realtime.Envelope{Type: realtime.EventAction, Action: &action})
	snap := r.Snapshot()
	ob.emit(r, realtime.Envelope{Type: realtime.EventGameState, Snapshot: &snap})

	if out := rs.IsTerminal(next); out != nil {
		s.finish(r, out.WinnerID, out.Reason, ob)
	}
	return ob, nil
}

// Surrender ends the game with the other player as winner.
func (s *RoomStore) Surrender(roomID, userID string) (*outbox, error) {
	ob := &outbox{}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, _, err := s.seated(roomID, userID)
	if err != nil {
		return ob, err
	}
	if r.Status != models.StatusPlaying {
		return ob, fmt.Errorf("%w: room is %s", ErrInvalidAction, r.Status)
	}
	now := s.now()
	r.touch(now)
	action := models.GameAction{Type: models.ActionSurrender, ActorID: userID}
	ob.record(r, userID, models.ActionSurrender, nil, now)
	ob.emit(r, realtime.Envelope{Type: realtime.EventAction, Action: &action})
	s.finish(r, r.opponentOf(userID), models.ReasonSurrender, ob)
	return ob, nil
}

// Leave removes userID from the room. Before the game the row is dropped and
// the remaining ready flags reset; during the game the other player wins.
func (s *RoomStore) Leave(roomID, userID string) (*outbox, error) {
	ob := &outbox{}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		if s.userRoom[userID] == roomID {
			delete(s.userRoom, userID)
		}
		return ob, ErrRoomNotFound
	}
	i := r.indexOf(userID)
	if i < 0 {
		return ob, nil
	}
	r.touch(s.now())

	switch {
	case r.Status.Terminal():
		s.unbind(userID, r.ID)
	case r.Status == models.StatusPlaying:
		s.logger.Infof("Room %s: user %s left mid-game", r.ID, userID)
		s.unbind(userID, r.ID)
		s.finish(r, r.opponentOf(userID), models.ReasonOpponentLeft, ob)
	default:
		p := r.removeAt(i)
		s.unbind(userID, r.ID)
		if c, ok := r.conns[userID]; ok {
			if c.Cancel != nil {
				c.Cancel()
			}
			delete(r.conns, userID)
		}
		for j := range r.Players {
			r.Players[j].Ready = false
		}
		ob.emit(r, realtime.Envelope{Type: realtime.EventPlayerLeave, PlayerNumber: p.PlayerNumber, UserID: userID})
		if len(r.Players) == 0 {
			s.drop(r)
			return ob, nil
		}
		r.Status = models.StatusWaiting
		if r.Mode != models.ModePrivate {
			s.enqueue(r)
		}
	}
	return ob, nil
}

// Attach registers a websocket connection for a seated user and clears a
// previous disconnect mark.
func (s *RoomStore) Attach(roomID, userID string, conn *Connection) (*outbox, error) {
	ob := &outbox{}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, i, err := s.seated(roomID, userID)
	if err != nil {
		return ob, err
	}
	if old, ok := r.conns[userID]; ok && old != conn && old.Cancel != nil {
		old.Cancel()
	}
	r.conns[userID] = conn
	r.touch(s.now())
	if r.Players[i].Disconnected {
		r.Players[i].Disconnected = false
		r.Players[i].DisconnectedAt = nil
		p := r.Players[i]
		ob.emit(r, realtime.Envelope{Type: realtime.EventPlayerJoin, Player: &p})
	}
	return ob, nil
}

// Detach forgets conn and marks the row disconnected when it was the user's
// current connection.
func (s *RoomStore) Detach(roomID, userID string, conn *Connection) *outbox {
	ob := &outbox{}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok || r.conns[userID] != conn {
		return ob
	}
	delete(r.conns, userID)
	i := r.indexOf(userID)
	if i < 0 || r.Status.Terminal() {
		return ob
	}
	at := s.now()
	r.Players[i].Disconnected = true
	r.Players[i].DisconnectedAt = &at
	p := r.Players[i]
	ob.emit(r, realtime.Envelope{Type: realtime.EventPlayerJoin, Player: &p})
	return ob
}

// ApplyState stores a client-published game state as the next snapshot.
func (s *RoomStore) ApplyState(roomID, userID string, state json.RawMessage) (*outbox, error) {
	ob := &outbox{}
	if len(state) == 0 || !json.Valid(state) {
		return ob, fmt.Errorf("%w: state must be JSON", ErrBadRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, _, err := s.seated(roomID, userID)
	if err != nil {
		return ob, err
	}
	if r.Status != models.StatusPlaying {
		return ob, fmt.Errorf("%w: room is %s", ErrInvalidAction, r.Status)
	}
	r.touch(s.now())
	r.GameState = append(json.RawMessage(nil), state...)
	r.StateSeq++
	snap := r.Snapshot()
	ob.emit(r, realtime.Envelope{Type: realtime.EventGameState, Snapshot: &snap})

	if rs, err := s.rulesets.Get(r.GameID); err == nil {
		if out := rs.IsTerminal(r.GameState); out != nil {
			s.finish(r, out.WinnerID, out.Reason, ob)
		}
	}
	return ob, nil
}

// Sweep drops rooms idle for longer than ttl. Unfinished rooms are
// abandoned with reason expired first.
func (s *RoomStore) Sweep(ttl time.Duration) (int, *outbox) {
	ob := &outbox{}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	n := 0
	for _, r := range s.rooms {
		if r.lastActive.After(cutoff) {
			continue
		}
		if !r.Status.Terminal() {
			r.Status = models.StatusAbandoned
			r.EndReason = models.ReasonExpired
			ob.emit(r, realtime.Envelope{Type: realtime.EventGameEnd, Result: &models.GameResult{RoomID: r.ID, Reason: models.ReasonExpired}})
		}
		s.drop(r)
		n++
	}
	return n, ob
}

// Len returns the number of tracked rooms.
func (s *RoomStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *RoomStore) create(userID, username, gameID string, mode models.Mode, now time.Time) *Room {
	r := newRoom(gameID, mode, models.DefaultCapacity, now)
	r.seat(userID, username)
	s.rooms[r.ID] = r
	s.userRoom[userID] = r.ID
	return r
}

func (s *RoomStore) enqueue(r *Room) {
	if r.queued {
		return
	}
	key := queueKey{gameID: r.GameID, mode: r.Mode}
	s.queues[key] = append(s.queues[key], r.ID)
	r.queued = true
}

func (s *RoomStore) uniqueCode() string {
	for {
		code := randomCode()
		if _, taken := s.codes[code]; !taken {
			return code
		}
	}
}

func (s *RoomStore) roomOf(userID string) *Room {
	id, ok := s.userRoom[userID]
	if !ok {
		return nil
	}
	r, ok := s.rooms[id]
	if !ok || r.indexOf(userID) < 0 {
		delete(s.userRoom, userID)
		return nil
	}
	return r
}

func (s *RoomStore) seated(roomID, userID string) (*Room, int, error) {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, -1, ErrRoomNotFound
	}
	i := r.indexOf(userID)
	if i < 0 {
		return nil, -1, ErrNotSeated
	}
	return r, i, nil
}

// vacate takes userID out of r so they can enter another room. Only a solo
// pre-game room can be left this way; it is abandoned.
func (s *RoomStore) vacate(r *Room, userID string, ob *outbox) error {
	if r.Status.Terminal() {
		s.unbind(userID, r.ID)
		return nil
	}
	if len(r.Players) != 1 || r.Status.Phase() != 0 {
		return ErrAlreadyInRoom
	}
	p := r.removeAt(0)
	s.unbind(userID, r.ID)
	ob.emit(r, realtime.Envelope{Type: realtime.EventPlayerLeave, PlayerNumber: p.PlayerNumber, UserID: userID})
	s.logger.Infof("Room %s: abandoned by its only player %s", r.ID, userID)
	s.drop(r)
	return nil
}

func (s *RoomStore) start(r *Room, ob *outbox) error {
	rs, err := s.rulesets.Get(r.GameID)
	if err != nil {
		return err
	}
	state, err := rs.Initial(r.Players)
	if err != nil {
		return fmt.Errorf("initial state for room %s: %w", r.ID, err)
	}
	r.Status = models.StatusPlaying
	r.GameState = state
	r.StateSeq++
	s.logger.Infof("Room %s: all players ready, game started", r.ID)

	room := r.snapshot()
	ob.emit(r, realtime.Envelope{Type: realtime.EventGameStart, Room: &room})
	snap := r.Snapshot()
	ob.emit(r, realtime.Envelope{Type: realtime.EventGameState, Snapshot: &snap})
	return nil
}

func (s *RoomStore) finish(r *Room, winnerID, reason string, ob *outbox) {
	r.Status = models.StatusFinished
	r.WinnerID = winnerID
	r.EndReason = reason
	s.release(r)
	s.logger.Infof("Room %s: finished (%s), winner %q", r.ID, reason, winnerID)

	res := models.GameResult{RoomID: r.ID, WinnerID: winnerID, Reason: reason}
	ob.emit(r, realtime.Envelope{Type: realtime.EventGameEnd, Result: &res})
	room := r.snapshot()
	ob.finished = &room
}

// release frees the room's code, queue slot and user bindings. The room
// itself stays readable until it is dropped.
func (s *RoomStore) release(r *Room) {
	if r.Code != "" && s.codes[r.Code] == r.ID {
		delete(s.codes, r.Code)
	}
	r.queued = false
	for _, p := range r.Players {
		s.unbind(p.UserID, r.ID)
	}
}

func (s *RoomStore) drop(r *Room) {
	if !r.Status.Terminal() {
		r.Status = models.StatusAbandoned
	}
	s.release(r)
	r.closeConns()
	delete(s.rooms, r.ID)
}

func (s *RoomStore) unbind(userID, roomID string) {
	if s.userRoom[userID] == roomID {
		delete(s.userRoom, userID)
	}
}
