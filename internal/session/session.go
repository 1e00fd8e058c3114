package session

import (
	"fmt"

	"github.com/jason-s-yu/duel/internal/models"
)

// Status is the UI-visible state of a session. idle and searching exist
// only on the client; ready is the local echo of a successful ready flag.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSearching Status = "searching"
	StatusWaiting   Status = "waiting"
	StatusReady     Status = "ready"
	StatusPlaying   Status = "playing"
	StatusFinished  Status = "finished"
)

// phase orders in-room statuses; transitions never lower it.
func (s Status) phase() int {
	switch s {
	case StatusWaiting, StatusReady:
		return 0
	case StatusPlaying:
		return 1
	case StatusFinished:
		return 2
	default:
		return -1
	}
}

func (s Status) inRoom() bool { return s.phase() >= 0 }

// ConnectionMode says how room events are currently reaching the client.
type ConnectionMode string

const (
	ModeRealtime ConnectionMode = "realtime"
	ModePolling  ConnectionMode = "polling"
)

// Session is every piece of client-local session state. It only changes
// through apply, which refuses results that break the invariants in validate.
type Session struct {
	status Status
	userID string
	roomID string
	store  RoomStateStore
	myNum  int

	searchGen uint64

	// readyPending holds the optimistic flag while the ready call is out.
	readyPending bool
	readyWant    bool

	connected bool
	mode      ConnectionMode

	err string

	myStats       *models.PlayerStats
	opponentStats *models.PlayerStats

	winnerID  string
	endReason string

	seen transitionSet
}

func newSession() Session {
	return Session{status: StatusIdle, store: newStore(), mode: ModeRealtime, seen: transitionSet{}}
}

func (s Session) clone() Session {
	out := s
	out.store = s.store.clone()
	out.seen = s.seen.clone()
	return out
}

// effects are the observable side effects of one transition.
type effects struct {
	started *models.Room
	ended   *models.GameResult
	action  *models.GameAction
}

type event interface{ isEvent() }

type (
	evSearchStarted struct {
		gen    uint64
		userID string
	}
	evSearchCancelled struct{ gen uint64 }
	evSearchFailed    struct {
		gen uint64
		err string
	}
	// evRoomAdopted lands a finished search in a room. myNum 0 resolves the
	// seat from userID; placeholder, if set, fills my slot until the
	// authoritative row shows up.
	evRoomAdopted struct {
		gen         uint64
		room        models.Room
		myNum       int
		placeholder *models.Player
	}
	evRoomObserved struct{ room models.Room }
	evPlayerUpsert struct {
		roomID string
		player models.Player
	}
	evPlayerRemoved struct {
		roomID string
		num    int
	}
	evPlayerReady struct {
		roomID string
		num    int
		ready  bool
	}
	evReadyOptimistic struct {
		roomID string
		ready  bool
	}
	evReadyResolved struct {
		roomID     string
		ok         bool
		prevReady  bool
		prevStatus Status
		err        string
	}
	evGameStarted struct {
		roomID string
		room   *models.Room
	}
	evSnapshot struct {
		roomID string
		snap   models.Snapshot
	}
	evGameEnded struct{ result models.GameResult }
	evAction    struct {
		roomID string
		action models.GameAction
	}
	evConnection struct {
		roomID    string
		connected bool
	}
	evStats struct {
		roomID string
		userID string
		stats  models.PlayerStats
	}
	evError struct{ err string }
	evReset struct{}
)

func (evSearchStarted) isEvent()   {}
func (evSearchCancelled) isEvent() {}
func (evSearchFailed) isEvent()    {}
func (evRoomAdopted) isEvent()     {}
func (evRoomObserved) isEvent()    {}
func (evPlayerUpsert) isEvent()    {}
func (evPlayerRemoved) isEvent()   {}
func (evPlayerReady) isEvent()     {}
func (evReadyOptimistic) isEvent() {}
func (evReadyResolved) isEvent()   {}
func (evGameStarted) isEvent()     {}
func (evSnapshot) isEvent()        {}
func (evGameEnded) isEvent()       {}
func (evAction) isEvent()          {}
func (evConnection) isEvent()      {}
func (evStats) isEvent()           {}
func (evError) isEvent()           {}
func (evReset) isEvent()           {}

// apply is the only transition function. It never mutates s.
func (s Session) apply(ev event) (Session, effects, error) {
	next := s.clone()
	var fx effects
	if err := next.reduce(ev, &fx); err != nil {
		return s, effects{}, err
	}
	if err := next.validate(); err != nil {
		return s, effects{}, fmt.Errorf("%T rejected: %w", ev, err)
	}
	return next, fx, nil
}

func (s *Session) current(roomID string) bool {
	return s.status.inRoom() && roomID == s.roomID
}

func (s *Session) reduce(ev event, fx *effects) error {
	switch e := ev.(type) {
	case evSearchStarted:
		if s.status != StatusIdle {
			return ErrAlreadyInRoom
		}
		s.status = StatusSearching
		s.searchGen = e.gen
		s.userID = e.userID
		s.err = ""

	case evSearchCancelled:
		if s.status != StatusSearching || s.searchGen != e.gen {
			return errStale
		}
		s.status = StatusIdle
		s.err = ""

	case evSearchFailed:
		if s.status != StatusSearching || s.searchGen != e.gen {
			return errStale
		}
		s.status = StatusIdle
		s.err = e.err

	case evRoomAdopted:
		if s.status != StatusSearching || s.searchGen != e.gen {
			return errStale
		}
		myNum := e.myNum
		if myNum == 0 {
			if p, ok := e.room.PlayerByUser(s.userID); ok {
				myNum = p.PlayerNumber
			}
		}
		if myNum <= 0 {
			return fmt.Errorf("room %s has no seat for %s", e.room.ID, s.userID)
		}
		s.roomID = e.room.ID
		s.myNum = myNum
		s.store = newStore()
		if e.placeholder != nil {
			ph := *e.placeholder
			ph.PlayerNumber, ph.Placeholder = myNum, true
			s.store.Upsert(ph)
		}
		s.store.Adopt(e.room, myNum)
		s.winnerID, s.endReason = "", ""
		s.myStats, s.opponentStats = nil, nil
		s.status = s.pregameStatus()
		s.observeStatus(e.room, fx)

	case evRoomObserved:
		if !s.current(e.room.ID) {
			return errStale
		}
		s.store.Adopt(e.room, s.myNum)
		s.applyPending()
		s.observeStatus(e.room, fx)

	case evPlayerUpsert:
		if !s.current(e.roomID) {
			return errStale
		}
		s.store.Upsert(e.player)
		s.applyPending()
		s.settlePregame()

	case evPlayerRemoved:
		if !s.current(e.roomID) {
			return errStale
		}
		if !s.store.Remove(e.num) {
			return errDesync
		}
		if s.status.phase() == 0 {
			s.store.ResetReady()
			s.readyPending = false
			s.status = StatusWaiting
		}

	case evPlayerReady:
		if !s.current(e.roomID) {
			return errStale
		}
		if !s.store.SetReady(e.num, e.ready) {
			return errDesync
		}
		s.applyPending()
		s.settlePregame()

	case evReadyOptimistic:
		if !s.current(e.roomID) || s.status.phase() != 0 {
			return ErrNotInRoom
		}
		if _, ok := s.store.Player(s.myNum); !ok {
			return ErrNotInRoom
		}
		s.readyPending, s.readyWant = true, e.ready
		s.applyPending()
		s.settlePregame()

	case evReadyResolved:
		if !s.current(e.roomID) {
			return errStale
		}
		s.readyPending = false
		if e.ok {
			return nil
		}
		s.err = e.err
		if s.status.phase() != 0 {
			return nil
		}
		s.store.SetReady(s.myNum, e.prevReady)
		s.status = e.prevStatus
		s.settlePregame()

	case evGameStarted:
		if !s.current(e.roomID) {
			return errStale
		}
		if s.status.phase() > 0 || s.seen.seen(s.roomID, StatusPlaying) {
			return errDesync
		}
		if e.room != nil {
			s.store.Adopt(*e.room, s.myNum)
		}
		s.enterPlaying(fx)

	case evSnapshot:
		if !s.current(e.roomID) {
			return errStale
		}
		if !s.store.ApplySnapshot(e.snap) {
			return errDesync
		}

	case evGameEnded:
		if !s.current(e.result.RoomID) {
			return errStale
		}
		if s.seen.seen(s.roomID, StatusFinished) {
			return errDesync
		}
		s.enterFinished(e.result, fx)

	case evAction:
		if !s.current(e.roomID) {
			return errStale
		}
		a := e.action
		fx.action = &a

	case evConnection:
		if e.roomID != "" && !s.current(e.roomID) {
			return errStale
		}
		s.connected = e.connected
		if e.connected {
			s.mode = ModeRealtime
		} else {
			s.mode = ModePolling
		}

	case evStats:
		if !s.current(e.roomID) {
			return errStale
		}
		st := e.stats
		if e.userID == s.userID {
			s.myStats = &st
		} else if opp, ok := s.store.Opponent(s.myNum); ok && opp.UserID == e.userID {
			s.opponentStats = &st
		} else {
			return errStale
		}

	case evError:
		s.err = e.err

	case evReset:
		seen := s.seen
		*s = newSession()
		s.seen = seen

	default:
		return fmt.Errorf("unknown event %T", ev)
	}
	return nil
}

// observeStatus maps an authoritative room status onto the session without
// ever moving to an earlier phase.
func (s *Session) observeStatus(room models.Room, fx *effects) {
	switch {
	case room.Status.Terminal():
		s.enterFinished(models.GameResult{RoomID: room.ID, WinnerID: room.WinnerID, Reason: room.EndReason}, fx)
	case room.Status == models.StatusPlaying:
		if s.status.phase() < 1 {
			s.enterPlaying(fx)
		}
	default:
		s.settlePregame()
	}
}

func (s *Session) enterPlaying(fx *effects) {
	s.readyPending = false
	s.status = StatusPlaying
	if s.seen.mark(s.roomID, StatusPlaying) {
		room := s.store.Room()
		room.Status = models.StatusPlaying
		fx.started = &room
	}
}

func (s *Session) enterFinished(result models.GameResult, fx *effects) {
	if !s.seen.mark(s.roomID, StatusFinished) {
		return
	}
	// A late game_start after the end must not fire.
	s.seen.mark(s.roomID, StatusPlaying)
	s.readyPending = false
	s.status = StatusFinished
	s.winnerID, s.endReason = result.WinnerID, result.Reason
	fx.ended = &result
}

// settlePregame derives waiting/ready from my ready flag. Later phases are
// left alone, so a ready event arriving after game start changes only the row.
func (s *Session) settlePregame() {
	if s.status.phase() == 0 {
		s.status = s.pregameStatus()
	}
}

func (s *Session) pregameStatus() Status {
	if p, ok := s.store.Player(s.myNum); ok && p.Ready {
		return StatusReady
	}
	return StatusWaiting
}

// applyPending keeps the optimistic ready flag on my row until the call resolves.
func (s *Session) applyPending() {
	if s.readyPending && s.status.phase() == 0 {
		s.store.SetReady(s.myNum, s.readyWant)
	}
}

func (s *Session) validate() error {
	switch s.status {
	case StatusIdle, StatusSearching:
		if s.roomID != "" || s.store.Len() != 0 {
			return fmt.Errorf("%s with a room", s.status)
		}
	case StatusWaiting, StatusReady, StatusPlaying, StatusFinished:
		if s.roomID == "" {
			return fmt.Errorf("%s without a room", s.status)
		}
		if s.store.Len() == 0 {
			return fmt.Errorf("%s with no players", s.status)
		}
		if s.myNum <= 0 {
			return fmt.Errorf("%s without a seat", s.status)
		}
	default:
		return fmt.Errorf("unknown status %q", s.status)
	}
	if s.status == StatusReady {
		if p, ok := s.store.Player(s.myNum); !ok || !p.Ready {
			return fmt.Errorf("ready without my ready flag")
		}
	}
	return nil
}
