// internal/relay/room.go
package relay

import (
	"time"

	"github.com/jason-s-yu/duel/internal/models"
	"github.com/jason-s-yu/duel/internal/realtime"
	"github.com/sirupsen/logrus"
)

// Room is the relay's authoritative copy of a room plus its live connections.
// All fields are guarded by the owning RoomStore's mutex.
type Room struct {
	models.Room

	nextPlayerNumber int
	actionCount      int
	queued           bool
	lastActive       time.Time

	conns map[string]*Connection
}

func newRoom(gameID string, mode models.Mode, capacity int, now time.Time) *Room {
	return &Room{
		Room: models.Room{
			ID:        newRoomID(),
			GameID:    gameID,
			Mode:      mode,
			Status:    models.StatusWaiting,
			Capacity:  capacity,
			Players:   []models.Player{},
			CreatedAt: now,
			UpdatedAt: now,
		},
		nextPlayerNumber: 1,
		lastActive:       now,
		conns:            make(map[string]*Connection),
	}
}

// Connection is a single user's websocket presence in a room.
type Connection struct {
	UserID  string
	Cancel  func()
	OutChan chan realtime.Envelope

	logger logrus.FieldLogger
}

// NewConnection returns a connection with a buffered outbound queue.
func NewConnection(userID string, cancel func(), logger logrus.FieldLogger) *Connection {
	return &Connection{
		UserID:  userID,
		Cancel:  cancel,
		OutChan: make(chan realtime.Envelope, 32),
		logger:  logger,
	}
}

// Write queues env without blocking. A full queue drops the event; the
// client recovers through polling and snapshot sequence numbers.
func (c *Connection) Write(env realtime.Envelope) {
	select {
	case c.OutChan <- env:
	default:
		c.logger.Warnf("Room %s: outbound queue for user %s full, dropped %s", env.RoomID, c.UserID, env.Type)
	}
}

// seat appends a new row with the next unused playerNumber.
func (r *Room) seat(userID, username string) models.Player {
	p := models.Player{UserID: userID, Username: username, PlayerNumber: r.nextPlayerNumber}
	r.nextPlayerNumber++
	r.Players = append(r.Players, p)
	if r.Full() {
		r.Status = models.StatusReady
	}
	return p
}

func (r *Room) indexOf(userID string) int {
	for i, p := range r.Players {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func (r *Room) removeAt(i int) models.Player {
	p := r.Players[i]
	r.Players = append(r.Players[:i], r.Players[i+1:]...)
	return p
}

func (r *Room) allReady() bool {
	if !r.Full() {
		return false
	}
	for _, p := range r.Players {
		if !p.Ready {
			return false
		}
	}
	return true
}

// opponentOf returns the first seated user that is not userID.
func (r *Room) opponentOf(userID string) string {
	for _, p := range r.Players {
		if p.UserID != userID {
			return p.UserID
		}
	}
	return ""
}

func (r *Room) touch(now time.Time) {
	r.lastActive = now
	r.UpdatedAt = now
}

func (r *Room) snapshot() models.Room {
	return r.Room.Clone()
}

// broadcast writes env to every live connection in the room.
func (r *Room) broadcast(env realtime.Envelope) {
	env.RoomID = r.ID
	for _, c := range r.conns {
		c.Write(env)
	}
}

// closeConns cancels every live connection.
func (r *Room) closeConns() {
	for id, c := range r.conns {
		if c.Cancel != nil {
			c.Cancel()
		}
		delete(r.conns, id)
	}
}
