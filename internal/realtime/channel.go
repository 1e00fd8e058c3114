// Package realtime is the push side of a room session: one subscription per
// active room delivering room and game events as independent callbacks.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jason-s-yu/duel/internal/models"
)

// ErrNotSubscribed is returned by UpdateGameState when no room is subscribed.
var ErrNotSubscribed = errors.New("realtime: not subscribed")

// EventType is the "type" discriminator of an Envelope.
type EventType string

const (
	EventPlayerJoin  EventType = "player_join"  // also used for presence updates of an existing row
	EventPlayerLeave EventType = "player_leave" // row removed
	EventPlayerReady EventType = "player_ready"
	EventGameStart   EventType = "game_start"
	EventGameState   EventType = "game_state"
	EventAction      EventType = "action"
	EventGameEnd     EventType = "game_end"
	EventError       EventType = "error"

	// EventStateUpdate travels client -> relay only.
	EventStateUpdate EventType = "state_update"
)

// Envelope is the wire format shared by every transport.
type Envelope struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"roomId"`

	Player       *models.Player     `json:"player,omitempty"`
	PlayerNumber int                `json:"playerNumber,omitempty"`
	UserID       string             `json:"userId,omitempty"`
	Ready        *bool              `json:"ready,omitempty"`
	Room         *models.Room       `json:"room,omitempty"`
	Snapshot     *models.Snapshot   `json:"snapshot,omitempty"`
	Action       *models.GameAction `json:"action,omitempty"`
	Result       *models.GameResult `json:"result,omitempty"`
	State        json.RawMessage    `json:"state,omitempty"`
	Message      string             `json:"message,omitempty"`
}

// Callbacks is the consumer surface. Each kind is delivered independently and
// no ordering holds across kinds; only OnGameStateUpdate is ordered, and
// consumers still compare Snapshot.Seq before applying.
type Callbacks struct {
	OnPlayerJoin      func(models.Player)
	OnPlayerLeave     func(playerNumber int, userID string)
	OnPlayerReady     func(playerNumber int, ready bool)
	OnGameStart       func(models.Room)
	OnGameStateUpdate func(models.Snapshot)
	OnAction          func(models.GameAction)
	OnGameEnd         func(models.GameResult)
	OnError           func(error)
}

// Channel is a pub/sub transport keyed by room id. One room at a time:
// subscribing again replaces the previous subscription.
type Channel interface {
	Subscribe(ctx context.Context, roomID, userID string, cb Callbacks) error
	// UpdateGameState publishes a new snapshot for the subscribed room.
	// No ordering is enforced between publishers.
	UpdateGameState(ctx context.Context, state json.RawMessage) error
	// Disconnect is idempotent and safe without a prior Subscribe.
	Disconnect()
}

// Dispatch routes one envelope to the matching callback.
func (cb Callbacks) Dispatch(env Envelope) error {
	switch env.Type {
	case EventPlayerJoin:
		if env.Player == nil {
			return fmt.Errorf("%s without player", env.Type)
		}
		if cb.OnPlayerJoin != nil {
			cb.OnPlayerJoin(*env.Player)
		}
	case EventPlayerLeave:
		if cb.OnPlayerLeave != nil {
			cb.OnPlayerLeave(env.PlayerNumber, env.UserID)
		}
	case EventPlayerReady:
		if env.Ready == nil {
			return fmt.Errorf("%s without ready flag", env.Type)
		}
		if cb.OnPlayerReady != nil {
			cb.OnPlayerReady(env.PlayerNumber, *env.Ready)
		}
	case EventGameStart:
		if env.Room == nil {
			return fmt.Errorf("%s without room", env.Type)
		}
		if cb.OnGameStart != nil {
			cb.OnGameStart(*env.Room)
		}
	case EventGameState:
		if env.Snapshot == nil {
			return fmt.Errorf("%s without snapshot", env.Type)
		}
		if cb.OnGameStateUpdate != nil {
			cb.OnGameStateUpdate(*env.Snapshot)
		}
	case EventAction:
		if env.Action == nil {
			return fmt.Errorf("%s without action", env.Type)
		}
		if cb.OnAction != nil {
			cb.OnAction(*env.Action)
		}
	case EventGameEnd:
		if env.Result == nil {
			return fmt.Errorf("%s without result", env.Type)
		}
		if cb.OnGameEnd != nil {
			cb.OnGameEnd(*env.Result)
		}
	case EventError:
		if cb.OnError != nil {
			cb.OnError(fmt.Errorf("relay: %s", env.Message))
		}
	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
	return nil
}

// DispatchBytes decodes raw JSON and dispatches it.
func (cb Callbacks) DispatchBytes(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	return cb.Dispatch(env)
}

// RoomTopic is the redis channel carrying relay -> client events for a room.
func RoomTopic(roomID string) string { return "duel:room:" + roomID }

// InboundTopic is the redis channel carrying client -> relay state updates.
func InboundTopic(roomID string) string { return RoomTopic(roomID) + ":inbound" }

// RoomSubject is the NATS subject carrying relay -> client events for a room.
func RoomSubject(roomID string) string { return "duel.room." + roomID }

// InboundSubject is the NATS subject carrying client -> relay state updates.
func InboundSubject(roomID string) string { return RoomSubject(roomID) + ".inbound" }

// InboundWildcard matches InboundSubject for every room.
const InboundWildcard = "duel.room.*.inbound"

// InboundPattern matches InboundTopic for every room.
const InboundPattern = "duel:room:*:inbound"

func stateUpdate(roomID, userID string, state json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:   EventStateUpdate,
		RoomID: roomID,
		UserID: userID,
		State:  state,
	})
}
