package session

import (
	"errors"

	"github.com/jason-s-yu/duel/internal/matchmaking"
)

var (
	// ErrUnauthenticated means no user was signed in when the call was made.
	ErrUnauthenticated = matchmaking.ErrUnauthenticated
	// ErrRoomUnavailable is what a join reports for both a missing and a full room.
	ErrRoomUnavailable = errors.New("room not found or already full")
	ErrAlreadyInRoom   = matchmaking.ErrAlreadyInRoom
	ErrNetwork         = matchmaking.ErrNetwork
	// ErrCancelled is returned by a search aborted through CancelSearch. It
	// is never recorded as the session error.
	ErrCancelled = errors.New("search cancelled")

	ErrNotInRoom      = errors.New("not in a room")
	ErrNotPlaying     = errors.New("game is not in progress")
	ErrActionInFlight = errors.New("previous move still in flight")

	// errDesync marks an inbound event that contradicts the local session,
	// such as a second game start. It is logged and dropped.
	errDesync = errors.New("desync")
	// errStale marks an event for a room or search that is no longer current.
	errStale = errors.New("stale event")
)

func swallowed(err error) bool {
	return errors.Is(err, errDesync) || errors.Is(err, errStale)
}
