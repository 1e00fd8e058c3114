package matchmaking

import (
	"errors"
	"fmt"

	"github.com/jason-s-yu/duel/internal/models"
)

var (
	ErrUnauthenticated = errors.New("not signed in")
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomFull        = errors.New("room is full")
	ErrAlreadyInRoom   = errors.New("already in a room")
	ErrInvalidAction   = errors.New("invalid action")
	// ErrNetwork covers transport failures and any unclassified rejection.
	ErrNetwork = errors.New("network failure")
)

// APIError is a rejection decoded from a relay error body.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relay %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("relay %d %s", e.Status, e.Code)
}

// Unwrap maps the relay code to one of the package sentinels.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case models.CodeUnauthenticated, models.CodeForbidden:
		return ErrUnauthenticated
	case models.CodeRoomNotFound:
		return ErrRoomNotFound
	case models.CodeRoomFull:
		return ErrRoomFull
	case models.CodeAlreadyInRoom:
		return ErrAlreadyInRoom
	case models.CodeInvalidAction:
		return ErrInvalidAction
	default:
		return ErrNetwork
	}
}
