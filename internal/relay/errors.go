package relay

import (
	"errors"
	"net/http"

	"github.com/jason-s-yu/duel/internal/models"
	"github.com/jason-s-yu/duel/internal/ruleset"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomFull      = errors.New("room is full")
	ErrAlreadyInRoom = errors.New("already in a room")
	ErrNotSeated     = errors.New("not seated in this room")
	ErrInvalidAction = errors.New("invalid action")
	ErrBadRequest    = errors.New("bad request")
)

// statusOf maps a store error onto an HTTP status and error code.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return http.StatusNotFound, models.CodeRoomNotFound
	case errors.Is(err, ErrRoomFull):
		return http.StatusConflict, models.CodeRoomFull
	case errors.Is(err, ErrAlreadyInRoom):
		return http.StatusConflict, models.CodeAlreadyInRoom
	case errors.Is(err, ErrNotSeated):
		return http.StatusForbidden, models.CodeForbidden
	case errors.Is(err, ErrInvalidAction), errors.Is(err, ruleset.ErrIllegalMove):
		return http.StatusBadRequest, models.CodeInvalidAction
	case errors.Is(err, ErrBadRequest), errors.Is(err, ruleset.ErrUnknownGame):
		return http.StatusBadRequest, models.CodeBadRequest
	default:
		return http.StatusInternalServerError, models.CodeInternal
	}
}
