package models

import (
	"encoding/json"
	"strings"
)

// Request and response bodies of the relay's HTTP API.

type GuestRequest struct {
	Username string `json:"username"`
}

type GuestResponse struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token"`
}

type MatchRequest struct {
	UserID string `json:"userId"`
	GameID string `json:"gameId"`
	Mode   Mode   `json:"mode"`
}

type CreateRoomRequest struct {
	UserID    string `json:"userId"`
	GameID    string `json:"gameId"`
	Mode      Mode   `json:"mode"`
	IsPrivate bool   `json:"isPrivate"`
}

type CreateRoomResponse struct {
	Room         Room   `json:"room"`
	Code         string `json:"code,omitempty"`
	PlayerNumber int    `json:"playerNumber"`
}

type JoinCodeRequest struct {
	UserID string `json:"userId"`
	Code   string `json:"code"`
}

// NormalizeCode uppercases a user-typed join code and drops all whitespace,
// so "ab 12 cd" and "AB12CD" name the same room.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.Join(strings.Fields(code), ""))
}

type JoinResponse struct {
	Room         Room `json:"room"`
	PlayerNumber int  `json:"playerNumber"`
}

type ActionRequest struct {
	UserID     string          `json:"userId"`
	ActionType ActionType      `json:"actionType"`
	ActionData json.RawMessage `json:"actionData,omitempty"`
}

type ActionResponse struct {
	OK          bool `json:"ok"`
	GameStarted bool `json:"gameStarted,omitempty"`
}

type LeaveRequest struct {
	UserID string `json:"userId"`
}

// ErrorResponse is the body of every non-2xx relay response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Error codes carried in ErrorResponse.Error.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeBadRequest      = "bad_request"
	CodeRoomNotFound    = "room_not_found"
	CodeRoomFull        = "room_full"
	CodeAlreadyInRoom   = "already_in_room"
	CodeInvalidAction   = "invalid_action"
	CodeInternal        = "internal"
)
