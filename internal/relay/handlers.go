package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/duel/internal/auth"
	"github.com/jason-s-yu/duel/internal/middleware"
	"github.com/jason-s-yu/duel/internal/models"
)

const maxBodyBytes = 1 << 20

var errUnauthenticated = errors.New("missing or invalid token")

// Routes returns the relay's HTTP surface wrapped in request logging.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/guest", s.handleGuest)
	mux.HandleFunc("POST /match", s.handleMatch)
	mux.HandleFunc("POST /rooms", s.handleCreateRoom)
	mux.HandleFunc("POST /join-code", s.handleJoinCode)
	mux.HandleFunc("GET /rooms/{id}", s.handleGetRoom)
	mux.HandleFunc("POST /rooms/{id}/action", s.handleAction)
	mux.HandleFunc("POST /rooms/{id}/leave", s.handleLeave)
	mux.HandleFunc("GET /rooms/{id}/ws", s.handleRoomWS)
	mux.HandleFunc("GET /players/{id}/stats", s.handleStats)
	return middleware.LogMiddleware(s.logger)(mux)
}

// identify reads the caller from a Bearer header or the auth_token cookie.
func identify(r *http.Request) (userID, username string, err error) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else if c, cerr := r.Cookie("auth_token"); cerr == nil {
		token = c.Value
	}
	if token == "" {
		return "", "", errUnauthenticated
	}
	userID, username, err = auth.Identify(token)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	return userID, username, nil
}

// caller authenticates the request and checks that the body's userId, when
// present, is the token's subject. It writes the error response itself.
func (s *Server) caller(w http.ResponseWriter, r *http.Request, bodyUserID string) (string, string, bool) {
	userID, username, err := identify(r)
	if err != nil {
		writeErrorCode(w, http.StatusUnauthorized, models.CodeUnauthenticated, err.Error())
		return "", "", false
	}
	if bodyUserID != "" && bodyUserID != userID {
		writeErrorCode(w, http.StatusForbidden, models.CodeForbidden, "userId does not match token")
		return "", "", false
	}
	return userID, username, true
}

func (s *Server) handleGuest(w http.ResponseWriter, r *http.Request) {
	var req models.GuestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID := uuid.NewString()
	token, err := auth.CreateJWT(userID, req.Username)
	if err != nil {
		s.logger.Errorf("guest token: %v", err)
		writeErrorCode(w, http.StatusInternalServerError, models.CodeInternal, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, models.GuestResponse{UserID: userID, Username: req.Username, Token: token})
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req models.MatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID, username, ok := s.caller(w, r, req.UserID)
	if !ok {
		return
	}
	room, ob, err := s.store.Match(userID, username, req.GameID, req.Mode)
	s.flush(ob)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID, username, ok := s.caller(w, r, req.UserID)
	if !ok {
		return
	}
	room, num, ob, err := s.store.Create(userID, username, req.GameID, req.Mode, req.IsPrivate)
	s.flush(ob)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.CreateRoomResponse{Room: room, Code: room.Code, PlayerNumber: num})
}

func (s *Server) handleJoinCode(w http.ResponseWriter, r *http.Request) {
	var req models.JoinCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID, username, ok := s.caller(w, r, req.UserID)
	if !ok {
		return
	}
	room, num, ob, err := s.store.JoinByCode(userID, username, req.Code)
	s.flush(ob)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.JoinResponse{Room: room, PlayerNumber: num})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.caller(w, r, ""); !ok {
		return
	}
	room, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req models.ActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID, _, ok := s.caller(w, r, req.UserID)
	if !ok {
		return
	}
	roomID := r.PathValue("id")

	var (
		started bool
		ob      *outbox
		err     error
	)
	switch req.ActionType {
	case models.ActionReady:
		payload := models.ReadyPayload{Ready: true}
		if len(req.ActionData) > 0 {
			if jerr := json.Unmarshal(req.ActionData, &payload); jerr != nil {
				writeErrorCode(w, http.StatusBadRequest, models.CodeBadRequest, "ready payload must be {\"ready\": bool}")
				return
			}
		}
		started, ob, err = s.store.Ready(roomID, userID, payload.Ready)
	case models.ActionMove:
		ob, err = s.store.Move(roomID, userID, req.ActionData)
	case models.ActionSurrender:
		ob, err = s.store.Surrender(roomID, userID)
	default:
		writeErrorCode(w, http.StatusBadRequest, models.CodeInvalidAction, fmt.Sprintf("unknown action type %q", req.ActionType))
		return
	}
	s.flush(ob)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ActionResponse{OK: true, GameStarted: started})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req models.LeaveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID, _, ok := s.caller(w, r, req.UserID)
	if !ok {
		return
	}
	ob, err := s.store.Leave(r.PathValue("id"), userID)
	s.flush(ob)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ActionResponse{OK: true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.caller(w, r, ""); !ok {
		return
	}
	stats, err := s.stats.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Warnf("stats for %s: %v", r.PathValue("id"), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeErrorCode(w, http.StatusBadRequest, models.CodeBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusOf(err)
	writeErrorCode(w, status, code, err.Error())
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: code, Message: msg})
}
