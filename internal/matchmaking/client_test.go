package matchmaking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jason-s-yu/duel/internal/auth"
	"github.com/jason-s-yu/duel/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens string

func (s staticTokens) CurrentUserID() (string, bool) { return "u1", true }
func (s staticTokens) Profile() auth.Profile         { return auth.Profile{UserID: "u1"} }
func (s staticTokens) Token() string                 { return string(s) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, staticTokens("tok"), nil, logrus.New())
}

func TestPairOrQueueSendsBodyAndToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /match", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req models.MatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, models.MatchRequest{UserID: "u1", GameID: "tictactoe", Mode: models.ModeCasual}, req)
		writeJSON(w, http.StatusOK, models.Room{ID: "r1", Status: models.StatusWaiting})
	})
	c := newTestClient(t, mux)

	room, err := c.PairOrQueue(context.Background(), "u1", "tictactoe", models.ModeCasual)
	require.NoError(t, err)
	assert.Equal(t, "r1", room.ID)
}

func TestErrorCodesMapToSentinels(t *testing.T) {
	cases := map[string]error{
		models.CodeUnauthenticated: ErrUnauthenticated,
		models.CodeRoomNotFound:    ErrRoomNotFound,
		models.CodeRoomFull:        ErrRoomFull,
		models.CodeAlreadyInRoom:   ErrAlreadyInRoom,
		models.CodeInvalidAction:   ErrInvalidAction,
		models.CodeInternal:        ErrNetwork,
	}
	for code, want := range cases {
		t.Run(code, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: code, Message: "nope"})
			}))
			_, err := c.JoinByCode(context.Background(), "u1", "ab12cd")
			require.Error(t, err)
			assert.ErrorIs(t, err, want)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestJoinByCodeNormalizesCode(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.JoinCodeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "AB12CD", req.Code)
		writeJSON(w, http.StatusOK, models.JoinResponse{Room: models.Room{ID: "r1"}, PlayerNumber: 2})
	}))
	resp, err := c.JoinByCode(context.Background(), "u1", " ab 12\tcd ")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.PlayerNumber)
}

func TestTransportFailureIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New(srv.URL, staticTokens(""), nil, logrus.New())
	err := c.Leave(context.Background(), "r1", "u1")
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestCancelledContextIsNotNetwork(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.PairOrQueue(ctx, "u1", "tictactoe", models.ModeCasual)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNetwork)
}

func TestPostActionDecodesGameStarted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rooms/{id}/action", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "r1", r.PathValue("id"))
		writeJSON(w, http.StatusOK, models.ActionResponse{OK: true, GameStarted: true})
	})
	c := newTestClient(t, mux)
	resp, err := c.PostAction(context.Background(), "r1", "u1", models.ActionReady, json.RawMessage(`{"ready":true}`))
	require.NoError(t, err)
	assert.True(t, resp.GameStarted)
}
