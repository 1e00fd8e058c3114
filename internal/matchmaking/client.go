// Package matchmaking is a stateless RPC wrapper over the relay's room registry.
//
// Calls are never retried here. Re-posting ready is harmless on the relay,
// but a repeated move is not, so callers must not resubmit while a call is
// outstanding.
package matchmaking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jason-s-yu/duel/internal/auth"
	"github.com/jason-s-yu/duel/internal/models"
	"github.com/sirupsen/logrus"
)

// Client talks to one relay.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.Provider
	logger  logrus.FieldLogger
}

// New returns a client for baseURL. A nil httpClient gets a 15s timeout.
func New(baseURL string, tokens auth.Provider, httpClient *http.Client, logger logrus.FieldLogger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		logger:  logger,
	}
}

// Guest asks the relay for a fresh guest identity. No token is needed.
func (c *Client) Guest(ctx context.Context, username string) (*models.GuestResponse, error) {
	var out models.GuestResponse
	if err := c.do(ctx, http.MethodPost, "/auth/guest", models.GuestRequest{Username: username}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PairOrQueue joins the oldest waiting room for (gameID, mode) or queues a new one.
func (c *Client) PairOrQueue(ctx context.Context, userID, gameID string, mode models.Mode) (*models.Room, error) {
	var room models.Room
	err := c.do(ctx, http.MethodPost, "/match", models.MatchRequest{UserID: userID, GameID: gameID, Mode: mode}, &room)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// CreateRoom opens a room seated with userID. Private rooms come back with a join code.
func (c *Client) CreateRoom(ctx context.Context, userID, gameID string, mode models.Mode, isPrivate bool) (*models.CreateRoomResponse, error) {
	var out models.CreateRoomResponse
	req := models.CreateRoomRequest{UserID: userID, GameID: gameID, Mode: mode, IsPrivate: isPrivate}
	if err := c.do(ctx, http.MethodPost, "/rooms", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinByCode takes the next seat in the room behind code.
func (c *Client) JoinByCode(ctx context.Context, userID, code string) (*models.JoinResponse, error) {
	var out models.JoinResponse
	req := models.JoinCodeRequest{UserID: userID, Code: models.NormalizeCode(code)}
	if err := c.do(ctx, http.MethodPost, "/join-code", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostAction submits one action. Its effect arrives over the channel, not here.
func (c *Client) PostAction(ctx context.Context, roomID, userID string, actionType models.ActionType, actionData json.RawMessage) (*models.ActionResponse, error) {
	var out models.ActionResponse
	req := models.ActionRequest{UserID: userID, ActionType: actionType, ActionData: actionData}
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/action", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Leave gives up the seat in roomID.
func (c *Client) Leave(ctx context.Context, roomID, userID string) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/leave", models.LeaveRequest{UserID: userID}, nil)
}

// GetRoom reads the authoritative room record.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID), nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// PlayerStats reads a player's record; unknown players come back with defaults.
func (c *Client) PlayerStats(ctx context.Context, userID string) (*models.PlayerStats, error) {
	var stats models.PlayerStats
	if err := c.do(ctx, http.MethodGet, "/players/"+url.PathEscape(userID)+"/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb models.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb); err == nil {
			apiErr.Code, apiErr.Message = eb.Error, eb.Message
		}
		if apiErr.Code == "" && resp.StatusCode == http.StatusUnauthorized {
			apiErr.Code = models.CodeUnauthenticated
		}
		c.logger.WithFields(logrus.Fields{"method": method, "path": path, "status": resp.StatusCode}).Debugf("relay rejected request: %s", apiErr.Code)
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: decode %s %s: %v", ErrNetwork, method, path, err)
	}
	return nil
}
