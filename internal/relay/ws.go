package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/duel/internal/middleware"
	"github.com/jason-s-yu/duel/internal/models"
	"github.com/jason-s-yu/duel/internal/realtime"
)

// handleRoomWS pushes room events to one seated user and accepts
// state_update frames from them. The connection is attached before the
// upgrade completes, so nothing emitted after the client's dial returns is missed.
func (s *Server) handleRoomWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	userID, _, err := identify(r)
	if err != nil {
		writeErrorCode(w, http.StatusUnauthorized, models.CodeUnauthenticated, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := NewConnection(userID, cancel, s.logger)
	ob, err := s.store.Attach(roomID, userID, conn)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() {
		s.flush(s.store.Detach(roomID, userID, conn))
	}()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{realtime.Subprotocol},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != realtime.Subprotocol {
		c.Close(BadSubprotocolError, "client must speak the room subprotocol")
		return
	}
	s.flush(ob)
	middleware.LogWebSocketConnect(s.logger, r.RemoteAddr, r.URL.Path)

	go s.writePump(ctx, c, conn)
	readErr := s.readPump(ctx, c, roomID, conn)
	middleware.LogWebSocketDisconnect(s.logger, r.RemoteAddr, r.URL.Path, readErr)
}

// readPump applies inbound state_update frames until the socket closes.
// A normal close returns nil.
func (s *Server) readPump(ctx context.Context, c *websocket.Conn, roomID string, conn *Connection) error {
	for {
		typ, msg, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			s.logger.Warnf("Room %s: non-text frame from user %s ignored", roomID, conn.UserID)
			continue
		}

		var env realtime.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			s.logger.Warnf("Room %s: invalid json from user %s: %v", roomID, conn.UserID, err)
			continue
		}
		if env.Type != realtime.EventStateUpdate {
			s.logger.Warnf("Room %s: unexpected %q frame from user %s", roomID, env.Type, conn.UserID)
			continue
		}
		ob, err := s.store.ApplyState(roomID, conn.UserID, env.State)
		if err != nil {
			s.logger.Warnf("Room %s: state update from user %s rejected: %v", roomID, conn.UserID, err)
			continue
		}
		s.flush(ob)
	}
}

// writePump drains the connection's queue and keeps the socket alive with pings.
func (s *Server) writePump(ctx context.Context, c *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer c.Close(websocket.StatusGoingAway, "write pump stopping")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debugf("ping to user %s failed: %v", conn.UserID, err)
				conn.Cancel()
				return
			}
		case env := <-conn.OutChan:
			data, err := json.Marshal(env)
			if err != nil {
				s.logger.Warnf("Room %s: failed to marshal %s for user %s: %v", env.RoomID, env.Type, conn.UserID, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debugf("Room %s: write to user %s failed: %v", env.RoomID, conn.UserID, err)
				conn.Cancel()
				return
			}
		}
	}
}
