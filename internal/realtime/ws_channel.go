package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/duel/internal/auth"
	"github.com/sirupsen/logrus"
)

// Subprotocol is negotiated on every room websocket.
const Subprotocol = "room"

// WSChannel subscribes to a room over the relay's websocket endpoint.
type WSChannel struct {
	baseURL string
	tokens  auth.Provider
	logger  logrus.FieldLogger

	// PingInterval keeps the connection alive; zero disables pings.
	PingInterval time.Duration
	// WriteTimeout bounds UpdateGameState.
	WriteTimeout time.Duration

	mu  sync.Mutex
	sub *wsSubscription
}

type wsSubscription struct {
	roomID string
	userID string
	conn   *websocket.Conn
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewWSChannel builds a channel against relayURL (http or ws scheme).
func NewWSChannel(relayURL string, tokens auth.Provider, logger logrus.FieldLogger) *WSChannel {
	u := strings.TrimRight(relayURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return &WSChannel{
		baseURL:      u,
		tokens:       tokens,
		logger:       logger,
		PingInterval: 30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Subscribe dials /rooms/{roomID}/ws and starts delivering events to cb.
// ctx bounds the dial only; the subscription lives until Disconnect.
func (c *WSChannel) Subscribe(ctx context.Context, roomID, userID string, cb Callbacks) error {
	c.Disconnect()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+c.tokens.Token())
	conn, _, err := websocket.Dial(ctx, c.baseURL+"/rooms/"+roomID+"/ws", &websocket.DialOptions{
		HTTPHeader:   hdr,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return fmt.Errorf("dial room %s: %w", roomID, err)
	}
	conn.SetReadLimit(1 << 20)

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &wsSubscription{roomID: roomID, userID: userID, conn: conn, cancel: cancel}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	go c.readLoop(loopCtx, sub, cb)
	if c.PingInterval > 0 {
		go c.pingLoop(loopCtx, sub)
	}
	c.logger.Infof("Room %s: subscribed over websocket", roomID)
	return nil
}

// readLoop delivers events in arrival order until the connection drops.
func (c *WSChannel) readLoop(ctx context.Context, sub *wsSubscription, cb Callbacks) {
	for {
		typ, data, err := sub.conn.Read(ctx)
		if err != nil {
			if sub.closed.Load() || ctx.Err() != nil {
				return
			}
			c.logger.Warnf("Room %s: websocket read error: %v", sub.roomID, err)
			sub.closed.Store(true)
			sub.cancel()
			if cb.OnError != nil {
				cb.OnError(fmt.Errorf("room %s channel: %w", sub.roomID, err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := cb.DispatchBytes(data); err != nil {
			c.logger.Warnf("Room %s: dropping event: %v", sub.roomID, err)
		}
	}
}

func (c *WSChannel) pingLoop(ctx context.Context, sub *wsSubscription) {
	ticker := time.NewTicker(c.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.PingInterval)
			err := sub.conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.Debugf("Room %s: ping failed: %v", sub.roomID, err)
			}
		}
	}
}

// UpdateGameState sends a state_update envelope over the open socket.
func (c *WSChannel) UpdateGameState(ctx context.Context, state json.RawMessage) error {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil || sub.closed.Load() {
		return ErrNotSubscribed
	}
	data, err := stateUpdate(sub.roomID, sub.userID, state)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.WriteTimeout)
	defer cancel()
	return sub.conn.Write(wctx, websocket.MessageText, data)
}

// Disconnect closes the socket. No callback fires afterwards.
func (c *WSChannel) Disconnect() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return
	}
	dropped := sub.closed.Swap(true)
	sub.conn.Close(websocket.StatusNormalClosure, "leaving room")
	sub.cancel()
	if !dropped {
		c.logger.Infof("Room %s: websocket closed", sub.roomID)
	}
}
