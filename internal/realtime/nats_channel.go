package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSChannel subscribes to a room over NATS. Messages of one subscription
// are delivered sequentially by the NATS client.
type NATSChannel struct {
	nc     *nats.Conn
	logger logrus.FieldLogger

	mu     sync.Mutex
	sub    *nats.Subscription
	roomID string
	userID string
}

// NewNATSChannel wraps an already connected NATS connection.
func NewNATSChannel(nc *nats.Conn, logger logrus.FieldLogger) *NATSChannel {
	return &NATSChannel{nc: nc, logger: logger}
}

// Subscribe registers a handler on RoomSubject and flushes so the interest
// is known to the server before returning.
func (c *NATSChannel) Subscribe(ctx context.Context, roomID, userID string, cb Callbacks) error {
	c.Disconnect()
	if !c.nc.IsConnected() {
		return fmt.Errorf("subscribe %s: %w", RoomSubject(roomID), nats.ErrConnectionClosed)
	}

	sub, err := c.nc.Subscribe(RoomSubject(roomID), func(m *nats.Msg) {
		if err := cb.DispatchBytes(m.Data); err != nil {
			c.logger.Warnf("Room %s: dropping event: %v", roomID, err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", RoomSubject(roomID), err)
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", RoomSubject(roomID), err)
	}

	c.mu.Lock()
	c.sub, c.roomID, c.userID = sub, roomID, userID
	c.mu.Unlock()
	c.logger.Infof("Room %s: subscribed over nats", roomID)
	return nil
}

// UpdateGameState publishes to the room's inbound subject.
func (c *NATSChannel) UpdateGameState(ctx context.Context, state json.RawMessage) error {
	c.mu.Lock()
	sub, roomID, userID := c.sub, c.roomID, c.userID
	c.mu.Unlock()
	if sub == nil {
		return ErrNotSubscribed
	}
	data, err := stateUpdate(roomID, userID, state)
	if err != nil {
		return err
	}
	return c.nc.Publish(InboundSubject(roomID), data)
}

// Disconnect unsubscribes; the connection stays open.
func (c *NATSChannel) Disconnect() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		c.logger.Debugf("Room %s: unsubscribe: %v", c.roomID, err)
	}
}
