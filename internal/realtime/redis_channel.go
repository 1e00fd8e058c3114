package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisChannel subscribes to a room over redis pub/sub. The relay publishes
// every room event to RoomTopic and consumes InboundTopic.
type RedisChannel struct {
	rdb    *redis.Client
	logger logrus.FieldLogger

	mu     sync.Mutex
	ps     *redis.PubSub
	roomID string
	userID string
}

// NewRedisChannel wraps an already connected client.
func NewRedisChannel(rdb *redis.Client, logger logrus.FieldLogger) *RedisChannel {
	return &RedisChannel{rdb: rdb, logger: logger}
}

// Subscribe waits for the subscription to be confirmed before returning.
func (c *RedisChannel) Subscribe(ctx context.Context, roomID, userID string, cb Callbacks) error {
	c.Disconnect()

	ps := c.rdb.Subscribe(ctx, RoomTopic(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", RoomTopic(roomID), err)
	}

	c.mu.Lock()
	c.ps, c.roomID, c.userID = ps, roomID, userID
	c.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			if err := cb.DispatchBytes([]byte(msg.Payload)); err != nil {
				c.logger.Warnf("Room %s: dropping event: %v", roomID, err)
			}
		}
		// Channel closes on Disconnect; anything else is a lost subscription.
		c.mu.Lock()
		lost := c.ps == ps
		if lost {
			c.ps = nil
		}
		c.mu.Unlock()
		if lost && cb.OnError != nil {
			cb.OnError(fmt.Errorf("room %s channel closed", roomID))
		}
	}()
	c.logger.Infof("Room %s: subscribed over redis", roomID)
	return nil
}

// UpdateGameState publishes to the room's inbound topic.
func (c *RedisChannel) UpdateGameState(ctx context.Context, state json.RawMessage) error {
	c.mu.Lock()
	ps, roomID, userID := c.ps, c.roomID, c.userID
	c.mu.Unlock()
	if ps == nil {
		return ErrNotSubscribed
	}
	data, err := stateUpdate(roomID, userID, state)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, InboundTopic(roomID), data).Err()
}

// Disconnect drops the subscription; the client stays open.
func (c *RedisChannel) Disconnect() {
	c.mu.Lock()
	ps := c.ps
	c.ps = nil
	c.mu.Unlock()
	if ps == nil {
		return
	}
	if err := ps.Close(); err != nil {
		c.logger.Debugf("Room %s: pubsub close: %v", c.roomID, err)
	}
}
