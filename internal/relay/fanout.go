package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jason-s-yu/duel/internal/realtime"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Publisher forwards room events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, env realtime.Envelope) error
}

// InboundHandler receives client-published envelopes from a bus.
type InboundHandler func(env realtime.Envelope)

// RedisFanout publishes room events on Redis Pub/Sub and consumes inbound
// state updates from realtime.RedisChannel clients.
type RedisFanout struct {
	rdb    *redis.Client
	logger logrus.FieldLogger
}

func NewRedisFanout(rdb *redis.Client, logger logrus.FieldLogger) *RedisFanout {
	return &RedisFanout{rdb: rdb, logger: logger}
}

func (f *RedisFanout) Publish(ctx context.Context, env realtime.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := f.rdb.Publish(ctx, realtime.RoomTopic(env.RoomID), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", env.Type, err)
	}
	return nil
}

// Consume subscribes to every room's inbound topic until ctx is done.
func (f *RedisFanout) Consume(ctx context.Context, handle InboundHandler) error {
	ps := f.rdb.PSubscribe(ctx, realtime.InboundPattern)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("redis psubscribe %s: %w", realtime.InboundPattern, err)
	}
	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env realtime.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					f.logger.Warnf("redis inbound: bad envelope on %s: %v", msg.Channel, err)
					continue
				}
				if realtime.InboundTopic(env.RoomID) != msg.Channel {
					f.logger.Warnf("redis inbound: room %q does not match channel %s", env.RoomID, msg.Channel)
					continue
				}
				handle(env)
			}
		}
	}()
	return nil
}

// NATSFanout is the NATS counterpart of RedisFanout.
type NATSFanout struct {
	nc     *nats.Conn
	logger logrus.FieldLogger
}

func NewNATSFanout(nc *nats.Conn, logger logrus.FieldLogger) *NATSFanout {
	return &NATSFanout{nc: nc, logger: logger}
}

func (f *NATSFanout) Publish(_ context.Context, env realtime.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := f.nc.Publish(realtime.RoomSubject(env.RoomID), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", env.Type, err)
	}
	return nil
}

// Consume subscribes to every room's inbound subject until ctx is done.
func (f *NATSFanout) Consume(ctx context.Context, handle InboundHandler) error {
	sub, err := f.nc.Subscribe(realtime.InboundWildcard, func(msg *nats.Msg) {
		var env realtime.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			f.logger.Warnf("nats inbound: bad envelope on %s: %v", msg.Subject, err)
			return
		}
		if realtime.InboundSubject(env.RoomID) != msg.Subject {
			f.logger.Warnf("nats inbound: room %q does not match subject %s", env.RoomID, msg.Subject)
			return
		}
		handle(env)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", realtime.InboundWildcard, err)
	}
	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			f.logger.Debugf("nats unsubscribe: %v", err)
		}
	}()
	return nil
}
