// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list that receives room action records.
const DefaultQueueName = "duel_actions"

// ActionRecord is one accepted room action, appended in the order the relay applied it.
type ActionRecord struct {
	RoomID      string          `json:"room_id"`
	ActionIndex int             `json:"action_index"`
	ActorUserID string          `json:"actor_user_id"`
	ActionType  string          `json:"action_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	StateSeq    int64           `json:"state_seq"`
	Timestamp   int64           `json:"timestamp"`
}

// Connect returns a client for addr after a successful ping.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// ActionLog appends action records to a Redis list for offline consumers.
type ActionLog struct {
	rdb   *redis.Client
	queue string
}

// NewActionLog writes to queue, or DefaultQueueName when empty.
func NewActionLog(rdb *redis.Client, queue string) *ActionLog {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &ActionLog{rdb: rdb, queue: queue}
}

// Append pushes record onto the list.
func (l *ActionLog) Append(ctx context.Context, record ActionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal ActionRecord: %w", err)
	}
	if err := l.rdb.RPush(ctx, l.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", l.queue, err)
	}
	return nil
}

// Range reads records [start, stop] from the list, for replay and tests.
func (l *ActionLog) Range(ctx context.Context, start, stop int64) ([]ActionRecord, error) {
	raw, err := l.rdb.LRange(ctx, l.queue, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("LRange '%s': %w", l.queue, err)
	}
	out := make([]ActionRecord, 0, len(raw))
	for _, s := range raw {
		var rec ActionRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode action record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Pop blocks up to timeout for the oldest record. It returns (nil, nil) when
// the wait expires with the list empty.
func (l *ActionLog) Pop(ctx context.Context, timeout time.Duration) (*ActionRecord, error) {
	res, err := l.rdb.BLPop(ctx, timeout, l.queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("BLPop '%s': %w", l.queue, err)
	}
	// res[0] is the list name and res[1] the payload.
	if len(res) < 2 {
		return nil, nil
	}
	var rec ActionRecord
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		return nil, fmt.Errorf("decode action record: %w", err)
	}
	return &rec, nil
}
