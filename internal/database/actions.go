package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/duel/internal/cache"
)

// InsertActions stores a batch of action records in one transaction. Records
// already stored under the same (room, index) are skipped, so a replayed
// queue does not duplicate history.
func (a *Archive) InsertActions(ctx context.Context, recs []cache.ActionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	err := pgx.BeginTxFunc(ctx, a.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range recs {
			var payload []byte
			if len(rec.Payload) > 0 {
				payload = rec.Payload
			}
			batch.Queue(`
				INSERT INTO room_actions (room_id, action_index, actor_user_id, action_type, payload, state_seq, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (room_id, action_index) DO NOTHING
			`, rec.RoomID, rec.ActionIndex, rec.ActorUserID, rec.ActionType, payload, rec.StateSeq,
				time.UnixMilli(rec.Timestamp))
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("insert %d actions: %w", len(recs), err)
	}
	return nil
}

// RoomActions returns the stored history of roomID in action order.
func (a *Archive) RoomActions(ctx context.Context, roomID string) ([]cache.ActionRecord, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT action_index, actor_user_id, action_type, payload, state_seq, created_at
		FROM room_actions
		WHERE room_id = $1
		ORDER BY action_index
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("load actions for %s: %w", roomID, err)
	}
	defer rows.Close()

	var out []cache.ActionRecord
	for rows.Next() {
		rec := cache.ActionRecord{RoomID: roomID}
		var created time.Time
		if err := rows.Scan(&rec.ActionIndex, &rec.ActorUserID, &rec.ActionType, &rec.Payload, &rec.StateSeq, &created); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		rec.Timestamp = created.UnixMilli()
		out = append(out, rec)
	}
	return out, rows.Err()
}
