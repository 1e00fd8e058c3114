package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/duel/internal/models"
)

// Archive is the Postgres-backed record of finished rooms and player stats.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive wraps an open pool.
func NewArchive(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// Stats returns the stored row for userID, or the starting row if none exists.
func (a *Archive) Stats(ctx context.Context, userID string) (models.PlayerStats, error) {
	q := `
		SELECT games_played, wins, losses, draws, rating, rating_deviation, volatility
		FROM player_stats
		WHERE user_id = $1
	`
	st := models.PlayerStats{UserID: userID}
	err := a.pool.QueryRow(ctx, q, userID).Scan(
		&st.GamesPlayed, &st.Wins, &st.Losses, &st.Draws,
		&st.Rating, &st.RatingDeviation, &st.Volatility,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NewPlayerStats(userID), nil
	}
	if err != nil {
		return models.PlayerStats{}, fmt.Errorf("load stats for %s: %w", userID, err)
	}
	return st, nil
}

// SaveResult stores a finished room and the players' updated stats in one
// transaction. Saving the same room twice leaves the first record in place
// and reports ErrAlreadyArchived.
func (a *Archive) SaveResult(ctx context.Context, room models.Room, stats []models.PlayerStats) error {
	err := pgx.BeginTxFunc(ctx, a.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO rooms (id, game_id, mode, status, winner_id, end_reason, state_seq, final_state, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`, room.ID, room.GameID, string(room.Mode), string(room.Status), room.WinnerID, room.EndReason,
			room.StateSeq, []byte(room.GameState), room.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyArchived
		}

		batch := &pgx.Batch{}
		for _, p := range room.Players {
			batch.Queue(`INSERT INTO room_players (room_id, user_id, player_number) VALUES ($1, $2, $3)`,
				room.ID, p.UserID, p.PlayerNumber)
		}
		for _, st := range stats {
			batch.Queue(`
				INSERT INTO player_stats (user_id, games_played, wins, losses, draws, rating, rating_deviation, volatility)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (user_id) DO UPDATE SET
					games_played = EXCLUDED.games_played,
					wins = EXCLUDED.wins,
					losses = EXCLUDED.losses,
					draws = EXCLUDED.draws,
					rating = EXCLUDED.rating,
					rating_deviation = EXCLUDED.rating_deviation,
					volatility = EXCLUDED.volatility
			`, st.UserID, st.GamesPlayed, st.Wins, st.Losses, st.Draws, st.Rating, st.RatingDeviation, st.Volatility)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if errors.Is(err, ErrAlreadyArchived) {
		return err
	}
	if err != nil {
		return fmt.Errorf("archive room %s: %w", room.ID, err)
	}
	return nil
}

// ErrAlreadyArchived is returned by SaveResult for a room that is already stored.
var ErrAlreadyArchived = errors.New("room already archived")
