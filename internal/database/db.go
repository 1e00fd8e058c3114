// Package database archives finished rooms and keeps player stats in Postgres.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool against url and pings it.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id          TEXT PRIMARY KEY,
	game_id     TEXT NOT NULL,
	mode        TEXT NOT NULL,
	status      TEXT NOT NULL,
	winner_id   TEXT,
	end_reason  TEXT,
	state_seq   BIGINT NOT NULL DEFAULT 0,
	final_state JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS room_players (
	room_id       TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id       TEXT NOT NULL,
	player_number INT  NOT NULL,
	PRIMARY KEY (room_id, player_number)
);

CREATE TABLE IF NOT EXISTS player_stats (
	user_id          TEXT PRIMARY KEY,
	games_played     INT NOT NULL DEFAULT 0,
	wins             INT NOT NULL DEFAULT 0,
	losses           INT NOT NULL DEFAULT 0,
	draws            INT NOT NULL DEFAULT 0,
	rating           DOUBLE PRECISION NOT NULL DEFAULT 1500,
	rating_deviation DOUBLE PRECISION NOT NULL DEFAULT 350,
	volatility       DOUBLE PRECISION NOT NULL DEFAULT 0.06
);

CREATE TABLE IF NOT EXISTS room_actions (
	room_id       TEXT   NOT NULL,
	action_index  INT    NOT NULL,
	actor_user_id TEXT   NOT NULL,
	action_type   TEXT   NOT NULL,
	payload       JSONB,
	state_seq     BIGINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (room_id, action_index)
);
`

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
