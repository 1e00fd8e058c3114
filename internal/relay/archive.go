package relay

import (
	"context"
	"sync"

	"github.com/jason-s-yu/duel/internal/database"
	"github.com/jason-s-yu/duel/internal/models"
)

// Archive persists finished rooms and the player stats they produced.
// *database.Archive is the Postgres implementation.
type Archive interface {
	Stats(ctx context.Context, userID string) (models.PlayerStats, error)
	SaveResult(ctx context.Context, room models.Room, stats []models.PlayerStats) error
}

var _ Archive = (*database.Archive)(nil)

// MemoryArchive keeps results in process memory, for relays run without Postgres.
type MemoryArchive struct {
	mu    sync.Mutex
	stats map[string]models.PlayerStats
	rooms map[string]models.Room
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		stats: make(map[string]models.PlayerStats),
		rooms: make(map[string]models.Room),
	}
}

func (a *MemoryArchive) Stats(_ context.Context, userID string) (models.PlayerStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.stats[userID]; ok {
		return st, nil
	}
	return models.NewPlayerStats(userID), nil
}

func (a *MemoryArchive) SaveResult(_ context.Context, room models.Room, stats []models.PlayerStats) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.rooms[room.ID]; ok {
		return database.ErrAlreadyArchived
	}
	a.rooms[room.ID] = room.Clone()
	for _, st := range stats {
		a.stats[st.UserID] = st
	}
	return nil
}

// Room returns an archived room.
func (a *MemoryArchive) Room(roomID string) (models.Room, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.rooms[roomID]
	return r, ok
}
