package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/jason-s-yu/duel/internal/models"
)

// DefaultStatsTTL bounds how stale a cached stats row can get.
const DefaultStatsTTL = 5 * time.Minute

// StatsCache fronts Archive.Stats with a ristretto TTL cache.
type StatsCache struct {
	archive Archive
	cache   *ristretto.Cache
	ttl     time.Duration
}

func NewStatsCache(archive Archive, ttl time.Duration) (*StatsCache, error) {
	if ttl <= 0 {
		ttl = DefaultStatsTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("stats cache: %w", err)
	}
	return &StatsCache{archive: archive, cache: c, ttl: ttl}, nil
}

// Get returns the stats row for userID, loading it on a miss.
func (c *StatsCache) Get(ctx context.Context, userID string) (models.PlayerStats, error) {
	if v, ok := c.cache.Get(userID); ok {
		if st, ok := v.(models.PlayerStats); ok {
			return st, nil
		}
	}
	st, err := c.archive.Stats(ctx, userID)
	if err != nil {
		return models.PlayerStats{}, err
	}
	c.cache.SetWithTTL(userID, st, 1, c.ttl)
	return st, nil
}

// Invalidate drops cached rows so the next Get reads the archive.
func (c *StatsCache) Invalidate(userIDs ...string) {
	for _, id := range userIDs {
		c.cache.Del(id)
	}
}

func (c *StatsCache) Close() {
	c.cache.Close()
}
