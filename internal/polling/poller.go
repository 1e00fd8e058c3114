// Package polling is the fallback used when a realtime event that drives a
// status transition may have been lost.
package polling

import (
	"context"
	"sync"
	"time"

	"github.com/jason-s-yu/duel/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultCeiling  = 60 * time.Second
)

// FetchFunc reads the authoritative room.
type FetchFunc func(ctx context.Context, roomID string) (*models.Room, error)

// Poller re-reads one room on a fixed interval until a predicate holds or the
// ceiling elapses. At most one poll runs per Poller; Start replaces any prior.
type Poller struct {
	Interval time.Duration
	Ceiling  time.Duration
	Fetch    FetchFunc
	Logger   logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

// New returns a Poller with the default interval and ceiling.
func New(fetch FetchFunc, logger logrus.FieldLogger) *Poller {
	return &Poller{Interval: DefaultInterval, Ceiling: DefaultCeiling, Fetch: fetch, Logger: logger}
}

// Start polls roomID until awaited reports true, then calls onDetected once
// with the fetched room. Fetch errors are retried on the next tick. Reaching
// the ceiling ends the poll silently.
func (p *Poller) Start(roomID string, awaited func(*models.Room) bool, onDetected func(*models.Room)) {
	interval, ceiling := p.Interval, p.Ceiling
	if interval <= 0 {
		interval = DefaultInterval
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	ctx, cancel := context.WithTimeout(context.Background(), ceiling)
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.gen++
	gen := p.gen
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(ctx, gen, roomID, interval, awaited, onDetected)
}

func (p *Poller) run(ctx context.Context, gen uint64, roomID string, interval time.Duration, awaited func(*models.Room) bool, onDetected func(*models.Room)) {
	defer p.finish(gen)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				p.Logger.Debugf("Room %s: poll ceiling reached", roomID)
			}
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}

		room, err := p.Fetch(ctx, roomID)
		if err != nil {
			if ctx.Err() == nil {
				p.Logger.Debugf("Room %s: poll fetch failed: %v", roomID, err)
			}
			continue
		}
		if room == nil || !awaited(room) {
			continue
		}

		// Claim the detection; a concurrent Stop or Start wins if it got here first.
		p.mu.Lock()
		current := p.gen == gen && ctx.Err() == nil
		if current {
			p.cancel()
			p.cancel = nil
			p.gen++
		}
		p.mu.Unlock()
		if current {
			onDetected(room)
		}
		return
	}
}

func (p *Poller) finish(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen && p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// Stop cancels the active poll, if any. Safe to call repeatedly.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
}

// Active reports whether a poll is running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}
