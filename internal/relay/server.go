// Package relay is the trusted room registry: it owns room state, pairs
// players, relays events over websockets and archives finished games.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/duel/internal/cache"
	"github.com/jason-s-yu/duel/internal/database"
	"github.com/jason-s-yu/duel/internal/models"
	"github.com/jason-s-yu/duel/internal/rating"
	"github.com/jason-s-yu/duel/internal/realtime"
	"github.com/jason-s-yu/duel/internal/ruleset"
	"github.com/sirupsen/logrus"
)

// ActionLog records accepted actions. *cache.ActionLog is the Redis implementation.
type ActionLog interface {
	Append(ctx context.Context, record cache.ActionRecord) error
}

var _ ActionLog = (*cache.ActionLog)(nil)

// Options wires the relay's optional collaborators. Nil fields are skipped,
// except Archive which defaults to a MemoryArchive.
type Options struct {
	Rulesets   ruleset.Registry
	Archive    Archive
	ActionLog  ActionLog
	Publishers []Publisher
	StatsTTL   time.Duration
}

// Server holds the room store and everything a mutation fans out to.
type Server struct {
	store      *RoomStore
	archive    Archive
	stats      *StatsCache
	actions    ActionLog
	publishers []Publisher
	logger     logrus.FieldLogger

	archiveMu sync.Mutex
}

func NewServer(opts Options, logger logrus.FieldLogger) (*Server, error) {
	if opts.Rulesets == nil {
		opts.Rulesets = ruleset.DefaultRegistry()
	}
	if opts.Archive == nil {
		opts.Archive = NewMemoryArchive()
	}
	stats, err := NewStatsCache(opts.Archive, opts.StatsTTL)
	if err != nil {
		return nil, err
	}
	return &Server{
		store:      NewRoomStore(opts.Rulesets, logger),
		archive:    opts.Archive,
		stats:      stats,
		actions:    opts.ActionLog,
		publishers: opts.Publishers,
		logger:     logger,
	}, nil
}

// Store exposes the room store.
func (s *Server) Store() *RoomStore { return s.store }

func (s *Server) Close() {
	s.stats.Close()
}

// HandleInbound applies a state_update received from a bus.
func (s *Server) HandleInbound(env realtime.Envelope) {
	if env.Type != realtime.EventStateUpdate {
		s.logger.Debugf("Room %s: ignoring inbound %s", env.RoomID, env.Type)
		return
	}
	ob, err := s.store.ApplyState(env.RoomID, env.UserID, env.State)
	if err != nil {
		s.logger.Warnf("Room %s: inbound state from %s rejected: %v", env.RoomID, env.UserID, err)
		return
	}
	s.flush(ob)
}

// RunJanitor sweeps idle rooms every interval until ctx is done.
func (s *Server) RunJanitor(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, ob := s.store.Sweep(ttl)
			if n > 0 {
				s.logger.Infof("janitor: dropped %d idle rooms", n)
			}
			s.flush(ob)
		}
	}
}

// flush sends an outbox to the buses, the action log and the archive.
func (s *Server) flush(ob *outbox) {
	if ob == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, env := range ob.events {
		for _, p := range s.publishers {
			if err := p.Publish(ctx, env); err != nil {
				s.logger.Warnf("Room %s: fan-out of %s failed: %v", env.RoomID, env.Type, err)
			}
		}
	}
	if s.actions != nil {
		for _, rec := range ob.actions {
			if err := s.actions.Append(ctx, rec); err != nil {
				s.logger.Warnf("Room %s: action log append failed: %v", rec.RoomID, err)
			}
		}
	}
	if ob.finished != nil {
		if err := s.archiveResult(ctx, *ob.finished); err != nil {
			s.logger.Errorf("Room %s: archive failed: %v", ob.finished.ID, err)
		}
	}
}

// archiveResult updates both players' stats and stores the room once.
func (s *Server) archiveResult(ctx context.Context, room models.Room) error {
	if len(room.Players) != 2 {
		return fmt.Errorf("cannot rate a room with %d players", len(room.Players))
	}
	s.archiveMu.Lock()
	defer s.archiveMu.Unlock()

	a, err := s.archive.Stats(ctx, room.Players[0].UserID)
	if err != nil {
		return err
	}
	b, err := s.archive.Stats(ctx, room.Players[1].UserID)
	if err != nil {
		return err
	}
	a, b = rating.ApplyResult(a, b, room.WinnerID, room.Mode == models.ModeRanked)
	if err := s.archive.SaveResult(ctx, room, []models.PlayerStats{a, b}); err != nil {
		if errors.Is(err, database.ErrAlreadyArchived) {
			return nil
		}
		return err
	}
	s.stats.Invalidate(a.UserID, b.UserID)
	s.logger.WithFields(logrus.Fields{"room": room.ID, "winner": room.WinnerID, "reason": room.EndReason}).Info("room archived")
	return nil
}
