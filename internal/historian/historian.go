// Package historian drains the relay's action queue into durable storage.
package historian

import (
	"context"
	"errors"
	"time"

	"github.com/jason-s-yu/duel/internal/cache"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBatchSize  = 20
	DefaultFlushDelay = 500 * time.Millisecond
)

// Source yields queued action records. Pop returns (nil, nil) when nothing
// arrived within timeout.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (*cache.ActionRecord, error)
}

// Sink persists a batch of records.
type Sink interface {
	InsertActions(ctx context.Context, recs []cache.ActionRecord) error
}

// Historian accumulates records from a Source and writes them to a Sink in
// batches, flushing when the batch is full or FlushDelay has passed.
type Historian struct {
	source     Source
	sink       Sink
	batchSize  int
	flushDelay time.Duration
	logger     logrus.FieldLogger

	batch     []cache.ActionRecord
	lastFlush time.Time
}

// New returns a Historian. Non-positive sizes take the defaults.
func New(source Source, sink Sink, batchSize int, flushDelay time.Duration, logger logrus.FieldLogger) *Historian {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	return &Historian{
		source:     source,
		sink:       sink,
		batchSize:  batchSize,
		flushDelay: flushDelay,
		logger:     logger,
		batch:      make([]cache.ActionRecord, 0, batchSize),
	}
}

// Run consumes until ctx is done, then flushes what it holds.
func (h *Historian) Run(ctx context.Context) {
	h.logger.Info("historian started")
	h.lastFlush = time.Now()
	for {
		rec, err := h.source.Pop(ctx, h.flushDelay)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			h.logger.Errorf("pop: %v", err)
			if !sleep(ctx, h.flushDelay) {
				break
			}
			continue
		}
		if rec != nil {
			h.batch = append(h.batch, *rec)
		}
		if len(h.batch) >= h.batchSize || time.Since(h.lastFlush) >= h.flushDelay {
			h.flush(ctx)
		}
	}

	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.flush(fctx)
	h.logger.Info("historian stopped")
}

// flush writes the pending batch. A failed batch is kept and retried on the
// next flush.
func (h *Historian) flush(ctx context.Context) {
	h.lastFlush = time.Now()
	if len(h.batch) == 0 {
		return
	}
	if err := h.sink.InsertActions(ctx, h.batch); err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Errorf("flush %d actions: %v", len(h.batch), err)
		}
		return
	}
	h.logger.Debugf("flushed %d actions", len(h.batch))
	h.batch = h.batch[:0]
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
