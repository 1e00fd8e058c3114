// internal/historian/historian_test.go
package historian

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/duel/internal/cache"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource chan cache.ActionRecord

func (c chanSource) Pop(ctx context.Context, timeout time.Duration) (*cache.ActionRecord, error) {
	select {
	case rec := <-c:
		return &rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

type memorySink struct {
	mu      sync.Mutex
	failN   int
	batches [][]cache.ActionRecord
}

func (s *memorySink) InsertActions(ctx context.Context, recs []cache.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("db down")
	}
	s.batches = append(s.batches, append([]cache.ActionRecord(nil), recs...))
	return nil
}

func (s *memorySink) stored() []cache.ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []cache.ActionRecord
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func runHistorian(t *testing.T, h *Historian) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("historian did not stop")
		}
	}
}

func TestFlushesFullBatch(t *testing.T) {
	logger, _ := test.NewNullLogger()
	src := make(chanSource, 4)
	sink := &memorySink{}
	stop := runHistorian(t, New(src, sink, 2, time.Hour, logger))
	defer stop()

	src <- cache.ActionRecord{RoomID: "r1", ActionIndex: 0, ActionType: "ready"}
	src <- cache.ActionRecord{RoomID: "r1", ActionIndex: 1, ActionType: "move"}

	require.Eventually(t, func() bool { return len(sink.stored()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := sink.stored()
	assert.Equal(t, "ready", got[0].ActionType)
	assert.Equal(t, "move", got[1].ActionType)
}

func TestFlushesPartialBatchOnStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	src := make(chanSource, 4)
	sink := &memorySink{}
	stop := runHistorian(t, New(src, sink, 10, time.Hour, logger))

	src <- cache.ActionRecord{RoomID: "r1", ActionIndex: 0, ActionType: "surrender"}
	require.Eventually(t, func() bool { return len(src) == 0 }, time.Second, 5*time.Millisecond)
	// the record is popped but held until the batch fills or the loop stops
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.stored())

	stop()
	require.Len(t, sink.stored(), 1)
	assert.Equal(t, "surrender", sink.stored()[0].ActionType)
}

func TestRetriesFailedFlush(t *testing.T) {
	logger, hook := test.NewNullLogger()
	src := make(chanSource, 4)
	sink := &memorySink{failN: 1}
	stop := runHistorian(t, New(src, sink, 1, 10*time.Millisecond, logger))
	defer stop()

	src <- cache.ActionRecord{RoomID: "r1", ActionIndex: 0, ActionType: "move"}

	require.Eventually(t, func() bool { return len(sink.stored()) == 1 }, 2*time.Second, 10*time.Millisecond)
	var sawError bool
	for _, e := range hook.AllEntries() {
		if e.Level.String() == "error" {
			sawError = true
		}
	}
	assert.True(t, sawError)
}
