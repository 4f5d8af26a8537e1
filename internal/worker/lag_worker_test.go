package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/eventsourcing-pg/internal/domain"
)

type staticPositions struct {
	positions []domain.ProcessorPosition
	err       error
}

func (s staticPositions) Positions(context.Context) ([]domain.ProcessorPosition, error) {
	return s.positions, s.err
}

type lagRecorder struct {
	mu  sync.Mutex
	lag map[string]int64
}

func (r *lagRecorder) record(name string, lag int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lag == nil {
		r.lag = map[string]int64{}
	}
	r.lag[name] = lag
}

func (r *lagRecorder) snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.lag))
	for k, v := range r.lag {
		out[k] = v
	}
	return out
}

func TestLagWorker_ReportsLagPerProcessor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := seedStore(t, 10)
	positions := staticPositions{positions: []domain.ProcessorPosition{
		{Name: "billing", LastProcessedEventID: 10},
		{Name: "search", LastProcessedEventID: 4},
		{Name: "reset", LastProcessedEventID: 0},
	}}
	rec := &lagRecorder{}

	lw := NewLagWorker(positions, store, 5*time.Millisecond, rec.record, zap.NewNop())
	done := make(chan struct{})
	go func() {
		lw.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, map[string]int64{"billing": 0, "search": 6, "reset": 10}, rec.snapshot())
}

func TestLagWorker_ClampsNegativeLag(t *testing.T) {
	rec := &lagRecorder{}
	positions := staticPositions{positions: []domain.ProcessorPosition{{Name: "ahead", LastProcessedEventID: 50}}}

	lw := NewLagWorker(positions, seedStore(t, 3), time.Hour, rec.record, zap.NewNop())
	lw.poll(context.Background())

	assert.Equal(t, map[string]int64{"ahead": 0}, rec.snapshot())
}

func TestLagWorker_PositionErrorReportsNothing(t *testing.T) {
	rec := &lagRecorder{}
	positions := staticPositions{err: errors.New("table missing")}

	lw := NewLagWorker(positions, seedStore(t, 3), time.Hour, rec.record, zap.NewNop())
	lw.poll(context.Background())

	assert.Empty(t, rec.snapshot())
}
