package ratelimiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// ProcessorLimiters holds one token bucket per processor, bounding how often
// each processor re-queries the event store. A burst of notifications then
// costs at most ratePerSec queries per second instead of one per event.
// Burst is set equal to the rate so no extra burst capacity is allowed
// beyond the configured per-second maximum.
type ProcessorLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// New creates ProcessorLimiters with ratePerSec tokens per second per
// processor. A non-positive rate disables limiting.
func New(ratePerSec int) *ProcessorLimiters {
	limit, burst := rate.Inf, 1
	if ratePerSec > 0 {
		limit, burst = rate.Limit(ratePerSec), ratePerSec
	}
	return &ProcessorLimiters{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the processor's limiter grants a token.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (pl *ProcessorLimiters) Wait(ctx context.Context, processor string) error {
	return pl.get(processor).Wait(ctx)
}

func (pl *ProcessorLimiters) get(processor string) *rate.Limiter {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	l, ok := pl.limiters[processor]
	if !ok {
		l = rate.NewLimiter(pl.limit, pl.burst)
		pl.limiters[processor] = l
	}
	return l
}
