package queue

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultCallbackInterval is used when no callback interval is configured.
	DefaultCallbackInterval = 10 * time.Second
	// DefaultPollInterval is the granularity at which an idle Pop re-checks.
	DefaultPollInterval = 100 * time.Millisecond
	// CallbackDisabled turns the idle callback off entirely.
	// A zero interval is not "disabled": it fires on every poll tick.
	CallbackDisabled time.Duration = -1
)

// IntervalQueue is an unbounded FIFO whose blocking Pop invokes a callback on
// an interval while it waits, instead of blocking silently forever.
//
// One goroutine typically pushes (the notification listener) and another pops
// (the consumer loop). The callback always runs on the popping goroutine.
type IntervalQueue struct {
	mu       sync.Mutex
	items    []Item
	callback func()

	// ready holds at most one pending wake-up for a blocked popper.
	ready chan struct{}

	callbackInterval time.Duration
	pollInterval     time.Duration
}

// Option configures an IntervalQueue.
type Option func(*IntervalQueue)

func WithCallback(fn func()) Option {
	return func(q *IntervalQueue) {
		if fn != nil {
			q.callback = fn
		}
	}
}

func WithCallbackInterval(d time.Duration) Option {
	return func(q *IntervalQueue) { q.callbackInterval = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(q *IntervalQueue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

func New(opts ...Option) *IntervalQueue {
	q := &IntervalQueue{
		callback:         func() {},
		ready:            make(chan struct{}, 1),
		callbackInterval: DefaultCallbackInterval,
		pollInterval:     DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetCallback replaces the idle callback. A nil fn installs a no-op.
func (q *IntervalQueue) SetCallback(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	q.mu.Lock()
	q.callback = fn
	q.mu.Unlock()
}

// Push appends item to the tail and wakes a blocked popper. It never blocks.
func (q *IntervalQueue) Push(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
}

// Pop returns the head item. When the queue is empty it waits, firing the
// callback once every callback interval of continued idleness, until an item
// arrives or ctx is done. The callback is never invoked when an item is
// already present on entry.
//
// Returns (Item{}, false) only when ctx is done.
func (q *IntervalQueue) Pop(ctx context.Context) (Item, bool) {
	if item, ok := q.tryPop(); ok {
		return item, true
	}

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	since := time.Now()
	for {
		select {
		case <-ctx.Done():
			return Item{}, false
		case <-q.ready:
			if item, ok := q.tryPop(); ok {
				return item, true
			}
		case now := <-ticker.C:
			if item, ok := q.tryPop(); ok {
				return item, true
			}
			if q.callbackInterval >= 0 && now.Sub(since) >= q.callbackInterval {
				q.currentCallback()()
				since = time.Now()
			}
		}
	}
}

// PopBypass is a plain blocking pop with no callback semantics.
func (q *IntervalQueue) PopBypass(ctx context.Context) (Item, bool) {
	for {
		if item, ok := q.tryPop(); ok {
			return item, true
		}
		select {
		case <-ctx.Done():
			return Item{}, false
		case <-q.ready:
		}
	}
}

// Drain removes and returns every queued item in FIFO order.
func (q *IntervalQueue) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued items.
func (q *IntervalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *IntervalQueue) tryPop() (Item, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return Item{}, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	remaining := len(q.items)
	q.mu.Unlock()

	// Hand the wake-up on so a second popper does not sleep on a non-empty queue.
	if remaining > 0 {
		q.signal()
	}
	return item, true
}

func (q *IntervalQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *IntervalQueue) currentCallback() func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.callback
}
