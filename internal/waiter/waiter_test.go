package waiter_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/eventsourcing-pg/internal/domain"
	"github.com/notifyhub/eventsourcing-pg/internal/queue"
	"github.com/notifyhub/eventsourcing-pg/internal/waiter"
)

// fakeListener implements waiter.Listener over in-memory channels.
type fakeListener struct {
	listenErr     error
	notifications chan waiter.Notification
	waitErr       chan error

	mu        sync.Mutex
	listens   int
	closed    bool
	cancelled bool
	delivered int
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		notifications: make(chan waiter.Notification, 16),
		waitErr:       make(chan error, 1),
	}
}

func (f *fakeListener) Listen(_ context.Context, _ string) (waiter.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listens++
	if f.listenErr != nil {
		return nil, f.listenErr
	}
	return &fakeSubscription{l: f}, nil
}

func (f *fakeListener) notify(ids ...int) {
	for _, id := range ids {
		f.notifications <- waiter.Notification{Channel: waiter.DefaultChannel, Payload: strconv.Itoa(id)}
	}
}

func (f *fakeListener) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered
}

type fakeSubscription struct {
	l *fakeListener
}

func (s *fakeSubscription) WaitForNotification(ctx context.Context) (waiter.Notification, error) {
	select {
	case <-ctx.Done():
		s.l.mu.Lock()
		s.l.cancelled = true
		s.l.mu.Unlock()
		return waiter.Notification{}, ctx.Err()
	case n := <-s.l.notifications:
		s.l.mu.Lock()
		s.l.delivered++
		s.l.mu.Unlock()
		return n, nil
	case err := <-s.l.waitErr:
		return waiter.Notification{}, err
	}
}

func (s *fakeSubscription) Close(context.Context) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	s.l.closed = true
	return nil
}

type hookCounts struct {
	wakes      sync.Map
	failures   atomic.Int32
	terminates atomic.Int32
}

func (h *hookCounts) hooks() waiter.Hooks {
	return waiter.Hooks{
		OnWake: func(reason string) {
			v, _ := h.wakes.LoadOrStore(reason, new(atomic.Int32))
			v.(*atomic.Int32).Add(1)
		},
		OnListenerFailure:   func() { h.failures.Add(1) },
		OnListenerTerminate: func() { h.terminates.Add(1) },
	}
}

func (h *hookCounts) wakeCount(reason string) int32 {
	v, ok := h.wakes.Load(reason)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

func newWaiter(l waiter.Listener, cfg waiter.Config, h *hookCounts) *waiter.Waiter {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	return waiter.New(l, cfg, zap.NewNop(), h.hooks())
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPoll_InitialCall(t *testing.T) {
	l := newFakeListener()
	h := &hookCounts{}
	w := newWaiter(l, waiter.Config{CallbackInterval: time.Hour}, h)

	var afterListenCalls, handlerCalls int
	err := w.Poll(testContext(t), func() { afterListenCalls++ }, func(_ context.Context, item *queue.Item) (waiter.Action, error) {
		handlerCalls++
		assert.Nil(t, item)
		return waiter.Stop, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, afterListenCalls)
	assert.Equal(t, 1, handlerCalls)
	assert.Equal(t, int32(1), h.wakeCount(waiter.WakeInitial))
}

func TestPoll_CallsOnNewEvent(t *testing.T) {
	l := newFakeListener()
	h := &hookCounts{}
	w := newWaiter(l, waiter.Config{CallbackInterval: time.Hour}, h)

	var got *queue.Item
	err := w.Poll(testContext(t), func() { l.notify(1) }, func(_ context.Context, item *queue.Item) (waiter.Action, error) {
		if item == nil {
			return waiter.Continue, nil
		}
		got = item
		return waiter.Stop, nil
	})

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.EventID)
	assert.Equal(t, waiter.DefaultChannel, got.Channel)
	assert.Equal(t, int32(1), h.wakeCount(waiter.WakeNotification))
}

func TestPoll_DeliversEachNotificationInOrder(t *testing.T) {
	l := newFakeListener()
	w := newWaiter(l, waiter.Config{CallbackInterval: time.Hour}, &hookCounts{})

	var ids []int64
	err := w.Poll(testContext(t), func() { l.notify(1, 2, 3) }, func(_ context.Context, item *queue.Item) (waiter.Action, error) {
		if item == nil {
			return waiter.Continue, nil
		}
		ids = append(ids, item.EventID)
		if len(ids) == 3 {
			return waiter.Stop, nil
		}
		return waiter.Continue, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestPoll_CoalescesQueuedNotifications(t *testing.T) {
	l := newFakeListener()
	w := newWaiter(l, waiter.Config{CallbackInterval: time.Hour, Coalesce: true}, &hookCounts{})

	var ids []int64
	err := w.Poll(testContext(t), func() { l.notify(1, 2, 3) }, func(_ context.Context, item *queue.Item) (waiter.Action, error) {
		if item == nil {
			// Let every notification reach the queue before the first pop.
			for l.deliveredCount() < 3 {
				time.Sleep(time.Millisecond)
			}
			time.Sleep(20 * time.Millisecond)
			return waiter.Continue, nil
		}
		ids = append(ids, item.EventID)
		return waiter.Stop, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)
}

func TestPoll_HeartbeatWhenIdle(t *testing.T) {
	l := newFakeListener()
	h := &hookCounts{}
	w := newWaiter(l, waiter.Config{CallbackInterval: 10 * time.Millisecond}, h)

	calls := 0
	err := w.Poll(testContext(t), nil, func(_ context.Context, item *queue.Item) (waiter.Action, error) {
		calls++
		assert.Nil(t, item)
		if calls == 1 {
			return waiter.Continue, nil
		}
		return waiter.Stop, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int32(1), h.wakeCount(waiter.WakeHeartbeat))
}

func TestPoll_ListenFailure(t *testing.T) {
	l := newFakeListener()
	l.listenErr = errors.New("connection refused")
	h := &hookCounts{}
	w := newWaiter(l, waiter.Config{CallbackInterval: time.Hour}, h)

	called := false
	err := w.Poll(testContext(t), nil, func(context.Context, *queue.Item) (waiter.Action, error) {
		called = true
		return waiter.Stop, nil
	})

	require.ErrorIs(t, err, domain.ErrListenerDied)
	assert.ErrorIs(t, err, l.listenErr)
	assert.False(t, called, "handler must not run without a subscription")
	assert.Equal(t, int32(1), h.failures.Load())
	assert.Equal(t, int32(0), h.terminates.Load(), "a listener that never started must not be terminated")
}

func TestPoll_FailedSubscribeIsNeverTerminated(t *testing.T) {
	for i := 0; i < 50; i++ {
		l := newFakeListener()
		l.listenErr = errors.New("too many connections")
		h := &hookCounts{}
		w := newWaiter(l, waiter.Config{CallbackInterval: time.Hour}, h)

		err := w.Poll(testContext(t), nil, func(context.Context, *queue.Item) (waiter.Action, error) {
			return waiter.Stop, nil
		})

		require.ErrorIs(t, err, domain.ErrListenerDied)
		require.Equal(t, int32(0), h.terminates.Load(), "iteration %d", i)
	}
}

func TestPoll_ListenerDiesWhileWaiting(t *testing.T) {
	l := newFakeListener()
	h := &hookCounts{}
	w := newWaiter(l, waiter.Config{CallbackInterval: time.Hour}, h)

	err := w.Poll(testContext(t), nil, func(_ context.Context, item *queue.Item) (waiter.Action, error) {
		l.waitErr <- errors.New("connection reset")
		return waiter.Continue, nil
	})

	require.ErrorIs(t, err, domain.ErrListenerDied)
	assert.Equal(t, int32(1), h.failures.Load())
	assert.Equal(t, int32(0), h.terminates.Load(), "a dead listener must not be terminated")
}

func TestPoll_TerminatesLiveListener(t *testing.T) {
	l := newFakeListener()
	h := &hookCounts{}
	w := newWaiter(l, waiter.Config{CallbackInterval: time.Hour}, h)

	err := w.Poll(testContext(t), func() { l.notify(1) }, func(_ context.Context, item *queue.Item) (waiter.Action, error) {
		if item == nil {
			return waiter.Continue, nil
		}
		return waiter.Stop, nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), h.terminates.Load())

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.True(t, l.cancelled, "listener wait should observe cancellation")
	assert.True(t, l.closed, "subscription should be closed")
}

func TestPoll_HandlerErrorPropagates(t *testing.T) {
	l := newFakeListener()
	h := &hookCounts{}
	w := newWaiter(l, waiter.Config{CallbackInterval: time.Hour}, h)

	boom := errors.New("boom")
	err := w.Poll(testContext(t), nil, func(context.Context, *queue.Item) (waiter.Action, error) {
		return waiter.Continue, boom
	})

	require.Equal(t, boom, err)
	assert.Equal(t, int32(1), h.terminates.Load())
}

// heartbeatEndsWithQueuedItem returns a handler that, on its first
// heartbeat, gets a notification queued and then ends the loop with action
// and err.
// Calls made after that are counted in extra.
func heartbeatEndsWithQueuedItem(t *testing.T, l *fakeListener, action waiter.Action, err error, extra *int) waiter.Handler {
	t.Helper()
	calls, ended := 0, false
	return func(context.Context, *queue.Item) (waiter.Action, error) {
		if ended {
			*extra++
			return waiter.Continue, nil
		}
		calls++
		if calls == 1 {
			return waiter.Continue, nil
		}
		l.notify(1)
		require.Eventually(t, func() bool { return l.deliveredCount() == 1 }, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
		ended = true
		return action, err
	}
}

func TestPoll_NoCallsAfterHeartbeatStops(t *testing.T) {
	for i := 0; i < 30; i++ {
		l := newFakeListener()
		w := newWaiter(l, waiter.Config{CallbackInterval: 5 * time.Millisecond}, &hookCounts{})

		extra := 0
		err := w.Poll(testContext(t), nil, heartbeatEndsWithQueuedItem(t, l, waiter.Stop, nil, &extra))

		require.NoError(t, err)
		require.Zero(t, extra, "handler ran again after returning Stop (iteration %d)", i)
	}
}

func TestPoll_NoCallsAfterHeartbeatError(t *testing.T) {
	boom := errors.New("projection failed")
	for i := 0; i < 30; i++ {
		l := newFakeListener()
		w := newWaiter(l, waiter.Config{CallbackInterval: 5 * time.Millisecond}, &hookCounts{})

		extra := 0
		err := w.Poll(testContext(t), nil, heartbeatEndsWithQueuedItem(t, l, waiter.Continue, boom, &extra))

		require.Equal(t, boom, err)
		require.Zero(t, extra, "handler ran again after returning an error (iteration %d)", i)
	}
}

func TestPoll_ContextCancellation(t *testing.T) {
	l := newFakeListener()
	w := newWaiter(l, waiter.Config{CallbackInterval: queue.CallbackDisabled}, &hookCounts{})

	ctx, cancel := context.WithCancel(context.Background())
	err := w.Poll(ctx, nil, func(context.Context, *queue.Item) (waiter.Action, error) {
		cancel()
		return waiter.Continue, nil
	})

	require.ErrorIs(t, err, context.Canceled)
}
