// Package waiter wakes a consumer loop when new events are announced on the
// datastore's notification channel, and on an idle heartbeat otherwise.
package waiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/eventsourcing-pg/internal/domain"
	"github.com/notifyhub/eventsourcing-pg/internal/queue"
)

// DefaultChannel is the channel the event store notifies on every append.
const DefaultChannel = "new_event"

// Wake reasons reported to Hooks.OnWake.
const (
	WakeInitial      = "initial"
	WakeNotification = "notification"
	WakeHeartbeat    = "heartbeat"
)

// terminateTimeout bounds how long Poll waits for a cancelled listener.
const terminateTimeout = 5 * time.Second

// Action tells Poll whether to keep looping after a handler call.
type Action int

const (
	Continue Action = iota
	Stop
)

// Handler is invoked on every wake-up. item is nil for the initial catch-up
// call and for idle heartbeats. Returning Stop ends Poll with a nil error;
// returning an error ends Poll with that error unchanged.
type Handler func(ctx context.Context, item *queue.Item) (Action, error)

// Hooks carries the metric callbacks injected by main.
type Hooks struct {
	OnWake              func(reason string)
	OnListenerFailure   func()
	OnListenerTerminate func()
}

type Config struct {
	Channel          string
	CallbackInterval time.Duration
	PollInterval     time.Duration
	// Coalesce delivers only the newest of several queued notifications.
	Coalesce bool
}

// Waiter runs poll loops. Each Poll call owns its own listener goroutine,
// connection and queue, so one Waiter may serve several processors.
type Waiter struct {
	listener Listener
	cfg      Config
	logger   *zap.Logger
	hooks    Hooks
}

func New(listener Listener, cfg Config, logger *zap.Logger, hooks Hooks) *Waiter {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = queue.DefaultPollInterval
	}
	if hooks.OnWake == nil {
		hooks.OnWake = func(string) {}
	}
	if hooks.OnListenerFailure == nil {
		hooks.OnListenerFailure = func() {}
	}
	if hooks.OnListenerTerminate == nil {
		hooks.OnListenerTerminate = func() {}
	}
	return &Waiter{listener: listener, cfg: cfg, logger: logger, hooks: hooks}
}

// Poll subscribes to the notification channel on a background goroutine,
// calls afterListen exactly once when the subscription is active, then invokes
// handler once immediately and again for every notification or idle
// heartbeat until handler returns Stop or an error, ctx is done, or the
// listener dies.
//
// A subscription that cannot be established, or that is lost, is reported
// as an error wrapping domain.ErrListenerDied.
func (w *Waiter) Poll(ctx context.Context, afterListen func(), handler Handler) error {
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	q := queue.New(
		queue.WithCallbackInterval(w.cfg.CallbackInterval),
		queue.WithPollInterval(w.cfg.PollInterval),
	)

	lw := w.startListener(ctx, q, afterListen, cancelLoop)
	defer w.shutdown(lw)

	select {
	case err := <-lw.ready:
		if err != nil {
			// The goroutine exits right after reporting; wait so shutdown sees it dead.
			<-lw.done
			w.hooks.OnListenerFailure()
			w.logger.Error("notification listener failed to subscribe",
				zap.String("channel", w.cfg.Channel), zap.Error(err))
			return fmt.Errorf("%w: %w", domain.ErrListenerDied, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	var (
		stopped    bool
		handlerErr error
	)
	invoke := func(item *queue.Item, reason string) bool {
		// Once the loop is over, Pop may still hand back a queued item
		// before it notices the cancellation.
		if loopCtx.Err() != nil {
			return false
		}
		w.hooks.OnWake(reason)
		action, err := handler(loopCtx, item)
		switch {
		case err != nil:
			handlerErr = err
		case action == Stop:
			stopped = true
		default:
			return true
		}
		cancelLoop()
		return false
	}

	// The heartbeat runs on this goroutine, inside q.Pop.
	q.SetCallback(func() { invoke(nil, WakeHeartbeat) })

	if invoke(nil, WakeInitial) {
		for {
			item, ok := q.Pop(loopCtx)
			if !ok {
				break
			}
			if w.cfg.Coalesce {
				if rest := q.Drain(); len(rest) > 0 {
					item = rest[len(rest)-1]
				}
			}
			if !invoke(&item, WakeNotification) {
				break
			}
		}
	}

	switch {
	case handlerErr != nil:
		return handlerErr
	case stopped:
		return nil
	}
	if err := lw.failure(); err != nil {
		w.hooks.OnListenerFailure()
		w.logger.Error("notification listener died",
			zap.String("channel", w.cfg.Channel), zap.Error(err))
		return fmt.Errorf("%w: %w", domain.ErrListenerDied, err)
	}
	return ctx.Err()
}

type listenWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
	ready  chan error

	mu  sync.Mutex
	err error
}

func (lw *listenWorker) alive() bool {
	select {
	case <-lw.done:
		return false
	default:
		return true
	}
}

func (lw *listenWorker) failure() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.err
}

func (w *Waiter) startListener(
	parent context.Context,
	q *queue.IntervalQueue,
	afterListen func(),
	onFail context.CancelFunc,
) *listenWorker {
	ctx, cancel := context.WithCancel(parent)
	lw := &listenWorker{
		cancel: cancel,
		done:   make(chan struct{}),
		ready:  make(chan error, 1),
	}

	go func() {
		// Report a lost subscription only once the goroutine is fully done,
		// so Poll never mistakes a dying listener for a live one.
		defer func() {
			if lw.failure() != nil {
				onFail()
			}
		}()
		defer close(lw.done)

		sub, err := w.listener.Listen(ctx, w.cfg.Channel)
		if err != nil {
			lw.ready <- err
			return
		}
		defer func() {
			closeCtx, cancelClose := context.WithTimeout(context.Background(), terminateTimeout)
			defer cancelClose()
			if err := sub.Close(closeCtx); err != nil {
				w.logger.Warn("failed to close subscription", zap.Error(err))
			}
		}()

		if afterListen != nil {
			afterListen()
		}
		lw.ready <- nil

		for {
			n, err := sub.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				lw.mu.Lock()
				lw.err = err
				lw.mu.Unlock()
				return
			}
			q.Push(queue.NewItem(n.Channel, n.Payload))
		}
	}()

	return lw
}

// shutdown terminates a listener that is still running. A listener that has
// already exited is left alone.
func (w *Waiter) shutdown(lw *listenWorker) {
	if !lw.alive() {
		lw.cancel()
		return
	}

	w.hooks.OnListenerTerminate()
	lw.cancel()

	select {
	case <-lw.done:
	case <-time.After(terminateTimeout):
		w.logger.Warn("notification listener did not exit after cancellation; abandoning it",
			zap.String("channel", w.cfg.Channel))
	}
}
