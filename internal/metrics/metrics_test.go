package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/notifyhub/eventsourcing-pg/internal/metrics"
	"github.com/notifyhub/eventsourcing-pg/internal/waiter"
)

func TestMetrics_Hooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	wh := m.WaiterHooks()
	wh.OnWake(waiter.WakeHeartbeat)
	wh.OnWake(waiter.WakeHeartbeat)
	wh.OnListenerFailure()

	th := m.TrackerHooks()
	th.OnPosition("projector", 42)
	th.OnLockFailure("projector")

	onProcessed, onFailed, onLag := m.WorkerHooks()
	onProcessed("projector", 10*time.Millisecond)
	onFailed("projector")
	onLag("projector", 3)

	if got := testutil.ToFloat64(m.Wakeups.WithLabelValues(waiter.WakeHeartbeat)); got != 2 {
		t.Fatalf("expected 2 heartbeat wake-ups, got %v", got)
	}
	if got := testutil.ToFloat64(m.ListenerFailures); got != 1 {
		t.Fatalf("expected 1 listener failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProcessorPosition.WithLabelValues("projector")); got != 42 {
		t.Fatalf("expected position 42, got %v", got)
	}
	if got := testutil.ToFloat64(m.LockFailures.WithLabelValues("projector")); got != 1 {
		t.Fatalf("expected 1 lock failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.EventsProcessed.WithLabelValues("projector")); got != 1 {
		t.Fatalf("expected 1 processed event, got %v", got)
	}
	if got := testutil.ToFloat64(m.EventsFailed.WithLabelValues("projector")); got != 1 {
		t.Fatalf("expected 1 failed event, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProcessorLag.WithLabelValues("projector")); got != 3 {
		t.Fatalf("expected lag 3, got %v", got)
	}
}
