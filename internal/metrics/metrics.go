package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/eventsourcing-pg/internal/tracker"
	"github.com/notifyhub/eventsourcing-pg/internal/waiter"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	Wakeups              *prometheus.CounterVec
	ListenerFailures     prometheus.Counter
	ListenerTerminations prometheus.Counter
	EventsProcessed      *prometheus.CounterVec
	EventsFailed         *prometheus.CounterVec
	EventLatency         *prometheus.HistogramVec
	ProcessorPosition    *prometheus.GaugeVec
	ProcessorLag         *prometheus.GaugeVec
	LockFailures         *prometheus.CounterVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Wakeups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poll_wakeups_total",
			Help: "Consumer wake-ups by reason (initial, notification, heartbeat).",
		}, []string{"reason"}),

		ListenerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notification_listener_failures_total",
			Help: "Notification subscriptions that failed to start or were lost.",
		}),
		ListenerTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notification_listener_terminations_total",
			Help: "Live notification listeners stopped when their poll loop exited.",
		}),

		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "processor_events_processed_total",
			Help: "Events applied and recorded by each processor.",
		}, []string{"processor"}),
		EventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "processor_events_failed_total",
			Help: "Events whose processing failed; the position was not advanced.",
		}, []string{"processor"}),
		EventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "processor_event_processing_seconds",
			Help:    "Time to apply one event and record the new position.",
			Buckets: prometheus.DefBuckets,
		}, []string{"processor"}),

		ProcessorPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "processor_last_processed_event_id",
			Help: "Last event id recorded by each processor's tracker.",
		}, []string{"processor"}),
		ProcessorLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "processor_lag_events",
			Help: "Latest event id minus the processor's recorded position.",
		}, []string{"processor"}),
		LockFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "processor_lock_failures_total",
			Help: "Attempts to lock a processor already locked by another session.",
		}, []string{"processor"}),
	}

	reg.MustRegister(
		m.Wakeups,
		m.ListenerFailures,
		m.ListenerTerminations,
		m.EventsProcessed,
		m.EventsFailed,
		m.EventLatency,
		m.ProcessorPosition,
		m.ProcessorLag,
		m.LockFailures,
	)

	return m
}

// WaiterHooks returns the metric callbacks expected by waiter.New.
func (m *Metrics) WaiterHooks() waiter.Hooks {
	return waiter.Hooks{
		OnWake:              func(reason string) { m.Wakeups.WithLabelValues(reason).Inc() },
		OnListenerFailure:   m.ListenerFailures.Inc,
		OnListenerTerminate: m.ListenerTerminations.Inc,
	}
}

// TrackerHooks returns the metric callbacks expected by tracker.New.
func (m *Metrics) TrackerHooks() tracker.Hooks {
	return tracker.Hooks{
		OnPosition: func(processor string, id int64) {
			m.ProcessorPosition.WithLabelValues(processor).Set(float64(id))
		},
		OnLockFailure: func(processor string) {
			m.LockFailures.WithLabelValues(processor).Inc()
		},
	}
}

// WorkerHooks returns the callbacks passed to worker.NewWorker and
// worker.NewLagWorker, keeping prometheus out of the worker package.
func (m *Metrics) WorkerHooks() (
	onProcessed func(processor string, latency time.Duration),
	onFailed func(processor string),
	onLag func(processor string, lag int64),
) {
	onProcessed = func(processor string, latency time.Duration) {
		m.EventsProcessed.WithLabelValues(processor).Inc()
		m.EventLatency.WithLabelValues(processor).Observe(latency.Seconds())
	}
	onFailed = func(processor string) {
		m.EventsFailed.WithLabelValues(processor).Inc()
	}
	onLag = func(processor string, lag int64) {
		m.ProcessorLag.WithLabelValues(processor).Set(float64(lag))
	}
	return
}
