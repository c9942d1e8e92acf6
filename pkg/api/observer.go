package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer receives callbacks from the engine and trigger scheduler for
// logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay transitions.
type Observer interface {
	// OnTransition is called once per successful transition, after the
	// audit record has been appended.
	OnTransition(ctx context.Context, rec TransitionRecord)

	// OnTransitionFailed is called when Send or a trigger firing fails for
	// any reason other than a lock timeout.
	OnTransitionFailed(ctx context.Context, machineID, entityID, event string, err error)

	// OnLockAcquired is called after the entity lock is obtained, with the
	// time spent waiting for it.
	OnLockAcquired(ctx context.Context, machineID, entityID string, waited time.Duration)

	// OnLockTimeout is called when lock acquisition gives up.
	OnLockTimeout(ctx context.Context, machineID, entityID string)

	// OnTriggerFired is called when a trigger's condition passes and a
	// transition is about to be attempted.
	OnTriggerFired(ctx context.Context, machineID, entityID string, kind TriggerKind, target string)
}

// NoopObserver is an Observer that does nothing. It is the default when no
// observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTransition(ctx context.Context, rec TransitionRecord) {}
func (NoopObserver) OnTransitionFailed(ctx context.Context, machineID, entityID, event string, err error) {
}
func (NoopObserver) OnLockAcquired(ctx context.Context, machineID, entityID string, waited time.Duration) {
}
func (NoopObserver) OnLockTimeout(ctx context.Context, machineID, entityID string) {}
func (NoopObserver) OnTriggerFired(ctx context.Context, machineID, entityID string, kind TriggerKind, target string) {
}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, rec TransitionRecord) {
	for _, o := range c.observers {
		o.OnTransition(ctx, rec)
	}
}

func (c *CompositeObserver) OnTransitionFailed(ctx context.Context, machineID, entityID, event string, err error) {
	for _, o := range c.observers {
		o.OnTransitionFailed(ctx, machineID, entityID, event, err)
	}
}

func (c *CompositeObserver) OnLockAcquired(ctx context.Context, machineID, entityID string, waited time.Duration) {
	for _, o := range c.observers {
		o.OnLockAcquired(ctx, machineID, entityID, waited)
	}
}

func (c *CompositeObserver) OnLockTimeout(ctx context.Context, machineID, entityID string) {
	for _, o := range c.observers {
		o.OnLockTimeout(ctx, machineID, entityID)
	}
}

func (c *CompositeObserver) OnTriggerFired(ctx context.Context, machineID, entityID string, kind TriggerKind, target string) {
	for _, o := range c.observers {
		o.OnTriggerFired(ctx, machineID, entityID, kind, target)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs transition lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTransition(ctx context.Context, rec TransitionRecord) {
	o.Logger.InfoContext(ctx, "transition",
		slog.String("machine", rec.MachineID),
		slog.String("entity", rec.EntityID),
		slog.String("from", rec.From),
		slog.String("to", rec.To),
		slog.String("event", rec.Event),
		slog.String("source", string(rec.TriggeredBy)),
	)
}

func (o *LoggingObserver) OnTransitionFailed(ctx context.Context, machineID, entityID, event string, err error) {
	o.Logger.WarnContext(ctx, "transition_failed",
		slog.String("machine", machineID),
		slog.String("entity", entityID),
		slog.String("event", event),
		slog.String("error", err.Error()),
	)
}

func (o *LoggingObserver) OnLockAcquired(ctx context.Context, machineID, entityID string, waited time.Duration) {
	o.Logger.DebugContext(ctx, "lock_acquired",
		slog.String("machine", machineID),
		slog.String("entity", entityID),
		slog.Duration("waited", waited),
	)
}

func (o *LoggingObserver) OnLockTimeout(ctx context.Context, machineID, entityID string) {
	o.Logger.WarnContext(ctx, "lock_timeout",
		slog.String("machine", machineID),
		slog.String("entity", entityID),
	)
}

func (o *LoggingObserver) OnTriggerFired(ctx context.Context, machineID, entityID string, kind TriggerKind, target string) {
	o.Logger.InfoContext(ctx, "trigger_fired",
		slog.String("machine", machineID),
		slog.String("entity", entityID),
		slog.String("kind", string(kind)),
		slog.String("target", target),
	)
}

// MetricsObserver exports transition and lock metrics through Prometheus.
type MetricsObserver struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	triggers    *prometheus.CounterVec
	lockWait    prometheus.Histogram
	lockTimeout prometheus.Counter
}

// NewMetricsObserver creates a MetricsObserver and registers its collectors
// with reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &MetricsObserver{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstate_transitions_total",
			Help: "Successful transitions by machine and source.",
		}, []string{"machine", "source"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstate_transition_failures_total",
			Help: "Failed transition attempts by machine.",
		}, []string{"machine"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstate_trigger_firings_total",
			Help: "Trigger firings by machine and kind.",
		}, []string{"machine", "kind"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowstate_lock_wait_seconds",
			Help:    "Time spent waiting for entity locks.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		lockTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowstate_lock_timeouts_total",
			Help: "Lock acquisitions that gave up.",
		}),
	}

	reg.MustRegister(m.transitions, m.failures, m.triggers, m.lockWait, m.lockTimeout)
	return m
}

func (m *MetricsObserver) OnTransition(ctx context.Context, rec TransitionRecord) {
	m.transitions.WithLabelValues(rec.MachineID, string(rec.TriggeredBy)).Inc()
}

func (m *MetricsObserver) OnTransitionFailed(ctx context.Context, machineID, entityID, event string, err error) {
	m.failures.WithLabelValues(machineID).Inc()
}

func (m *MetricsObserver) OnLockAcquired(ctx context.Context, machineID, entityID string, waited time.Duration) {
	m.lockWait.Observe(waited.Seconds())
}

func (m *MetricsObserver) OnLockTimeout(ctx context.Context, machineID, entityID string) {
	m.lockTimeout.Inc()
}

func (m *MetricsObserver) OnTriggerFired(ctx context.Context, machineID, entityID string, kind TriggerKind, target string) {
	m.triggers.WithLabelValues(machineID, string(kind)).Inc()
}
