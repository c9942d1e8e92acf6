package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkallio/flowstate/internal/bus"
	"github.com/mkallio/flowstate/internal/engine"
	"github.com/mkallio/flowstate/internal/persistence"
	"github.com/mkallio/flowstate/pkg/api"
)

// harness wires a scheduler against a real in-memory engine, the same shape
// the worker runtime assembles in production.
type harness struct {
	eng   *engine.Engine
	sched *Scheduler
}

func newHarness(t *testing.T, def api.MachineDefinition) *harness {
	t.Helper()

	eng := engine.NewInMemory(nil)
	require.NoError(t, eng.RegisterMachine(def))

	sched := New(Config{
		Registry:            eng.Registry(),
		Records:             eng.Records(),
		Bus:                 eng.Bus(),
		Engine:              eng,
		DateScanInterval:    10 * time.Millisecond,
		DefaultPollInterval: 15 * time.Millisecond,
	})

	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)

	return &harness{eng: eng, sched: sched}
}

func (h *harness) waitForState(t *testing.T, machineID, entityID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, err := h.eng.GetState(context.Background(), machineID, entityID)
		return err == nil && state == want
	}, 3*time.Second, 5*time.Millisecond, "entity never reached %q", want)
}

func TestEventTriggerOnContextChange(t *testing.T) {
	def := api.MachineDefinition{
		ID:           "invoice",
		InitialState: "awaiting_payment",
		States: map[string]api.StateDefinition{
			"awaiting_payment": {
				Triggers: []api.TriggerDefinition{{
					Kind:        api.TriggerEvent,
					TargetState: "processing",
					Condition:   "paymentConfirmed",
				}},
			},
			"processing": {Terminal: true},
		},
		Conditions: map[string]api.Condition{
			"paymentConfirmed": func(ctx context.Context, sig api.Signal) (bool, error) {
				confirmed, _ := sig.Current["paymentConfirmed"].(bool)
				return confirmed, nil
			},
		},
	}

	h := newHarness(t, def)
	ctx := context.Background()
	require.NoError(t, h.eng.InitializeEntity(ctx, "invoice", "i-1", nil))

	// An unrelated change does not satisfy the condition.
	require.NoError(t, h.eng.UpdateContext(ctx, "invoice", "i-1", map[string]any{"note": "called customer"}))
	time.Sleep(50 * time.Millisecond)
	state, err := h.eng.GetState(ctx, "invoice", "i-1")
	require.NoError(t, err)
	assert.Equal(t, "awaiting_payment", state)

	// The payment flag flips, the trigger fires, no manual Send involved.
	require.NoError(t, h.eng.UpdateContext(ctx, "invoice", "i-1", map[string]any{"paymentConfirmed": true}))
	h.waitForState(t, "invoice", "i-1", "processing")

	hist, err := h.eng.GetTransitionHistory(ctx, "invoice", "i-1", api.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, api.SourceEvent, hist[0].TriggeredBy)
	assert.Equal(t, "processing", hist[0].To)
}

func TestEventTriggerExternalTopic(t *testing.T) {
	def := api.MachineDefinition{
		ID:           "shipment",
		InitialState: "in_transit",
		States: map[string]api.StateDefinition{
			"in_transit": {
				Triggers: []api.TriggerDefinition{{
					Kind:        api.TriggerEvent,
					EventName:   "carrier.delivered",
					TargetState: "delivered",
				}},
			},
			"delivered": {Terminal: true},
		},
	}

	h := newHarness(t, def)
	ctx := context.Background()
	require.NoError(t, h.eng.InitializeEntity(ctx, "shipment", "s-1", nil))
	require.NoError(t, h.eng.InitializeEntity(ctx, "shipment", "s-2", nil))

	// An application event naming the entity lands on the external topic.
	require.NoError(t, h.eng.Bus().Publish(ctx, "carrier.delivered", map[string]any{
		"entityId": "s-1",
		"signedBy": "resident",
	}))

	h.waitForState(t, "shipment", "s-1", "delivered")

	// Only the named entity moved.
	state, err := h.eng.GetState(ctx, "shipment", "s-2")
	require.NoError(t, err)
	assert.Equal(t, "in_transit", state)
}

func TestCronTriggerScansState(t *testing.T) {
	def := api.MachineDefinition{
		ID:           "session",
		InitialState: "active",
		States: map[string]api.StateDefinition{
			"active": {
				Triggers: []api.TriggerDefinition{{
					Kind:        api.TriggerCron,
					Schedule:    "@every 25ms",
					TargetState: "expired",
				}},
			},
			"expired": {Terminal: true},
		},
	}

	h := newHarness(t, def)
	ctx := context.Background()
	require.NoError(t, h.eng.InitializeEntity(ctx, "session", "s-1", nil))
	require.NoError(t, h.eng.InitializeEntity(ctx, "session", "s-2", nil))

	// Every entity sitting in the state is swept.
	h.waitForState(t, "session", "s-1", "expired")
	h.waitForState(t, "session", "s-2", "expired")
}

func TestDateTriggerFiresAfterDeadline(t *testing.T) {
	def := api.MachineDefinition{
		ID:           "offer",
		InitialState: "open",
		States: map[string]api.StateDefinition{
			"open": {
				Triggers: []api.TriggerDefinition{{
					Kind:          api.TriggerDate,
					DeadlineField: "expiresAt",
					TargetState:   "expired",
				}},
			},
			"expired": {Terminal: true},
		},
	}

	h := newHarness(t, def)
	ctx := context.Background()

	// Past deadline: fires on the first scan.
	require.NoError(t, h.eng.InitializeEntity(ctx, "offer", "o-1", api.Context{
		"expiresAt": time.Now().Add(-time.Second),
	}))
	// Future deadline: untouched.
	require.NoError(t, h.eng.InitializeEntity(ctx, "offer", "o-2", api.Context{
		"expiresAt": time.Now().Add(time.Hour),
	}))
	// No deadline at all: untouched.
	require.NoError(t, h.eng.InitializeEntity(ctx, "offer", "o-3", nil))

	h.waitForState(t, "offer", "o-1", "expired")

	for _, id := range []string{"o-2", "o-3"} {
		state, err := h.eng.GetState(ctx, "offer", id)
		require.NoError(t, err)
		assert.Equal(t, "open", state, "entity %s", id)
	}
}

func TestDateTriggerAtMostOncePerDeadline(t *testing.T) {
	var evals atomic.Int64

	def := api.MachineDefinition{
		ID:           "offer",
		InitialState: "open",
		States: map[string]api.StateDefinition{
			"open": {
				Triggers: []api.TriggerDefinition{{
					Kind:          api.TriggerDate,
					DeadlineField: "expiresAt",
					TargetState:   "expired",
					Condition:     "neverReady",
				}},
			},
			"expired": {Terminal: true},
		},
		Conditions: map[string]api.Condition{
			// Vetoes the transition so the entity stays in the state; the
			// scheduler must still not re-fire for the same deadline.
			"neverReady": func(ctx context.Context, sig api.Signal) (bool, error) {
				evals.Add(1)
				return false, nil
			},
		},
	}

	h := newHarness(t, def)
	ctx := context.Background()
	require.NoError(t, h.eng.InitializeEntity(ctx, "offer", "o-1", api.Context{
		"expiresAt": time.Now().Add(-time.Second),
	}))

	require.Eventually(t, func() bool { return evals.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Many more scan intervals pass without another evaluation.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), evals.Load())

	// A rescheduled deadline arms the trigger again.
	require.NoError(t, h.eng.UpdateContext(ctx, "offer", "o-1", map[string]any{
		"expiresAt": time.Now().Add(-time.Millisecond),
	}))
	require.Eventually(t, func() bool { return evals.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDateTriggerRetriesAfterLockContention(t *testing.T) {
	def := api.MachineDefinition{
		ID:           "offer",
		InitialState: "open",
		States: map[string]api.StateDefinition{
			"open": {
				Triggers: []api.TriggerDefinition{{
					Kind:          api.TriggerDate,
					DeadlineField: "expiresAt",
					TargetState:   "expired",
				}},
			},
			"expired": {Terminal: true},
		},
	}

	mem := persistence.NewInMemoryStore()
	eng := engine.New(engine.Config{
		Persistence: persistence.Persistence{Records: mem, Locks: mem, History: mem},
		Bus:         bus.NewInMemoryBus(),
		LockTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, eng.RegisterMachine(def))

	ctx := context.Background()
	require.NoError(t, eng.InitializeEntity(ctx, "offer", "o-1", api.Context{
		"expiresAt": time.Now().Add(-time.Second),
	}))

	// A rival holds the entity's lease, so every firing times out.
	held, err := mem.CreateIfAbsent(ctx, "offer:o-1", "rival", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	sched := New(Config{
		Registry:         eng.Registry(),
		Records:          eng.Records(),
		Bus:              eng.Bus(),
		Engine:           eng,
		DateScanInterval: 10 * time.Millisecond,
	})
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(sched.Stop)

	// Several scans pass; the deadline stays pending, not consumed.
	time.Sleep(100 * time.Millisecond)
	state, err := eng.GetState(ctx, "offer", "o-1")
	require.NoError(t, err)
	require.Equal(t, "open", state)

	// Once the rival lets go, a later scan fires the same deadline.
	require.NoError(t, mem.DeleteKey(ctx, "offer:o-1", "rival"))
	require.Eventually(t, func() bool {
		state, err := eng.GetState(ctx, "offer", "o-1")
		return err == nil && state == "expired"
	}, 3*time.Second, 5*time.Millisecond)
}

func TestDateTriggerDedupePrunedWhenEntityLeaves(t *testing.T) {
	var evals atomic.Int64

	def := api.MachineDefinition{
		ID:           "offer",
		InitialState: "open",
		States: map[string]api.StateDefinition{
			"open": {
				Transitions: map[string]string{"CLOSE": "closed"},
				Triggers: []api.TriggerDefinition{{
					Kind:          api.TriggerDate,
					DeadlineField: "expiresAt",
					TargetState:   "expired",
					Condition:     "neverReady",
				}},
			},
			"closed":  {Terminal: true},
			"expired": {Terminal: true},
		},
		Conditions: map[string]api.Condition{
			"neverReady": func(ctx context.Context, sig api.Signal) (bool, error) {
				evals.Add(1)
				return false, nil
			},
		},
	}

	h := newHarness(t, def)
	ctx := context.Background()
	require.NoError(t, h.eng.InitializeEntity(ctx, "offer", "o-1", api.Context{
		"expiresAt": time.Now().Add(-time.Second),
	}))

	require.Eventually(t, func() bool { return evals.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.sched.firedMu.Lock()
	entries := len(h.sched.fired)
	h.sched.firedMu.Unlock()
	require.Equal(t, 1, entries)

	// The entity leaves the state; the dedupe entry goes with it.
	_, err := h.eng.Send(ctx, "offer", "o-1", "CLOSE", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h.sched.firedMu.Lock()
		defer h.sched.firedMu.Unlock()
		return len(h.sched.fired) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFunctionTriggerPollsPredicate(t *testing.T) {
	def := api.MachineDefinition{
		ID:           "import",
		InitialState: "waiting",
		States: map[string]api.StateDefinition{
			"waiting": {
				Triggers: []api.TriggerDefinition{{
					Kind:         api.TriggerFunction,
					Predicate:    "fileArrived",
					TargetState:  "processing",
					PollInterval: 15 * time.Millisecond,
				}},
			},
			"processing": {Terminal: true},
		},
		Predicates: map[string]api.Predicate{
			"fileArrived": func(ctx context.Context, c api.Context) (bool, error) {
				arrived, _ := c["fileArrived"].(bool)
				return arrived, nil
			},
		},
	}

	h := newHarness(t, def)
	ctx := context.Background()
	require.NoError(t, h.eng.InitializeEntity(ctx, "import", "j-1", nil))

	// Predicate false: several polls, no movement.
	time.Sleep(60 * time.Millisecond)
	state, err := h.eng.GetState(ctx, "import", "j-1")
	require.NoError(t, err)
	assert.Equal(t, "waiting", state)

	require.NoError(t, h.eng.UpdateContext(ctx, "import", "j-1", map[string]any{"fileArrived": true}))
	h.waitForState(t, "import", "j-1", "processing")

	hist, err := h.eng.GetTransitionHistory(ctx, "import", "j-1", api.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, api.SourceFunction, hist[0].TriggeredBy)
}

func TestSchedulerLifecycle(t *testing.T) {
	eng := engine.NewInMemory(nil)
	sched := New(Config{
		Registry: eng.Registry(),
		Records:  eng.Records(),
		Bus:      eng.Bus(),
		Engine:   eng,
	})

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()), "second Start must fail")

	sched.Stop()
	sched.Stop() // idempotent

	// Restartable after Stop.
	require.NoError(t, sched.Start(context.Background()))
	sched.Stop()
}

func TestSchedulerStartRejectsBadCron(t *testing.T) {
	def := api.MachineDefinition{
		ID:           "broken",
		InitialState: "a",
		States: map[string]api.StateDefinition{
			"a": {
				Triggers: []api.TriggerDefinition{{
					Kind:        api.TriggerCron,
					Schedule:    "not a schedule",
					TargetState: "a",
				}},
			},
		},
	}

	eng := engine.NewInMemory(nil)
	// Bypass registration validation deliberately: the registry accepts any
	// non-empty schedule string, parsing happens at scheduler start.
	require.NoError(t, eng.RegisterMachine(def))

	sched := New(Config{
		Registry: eng.Registry(),
		Records:  eng.Records(),
		Bus:      eng.Bus(),
		Engine:   eng,
	})
	err := sched.Start(context.Background())
	require.Error(t, err)
	assert.True(t, api.IsConfigError(err))
}
