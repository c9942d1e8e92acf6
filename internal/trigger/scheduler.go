// Package trigger turns declared trigger conditions (external events, cron
// ticks, deadlines, and polled predicates) into automatic transitions.
// Every firing goes through the engine's lock path exactly as a manual Send
// would, so trigger-driven and manual transitions can never race to two
// different outcomes for the same entity.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/mkallio/flowstate/internal/bus"
	"github.com/mkallio/flowstate/internal/persistence"
	"github.com/mkallio/flowstate/internal/registry"
	"github.com/mkallio/flowstate/pkg/api"
)

// Engine is the slice of the transition engine the scheduler needs.
type Engine interface {
	FireTrigger(ctx context.Context, machineID, entityID, fromState, target string, source api.TriggerSource, data map[string]any) (*api.TransitionResult, error)
}

// Defaults for the polling trigger kinds.
const (
	DefaultDateScanInterval = time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultPoolSize         = 16
)

// Config wires a Scheduler.
type Config struct {
	Registry *registry.Registry
	Records  persistence.RecordStore
	Bus      bus.Bus
	Engine   Engine
	Observer api.Observer

	// PoolSize bounds concurrent condition evaluations and firings.
	PoolSize int

	// DateScanInterval is how often date triggers re-read deadlines.
	DateScanInterval time.Duration

	// DefaultPollInterval applies to function triggers that declare none.
	DefaultPollInterval time.Duration
}

// Scheduler runs every trigger declared by the registered machines. One
// Scheduler serves one process; additional processes run their own against
// the same store, and the per-entity lock keeps them from double-firing
// (the loser of the race observes the already-moved state and gives up).
type Scheduler struct {
	cfg  Config
	obs  api.Observer
	pool pond.Pool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()

	// Date-trigger dedupe: trigger instance key -> deadline already handled.
	firedMu sync.Mutex
	fired   map[string]time.Time
}

// New creates a Scheduler. Start must be called before any trigger runs.
func New(cfg Config) *Scheduler {
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.DateScanInterval <= 0 {
		cfg.DateScanInterval = DefaultDateScanInterval
	}
	if cfg.DefaultPollInterval <= 0 {
		cfg.DefaultPollInterval = DefaultPollInterval
	}
	return &Scheduler{
		cfg:   cfg,
		obs:   cfg.Observer,
		fired: make(map[string]time.Time),
	}
}

// Start subscribes event triggers and launches cron, date, and function
// loops for every machine in the registry. It fails fast on an unparsable
// cron schedule. Calling Start twice without Stop is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("trigger scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.pool = pond.NewPool(s.cfg.PoolSize)

	for _, def := range s.cfg.Registry.All() {
		for stateName, state := range def.States {
			for i, trig := range state.Triggers {
				if err := s.startTrigger(ctx, def, stateName, i, trig); err != nil {
					cancel()
					s.teardownLocked()
					return err
				}
			}
		}
	}

	s.running = true
	return nil
}

// Stop cancels all trigger loops and waits for in-flight firings to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	s.teardownLocked()
	s.running = false
}

func (s *Scheduler) teardownLocked() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.wg.Wait()
	if s.pool != nil {
		// A late bus callback may still call Submit; pond rejects work on a
		// stopped pool instead of panicking, so the pool stays referenced.
		s.pool.StopAndWait()
	}
}

func (s *Scheduler) startTrigger(ctx context.Context, def api.MachineDefinition, stateName string, idx int, trig api.TriggerDefinition) error {
	switch trig.Kind {
	case api.TriggerEvent:
		return s.startEventTrigger(ctx, def, stateName, trig)
	case api.TriggerCron:
		return s.startCronTrigger(ctx, def, stateName, trig)
	case api.TriggerDate:
		s.startDateTrigger(ctx, def, stateName, idx, trig)
		return nil
	case api.TriggerFunction:
		s.startFunctionTrigger(ctx, def, stateName, trig)
		return nil
	default:
		return &api.ConfigError{MachineID: def.ID, Detail: fmt.Sprintf("unknown trigger kind %q", trig.Kind)}
	}
}

// startEventTrigger subscribes to the trigger's topic. The default topic is
// the engine's own entity-update signal for the machine; a declared
// EventName subscribes to an external application topic whose payload must
// carry an entityId field.
func (s *Scheduler) startEventTrigger(ctx context.Context, def api.MachineDefinition, stateName string, trig api.TriggerDefinition) error {
	topic := trig.EventName
	if topic == "" {
		topic = api.EntityTopic(def.ID)
	}

	handler := func(hctx context.Context, _ string, payload []byte) {
		sig, ok := s.decodeSignal(hctx, def.ID, payload)
		if !ok {
			return
		}
		if sig.State != stateName {
			return
		}
		s.pool.Submit(func() {
			s.evaluateAndFire(hctx, def, stateName, trig, api.SourceEvent, sig)
		})
	}

	unsub, err := s.cfg.Bus.Subscribe(ctx, topic, handler)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", topic, err)
	}
	s.unsubs = append(s.unsubs, unsub)
	return nil
}

// decodeSignal turns a bus payload into a Signal with the entity's state
// filled in. Engine-published payloads already are Signals; external topics
// only need to name the entity, and the record supplies the rest.
func (s *Scheduler) decodeSignal(ctx context.Context, machineID string, payload []byte) (api.Signal, bool) {
	var sig api.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return api.Signal{}, false
	}

	if sig.EntityID == "" {
		var raw map[string]any
		if err := json.Unmarshal(payload, &raw); err != nil {
			return api.Signal{}, false
		}
		id, _ := raw["entityId"].(string)
		if id == "" {
			return api.Signal{}, false
		}
		sig = api.Signal{MachineID: machineID, EntityID: id, Payload: raw}
	}
	if sig.MachineID == "" {
		sig.MachineID = machineID
	}

	if sig.State == "" {
		rec, err := s.cfg.Records.GetRecord(ctx, machineID, sig.EntityID)
		if err != nil {
			return api.Signal{}, false
		}
		sig.State = rec.State
		if sig.Current == nil {
			sig.Current = rec.Context
		}
	}
	return sig, true
}

func (s *Scheduler) startCronTrigger(ctx context.Context, def api.MachineDefinition, stateName string, trig api.TriggerDefinition) error {
	sched, err := ParseCron(trig.Schedule)
	if err != nil {
		return &api.ConfigError{MachineID: def.ID, Detail: err.Error()}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			next := sched.Next(time.Now())
			if next.IsZero() {
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			s.scanState(ctx, def, stateName, trig, api.SourceCron, nil)
		}
	}()
	return nil
}

func (s *Scheduler) startDateTrigger(ctx context.Context, def api.MachineDefinition, stateName string, idx int, trig api.TriggerDefinition) {
	dedupePrefix := fmt.Sprintf("%s:%s:%d:", def.ID, stateName, idx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.DateScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			s.scanDeadlines(ctx, def, stateName, trig, dedupePrefix)
		}
	}()
}

func (s *Scheduler) scanDeadlines(ctx context.Context, def api.MachineDefinition, stateName string, trig api.TriggerDefinition, dedupePrefix string) {
	recs, err := s.cfg.Records.ListByState(ctx, def.ID, stateName, 0)
	if err != nil {
		return
	}

	s.pruneFired(dedupePrefix, recs)

	now := time.Now()
	for _, rec := range recs {
		deadline, ok := parseDeadline(rec.Context[trig.DeadlineField])
		if !ok || now.Before(deadline) {
			// Deadlines are re-read every scan, so a rescheduled value
			// simply arms the next pass.
			continue
		}

		key := dedupePrefix + rec.EntityID
		s.firedMu.Lock()
		done := s.fired[key].Equal(deadline)
		if !done {
			s.fired[key] = deadline
		}
		s.firedMu.Unlock()
		if done {
			continue
		}

		rec := rec
		s.pool.Submit(func() {
			err := s.evaluateAndFire(ctx, def, stateName, trig, api.SourceDate, api.Signal{
				MachineID: def.ID,
				EntityID:  rec.EntityID,
				State:     stateName,
				Current:   rec.Context,
			})
			if api.IsRetriable(err) {
				// A transient loss (lock briefly held, store CAS race) must
				// not consume the deadline; the next scan retries it.
				s.firedMu.Lock()
				if s.fired[key].Equal(deadline) {
					delete(s.fired, key)
				}
				s.firedMu.Unlock()
			}
		})
	}
}

// pruneFired drops dedupe entries for entities no longer sitting in the
// owning state, keeping the map bounded by the state's population.
func (s *Scheduler) pruneFired(dedupePrefix string, recs []*persistence.Record) {
	present := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		present[rec.EntityID] = struct{}{}
	}

	s.firedMu.Lock()
	defer s.firedMu.Unlock()
	for key := range s.fired {
		id, ok := strings.CutPrefix(key, dedupePrefix)
		if !ok {
			continue
		}
		if _, live := present[id]; !live {
			delete(s.fired, key)
		}
	}
}

func (s *Scheduler) startFunctionTrigger(ctx context.Context, def api.MachineDefinition, stateName string, trig api.TriggerDefinition) {
	interval := trig.PollInterval
	if interval <= 0 {
		interval = s.cfg.DefaultPollInterval
	}
	predicate := def.Predicates[trig.Predicate]

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			s.scanState(ctx, def, stateName, trig, api.SourceFunction, predicate)
		}
	}()
}

// scanState enumerates entities sitting in the owning state and evaluates
// the trigger against each, bounded by the pool.
func (s *Scheduler) scanState(ctx context.Context, def api.MachineDefinition, stateName string, trig api.TriggerDefinition, source api.TriggerSource, predicate api.Predicate) {
	recs, err := s.cfg.Records.ListByState(ctx, def.ID, stateName, 0)
	if err != nil {
		return
	}

	for _, rec := range recs {
		rec := rec
		s.pool.Submit(func() {
			if predicate != nil {
				ok, err := predicate(ctx, rec.Context)
				if err != nil || !ok {
					return
				}
			}
			s.evaluateAndFire(ctx, def, stateName, trig, source, api.Signal{
				MachineID: def.ID,
				EntityID:  rec.EntityID,
				State:     stateName,
				Current:   rec.Context,
			})
		})
	}
}

// evaluateAndFire runs the trigger's condition and, on pass, attempts the
// transition, returning the engine's error. The engine re-checks the owning
// state under the entity lock, so a stale evaluation loses cleanly with an
// InvalidTransitionError.
func (s *Scheduler) evaluateAndFire(ctx context.Context, def api.MachineDefinition, stateName string, trig api.TriggerDefinition, source api.TriggerSource, sig api.Signal) error {
	if trig.Condition != "" {
		cond := def.Conditions[trig.Condition]
		ok, err := cond(ctx, sig)
		if err != nil || !ok {
			return nil
		}
	}

	s.obs.OnTriggerFired(ctx, def.ID, sig.EntityID, trig.Kind, trig.TargetState)

	_, err := s.cfg.Engine.FireTrigger(ctx, def.ID, sig.EntityID, stateName, trig.TargetState, source, sig.Payload)
	if err != nil && !api.IsInvalidTransition(err) && !api.IsLockTimeout(err) {
		s.obs.OnTransitionFailed(ctx, def.ID, sig.EntityID, string(source), err)
	}
	return err
}

// parseDeadline accepts the value shapes a context field may carry after a
// round trip through the codec or JSON: time.Time, RFC 3339 string, or Unix
// seconds as any numeric type.
func parseDeadline(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return d, true
	case string:
		t, err := time.Parse(time.RFC3339, d)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case int64:
		return time.Unix(d, 0), true
	case int:
		return time.Unix(int64(d), 0), true
	case float64:
		return time.Unix(int64(d), 0), true
	default:
		return time.Time{}, false
	}
}
