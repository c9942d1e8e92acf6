// Package worker provides the process-level runtime host for flowstate
// trigger scheduling.
//
// A Worker owns one trigger Scheduler and a stable worker identity. Multiple
// workers, in one process or across many, can serve the same machines
// against the same store: every trigger firing goes through the per-entity
// lease, so duplicate detection costs at most a lost lock race, never a
// double transition.
//
// Workers are long-lived. Typical usage:
//
//	w := worker.New(sched, worker.Config{})
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/mkallio/flowstate/internal/trigger"
)

// Config configures a Worker.
type Config struct {
	// ID is the worker's stable identity. Empty means a random UUID.
	ID string
}

// Worker hosts a trigger scheduler with start/stop lifecycle management.
type Worker struct {
	id    string
	sched *trigger.Scheduler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates a Worker around the given scheduler.
func New(sched *trigger.Scheduler, cfg Config) *Worker {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Worker{id: id, sched: sched}
}

// ID returns the worker's identity.
func (w *Worker) ID() string { return w.id }

// Start launches the trigger scheduler. Calling Start on a running worker
// is an error.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("worker already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := w.sched.Start(ctx); err != nil {
		cancel()
		return err
	}

	w.cancel = cancel
	w.running = true
	return nil
}

// Stop shuts the scheduler down and waits for in-flight trigger firings to
// finish. Stop is idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.cancel()
	w.sched.Stop()
	w.running = false
}
