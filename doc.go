// Package flowstate provides a lightweight, embeddable state machine engine
// for Go.
//
// Flowstate is designed for backend services whose entities move through
// well-defined lifecycles (orders, documents, approvals, provisioning jobs)
// and whose state must survive process restarts. It runs fully in Go,
// supports multiple persistence backends, and integrates cleanly into
// existing codebases.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. MachineBuilder
//  3. Triggers
//  4. Runner and Worker
//
// # Engine
//
// The Engine holds registered machine definitions and drives entities
// through them. It provides APIs to:
//   - register machine definitions
//   - create entities in a machine's initial state
//   - send events that attempt transitions
//   - read entity state, context, and transition history
//
// Every transition runs under a per-entity lease so concurrent senders in
// one process or across many processes serialize safely. Exactly one of a
// set of racing senders wins; the rest observe either an invalid
// transition from the new state or a lock timeout.
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Redis (multi-process deployments, with pub/sub notifications)
//
// # MachineBuilder
//
// MachineBuilder provides the declarative API used to define machines:
// states, event transitions, guards, entry and exit actions, terminal
// states, and automatic triggers. Machines can also be loaded from YAML
// documents with LoadMachineYAML, binding named functions in Go.
//
// # Triggers
//
// States may declare triggers that transition entities without an external
// caller:
//
//   - event: fires when a message arrives on a topic (by default the
//     entity's own context-change signals)
//   - cron: fires on a schedule for every entity sitting in the state
//   - date: fires when a deadline stored in the entity context passes
//   - function: polls a predicate against the entity context
//
// Trigger firings go through the same lease and persistence path as manual
// events, so they cannot corrupt state even when racing with Send.
//
// # Runner and Worker
//
// A Worker hosts the trigger scheduler for a process. Runner bundles an
// Engine with a Worker so a single object registers machines, serves
// manual calls, and runs triggers. Multiple workers can share a Redis
// backend; leases guarantee each firing happens once.
//
// For observability, attach a LoggingObserver, a MetricsObserver, or a
// CompositeObserver combining several.
package flowstate
