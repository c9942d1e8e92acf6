// Package api contains the core building blocks of the flowstate runtime:
// machine definitions, the Engine interface, the error taxonomy, audit
// records, and the Observer used for logging and metrics.
//
// Most users interact with the higher-level flowstate package, which
// re-exports selected types and provides engine constructors for the
// supported store backends. The api package is intended for custom
// integrations or contributors extending the runtime itself.
//
// # Machine definitions
//
// A MachineDefinition is the static specification of a class of entities:
// its states, the events each state accepts, guard and action references,
// and trigger declarations. Definitions are validated eagerly when
// registered: every transition target and every named guard, action,
// condition, and predicate must resolve, or registration fails with a
// ConfigError. Nothing fails lazily mid-transition.
//
// # Concurrency model
//
// Engines coordinate exclusively through their backing store. Every
// state-mutating operation acquires a short-lived lease keyed by
// (machine, entity) before touching the record, so independent worker
// processes sharing a store are serialized per entity and fully parallel
// across entities. A crashed lease holder is recovered by TTL expiry; this
// trades strict exclusivity for liveness, and a TTL set shorter than the
// slowest action can in principle let a slow-but-alive holder be preempted.
//
// # Failure semantics
//
// State and audit log are only written after the guard and both actions
// succeed. A guard rejection or action error leaves both untouched; an
// action error may still leave externally visible side effects, so actions
// should be idempotent or safely re-runnable. Lock timeouts are retriable;
// invalid transitions and guard rejections are terminal business errors.
package api
