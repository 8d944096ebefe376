// Package scheduler is the durable per-guild task scheduler.
//
// # Overview
//
// Consumers schedule work to run after a delay (single-shot) or on a fixed
// interval (repeating). Tasks are persisted into the owning guild's document
// under the "scheduler" key and survive process restarts: on startup every
// guild's tasks are resumed and re-attached to their handlers.
//
// Handlers cannot be persisted, so a task stores only a kind string plus an
// opaque JSON payload. The live handler for a kind is resolved through the
// Registry at fire time. Consumers must register their kinds before resume
// runs; a task whose kind has no handler yet is held pending, never dropped.
//
// # Timing
//
// A single tick loop scans all guilds on a fixed interval. Within one guild,
// due tasks fire in ascending due-time order (creation order breaks ties).
// Repeating tasks rebase their next due time off the previous scheduled due
// time, not the wall clock, so late ticks don't accumulate drift. A task
// overdue across downtime fires exactly once on the next tick; a repeating
// plan then skips whole missed periods instead of firing a catch-up burst.
//
// # Failure semantics
//
// A handler error (or panic) is logged and the task still transitions per
// its plan; the scheduler never retries a firing on its own. Every durable
// mutation is saved before the call returns or the tick proceeds; a failed
// save during a tick is retried on the next tick and flushed on Stop.
package scheduler
