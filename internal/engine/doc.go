// Package engine implements the feedbackd request orchestrator.
//
// The engine resolves a play request to an event template, selects the sinks
// able to render it and drives them so they start together, stay in step
// while looping and report exactly one outcome.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every request mutation happens on the goroutine running Run. Transports and
// sinks never touch request state directly; they enqueue a Task and return.
// This gives:
// - No locking on request tracking sets
// - Callbacks for one request never overlap
// - A sink is never called back synchronously from its own callback
//
// Request Lifecycle:
// 1. Play: snapshot properties, fire NewRequest, resolve the event
// 2. Merge template defaults under the client values, fire TransformProperties
// 3. Capability check, fire FilterSinks, sort by priority, pick the master
// 4. Prepare each sink; sinks without Prepare synchronize immediately
// 5. Last Synchronize schedules all-prepared, which calls Play on the batch
// 6. Last Complete schedules teardown
// 7. Teardown stops the stop list and reports success, error or replays
//    the request once with its ".fallback" properties
//
// Failures from any step (NO_EVENT, NO_SINK, PREPARE_FAILED, PLAY_FAILED,
// SINK_FAILED) set the failed flag and share the teardown path. Nothing is
// reported synchronously to the caller of Play.
//
// Resync:
// Non-master sinks may ask to follow the master with SetResyncOnMaster. When
// the master loops it calls Resynchronize; the followers are stopped and
// prepared again, and the group restarts through the all-prepared path.
//
// CRITICAL PATTERNS:
//
// Deferred Tasks:
// Teardown and all-prepared are queued, never run inline from the step that
// triggered them. A teardown task is scheduled at most once per request, which
// makes Stop and Fail idempotent. All-prepared tasks carry a generation so a
// stop or a newer schedule turns stale ones into no-ops.
//
// Logical Clock:
// Journal entries are stamped by Clock.Next(), never by wall-clock time.
package engine
