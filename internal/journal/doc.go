// Package journal provides the SQLite-backed request journal.
//
// Every lifecycle milestone the engine reports (created, resolved,
// selected, playing, resync, failed, fallback, finished) becomes one row.
// Rows are keyed by the engine's logical clock, so a request's history
// reads back in the order it happened regardless of wall time. A fallback
// replay shares the token of the request it replaces, so one token covers
// a whole client-visible request.
//
// # Storage
//
//   - entries.properties holds canonical JSON (sorted keys, NFC strings)
//   - entries.properties_hash is its SHA-256, for grouping identical asks
//   - Writes use ON CONFLICT(seq) DO NOTHING, so re-recording is harmless
//
// # Database Configuration
//
//   - WAL mode: trace reads while the daemon writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: tolerate lock contention
package journal
