// Package property provides the typed key/value container used for event
// rules, event defaults, request state and the global context.
//
// Values form a closed set: String, Int, Uint, Bool and Pointer. Reads are
// forgiving by design of the callers: an absent key or a key holding another
// variant yields the zero value from the Get* accessors and ok=false from
// the Lookup* accessors. Nothing in this package panics on a missing key.
//
// This package imports nothing internal.
package property
