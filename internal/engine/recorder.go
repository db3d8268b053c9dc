package engine

import (
	"context"

	"github.com/roach88/feedbackd/internal/property"
)

// EntryKind names a request lifecycle milestone in the journal.
type EntryKind string

const (
	EntryCreated  EntryKind = "created"
	EntryResolved EntryKind = "resolved"
	EntrySelected EntryKind = "selected"
	EntryPlaying  EntryKind = "playing"
	EntryResync   EntryKind = "resync"
	EntryFailed   EntryKind = "failed"
	EntryFallback EntryKind = "fallback"
	EntryFinished EntryKind = "finished"
)

// Entry is one journal record. Seq comes from the engine Clock.
type Entry struct {
	Seq        int64
	RequestID  uint32
	Token      string
	Event      string
	Kind       EntryKind
	Sinks      []string
	Code       FailureCode
	Fallback   bool
	Properties property.Map
}

// Recorder persists lifecycle entries. Record is called on the engine loop
// and should return quickly; errors are logged and otherwise ignored.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Entry) error { return nil }
