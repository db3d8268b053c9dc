package engine

import (
	"github.com/roach88/feedbackd/internal/event"
	"github.com/roach88/feedbackd/internal/property"
)

// Request is one client-visible "play this event" ask.
//
// A Request is created by a transport through Controller.NewRequest and is
// owned by the Engine from the moment it is handed to Play until its
// terminal reply. Sinks and hooks read it; only the Engine's loop goroutine
// mutates it. Hooks fired before sink selection may edit Properties in place.
type Request struct {
	id    uint32
	token string
	name  string
	input Input

	original property.Map
	props    property.Map
	event    *event.Template

	paused   bool
	fallback bool
	failed   bool
	noEvent  bool
	failure  *RequestError

	// Sink tracking. A handle is in at most one of preparing/prepared and
	// at most once in playing. stopList only grows while the request is
	// active and is exactly the set that receives Stop at teardown.
	allSinks  []*SinkHandle
	preparing []*SinkHandle
	prepared  []*SinkHandle
	playing   []*SinkHandle
	toResync  []*SinkHandle
	stopList  []*SinkHandle
	master    *SinkHandle

	teardownPending    bool
	allPreparedPending bool
	allPreparedGen     uint64
	destroyed          bool
}

// ID returns the engine-assigned request id. A fallback replay keeps the id
// of the request it replaces.
func (r *Request) ID() uint32 { return r.id }

// Token returns the correlation token shared by a request and its fallback.
func (r *Request) Token() string { return r.token }

// Name returns the requested event name.
func (r *Request) Name() string { return r.name }

// Input returns the transport that created the request, or nil.
func (r *Request) Input() Input { return r.input }

// Properties returns the working property set. After resolution it holds
// the event defaults overridden by the client-supplied values.
func (r *Request) Properties() property.Map { return r.props }

// OriginalProperties returns the snapshot taken when play began.
// Callers must not modify it.
func (r *Request) OriginalProperties() property.Map { return r.original }

// Event returns the resolved template, or nil before resolution or when
// nothing matched.
func (r *Request) Event() *event.Template { return r.event }

func (r *Request) IsPaused() bool   { return r.paused }
func (r *Request) IsFallback() bool { return r.fallback }
func (r *Request) HasFailed() bool  { return r.failed }

// Failure returns the error that failed the request, or nil.
func (r *Request) Failure() error {
	if r.failure == nil {
		return nil
	}
	return r.failure
}

// Master returns the name of the master sink, or "" before selection.
func (r *Request) Master() string {
	if r.master == nil {
		return ""
	}
	return r.master.Name
}

// IsMaster reports whether s is this request's master sink.
func (r *Request) IsMaster(s Sink) bool {
	return r.master != nil && s != nil && r.master.Name == s.Name()
}

// IsPlaying reports whether the engine has started s for this request.
// Only meaningful from inside a sink step: a Play that arrives while it is
// false is a resume that reached the sink before its batch started.
func (r *Request) IsPlaying(s Sink) bool {
	if s == nil {
		return false
	}
	for _, h := range r.playing {
		if h.Name == s.Name() {
			return true
		}
	}
	return false
}

// Sinks returns the names of every sink selected for the request, master
// first.
func (r *Request) Sinks() []string { return handleNames(r.allSinks) }

// fail records the first failure; later failures keep the original cause.
func (r *Request) fail(err *RequestError) {
	r.failed = true
	if r.failure == nil {
		r.failure = err
	}
}

// idle reports whether no sink is playing, preparing or waiting for the
// all-prepared task.
func (r *Request) idle() bool {
	return len(r.playing) == 0 && len(r.preparing) == 0 && len(r.prepared) == 0 && !r.allPreparedPending
}

func (r *Request) clearTracking() {
	r.preparing = nil
	r.prepared = nil
	r.playing = nil
	r.toResync = nil
	r.stopList = nil
}

func containsHandle(list []*SinkHandle, h *SinkHandle) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

// addHandle appends h unless already present.
func addHandle(list []*SinkHandle, h *SinkHandle) []*SinkHandle {
	if containsHandle(list, h) {
		return list
	}
	return append(list, h)
}

// removeHandle deletes h and reports whether it was present.
func removeHandle(list []*SinkHandle, h *SinkHandle) ([]*SinkHandle, bool) {
	for i, x := range list {
		if x == h {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

func handleNames(list []*SinkHandle) []string {
	names := make([]string, len(list))
	for i, h := range list {
		names[i] = h.Name
	}
	return names
}
