package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrSinkNil      = errors.New("sink is nil")
	ErrSinkExists   = errors.New("sink already registered")
	ErrInvalidName  = errors.New("invalid name")
	ErrInputNil     = errors.New("input is nil")
	ErrInputExists  = errors.New("input already registered")
	ErrUnknownSink  = errors.New("unknown sink")
	ErrEngineClosed = errors.New("engine closed")
)

// Sink is one output backend (audio, vibra, led, backlight, tone).
//
// Play starts or resumes output for the request; a Play while already
// playing must resume, never restart. A resume also reaches sinks that are
// still preparing; Request.IsPlaying is false for those and they must not
// start. A start while Request.IsPaused is true should begin paused.
// Stop ends output and releases per-request state. Neither may block: long
// work runs elsewhere and reports back through Core.
type Sink interface {
	Name() string
	Play(req *Request) error
	Stop(req *Request)
}

// Initializer is implemented by sinks that need setup at startup. A sink
// whose Initialize fails is removed from the registry.
type Initializer interface {
	Initialize(core Core) error
}

// Shutdowner is implemented by sinks and inputs that release resources.
type Shutdowner interface {
	Shutdown()
}

// CapabilityChecker lets a sink decline a request. Sinks without it accept
// every request.
type CapabilityChecker interface {
	CanHandle(req *Request) bool
}

// Preparer is implemented by sinks that need time before they can play.
// After a successful Prepare the sink must eventually call
// Core.Synchronize (or Core.Fail). Sinks without it are synchronized at once.
type Preparer interface {
	Prepare(req *Request) error
}

// Pauser is implemented by pausable sinks.
type Pauser interface {
	Pause(req *Request) error
}

// Core is the callback surface sinks use to report progress. Every method
// is safe from any goroutine and returns immediately; the engine handles
// the call on its loop. Calls are only meaningful between a successful
// Prepare or Play and the matching Stop.
type Core interface {
	Synchronize(s Sink, req *Request)
	Complete(s Sink, req *Request)
	Fail(s Sink, req *Request)
	SetResyncOnMaster(s Sink, req *Request)
	Resynchronize(s Sink, req *Request)
}

// SinkHandle is a registered sink with its startup priority.
type SinkHandle struct {
	Name     string
	Priority int
	Sink     Sink

	index int
}

// SinkRegistry holds sinks in registration order.
type SinkRegistry struct {
	handles []*SinkHandle
	byName  map[string]*SinkHandle
}

// NewSinkRegistry creates an empty registry.
func NewSinkRegistry() *SinkRegistry {
	return &SinkRegistry{byName: make(map[string]*SinkHandle)}
}

// Register adds s with priority 0. Use SetOrder to assign priorities.
func (r *SinkRegistry) Register(s Sink) (*SinkHandle, error) {
	return r.RegisterWithPriority(s, 0)
}

// RegisterWithPriority adds s with an explicit priority.
func (r *SinkRegistry) RegisterWithPriority(s Sink, priority int) (*SinkHandle, error) {
	if s == nil {
		return nil, ErrSinkNil
	}
	name := s.Name()
	if err := validateName(name); err != nil {
		return nil, err
	}
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSinkExists, name)
	}
	h := &SinkHandle{Name: name, Priority: priority, Sink: s, index: len(r.handles)}
	r.handles = append(r.handles, h)
	r.byName[name] = h
	return h, nil
}

// SetOrder assigns descending priorities from a configured ordering: the
// first name gets the highest priority. Sinks not listed get 0. Unknown
// names are reported as an error after every known name was applied.
func (r *SinkRegistry) SetOrder(order []string) error {
	var unknown []string
	for _, h := range r.handles {
		h.Priority = 0
	}
	for i, name := range order {
		h, ok := r.byName[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		h.Priority = len(order) - i
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSink, strings.Join(unknown, ", "))
	}
	return nil
}

// Lookup returns the handle registered under name.
func (r *SinkRegistry) Lookup(name string) (*SinkHandle, bool) {
	h, ok := r.byName[name]
	return h, ok
}

// Handles returns the handles in registration order.
func (r *SinkRegistry) Handles() []*SinkHandle {
	return append([]*SinkHandle(nil), r.handles...)
}

// Len returns the number of registered sinks.
func (r *SinkRegistry) Len() int { return len(r.handles) }

func (r *SinkRegistry) remove(name string) {
	h, ok := r.byName[name]
	if !ok {
		return
	}
	delete(r.byName, name)
	r.handles, _ = removeHandle(r.handles, h)
}

// sortByPriority orders handles by descending priority; equal priorities
// keep registration order.
func sortByPriority(list []*SinkHandle) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].index < list[j].index
	})
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
