package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/feedbackd/internal/event"
	"github.com/roach88/feedbackd/internal/globalctx"
	"github.com/roach88/feedbackd/internal/property"
)

// FallbackSuffix marks a property whose value replaces the unsuffixed key
// when a failed request is replayed.
const FallbackSuffix = ".fallback"

// Engine owns every request and drives the sinks selected for it.
//
// All request state changes happen on the single goroutine running Run (or
// Drain). Every exported entry point only enqueues a Task, so sinks and
// transports may call in from any goroutine and are never called back
// synchronously.
type Engine struct {
	events  *event.Registry
	context *globalctx.Context
	sinks   *SinkRegistry
	inputs  *InputRegistry
	hooks   Hooks

	queue    *taskQueue
	active   map[uint32]*Request
	nextID   atomic.Uint32
	tokens   TokenGenerator
	clock    *Clock
	recorder Recorder
	metrics  *Metrics

	// ctx is the context of the running loop, handed to the recorder.
	ctx context.Context
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents sets the initial event registry.
func WithEvents(r *event.Registry) Option {
	return func(e *Engine) { e.events = r }
}

// WithContext sets the global context.
func WithContext(c *globalctx.Context) Option {
	return func(e *Engine) { e.context = c }
}

// WithRecorder sets the journal recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTokenGenerator sets the correlation token source.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(e *Engine) { e.tokens = g }
}

// WithClock sets the journal clock, e.g. to resume numbering.
func WithClock(c *Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an Engine. Without options it has an empty event registry,
// an empty global context, no journal and privately registered metrics.
func New(opts ...Option) *Engine {
	e := &Engine{
		sinks:  NewSinkRegistry(),
		inputs: NewInputRegistry(),
		queue:  newTaskQueue(),
		active: make(map[uint32]*Request),
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.events == nil {
		e.events = event.NewRegistry()
	}
	if e.context == nil {
		e.context = globalctx.New(nil)
	}
	if e.tokens == nil {
		e.tokens = UUIDv7Generator{}
	}
	if e.clock == nil {
		e.clock = NewClock()
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return e
}

// Sinks returns the sink registry. Register sinks before Initialize.
func (e *Engine) Sinks() *SinkRegistry { return e.sinks }

// Inputs returns the input registry. Register inputs before Initialize.
func (e *Engine) Inputs() *InputRegistry { return e.inputs }

// Hooks returns the extension points. Connect before Run.
func (e *Engine) Hooks() *Hooks { return &e.hooks }

// Events returns the current event registry. Only the loop goroutine may
// use it once Run has started.
func (e *Engine) Events() *event.Registry { return e.events }

// Context returns the global context.
func (e *Engine) Context() *globalctx.Context { return e.context }

// ActiveRequests returns the number of requests with selected sinks.
// Loop goroutine only.
func (e *Engine) ActiveRequests() int { return len(e.active) }

// Initialize starts every sink and input and fires InitDone.
// A sink whose Initialize fails is dropped with a warning; an input failure
// aborts startup.
func (e *Engine) Initialize() error {
	for _, h := range e.sinks.Handles() {
		initer, ok := h.Sink.(Initializer)
		if !ok {
			continue
		}
		if err := initer.Initialize(e); err != nil {
			slog.Warn("sink failed to initialize, dropping it",
				"sink", h.Name,
				"error", err,
			)
			e.sinks.remove(h.Name)
			continue
		}
		slog.Debug("sink initialized", "sink", h.Name, "priority", h.Priority)
	}

	for _, in := range e.inputs.All() {
		if err := in.Initialize(e); err != nil {
			return fmt.Errorf("initialize input %s: %w", in.Name(), err)
		}
		slog.Debug("input initialized", "input", in.Name())
	}

	e.hooks.InitDone.Fire(e)
	slog.Info("engine initialized",
		"sinks", e.sinks.Len(),
		"inputs", len(e.inputs.All()),
		"events", len(e.events.Names()),
	)
	return nil
}

// Shutdown stops inputs first so no new requests arrive, then sinks.
func (e *Engine) Shutdown() {
	for _, in := range e.inputs.All() {
		in.Shutdown()
	}
	for _, h := range e.sinks.Handles() {
		if s, ok := h.Sink.(Shutdowner); ok {
			s.Shutdown()
		}
	}
}

// NewRequest creates a request for the named event. in may be nil for
// requests whose outcome nobody waits for.
func (e *Engine) NewRequest(in Input, name string, props property.Map) *Request {
	return &Request{
		id:    e.nextID.Add(1),
		token: e.tokens.Generate(),
		name:  name,
		input: in,
		props: props.Copy(),
	}
}

// Play asks the engine to resolve and play req.
func (e *Engine) Play(req *Request) bool {
	return e.queue.Enqueue(Task{Kind: TaskPlay, Request: req})
}

// Pause pauses every pausable sink of req.
func (e *Engine) Pause(req *Request) bool {
	return e.queue.Enqueue(Task{Kind: TaskPause, Request: req})
}

// Resume calls Play again on every sink of a paused req.
func (e *Engine) Resume(req *Request) bool {
	return e.queue.Enqueue(Task{Kind: TaskResume, Request: req})
}

// Stop tears req down. An explicit stop reports success and never falls back.
func (e *Engine) Stop(req *Request) bool {
	return e.queue.Enqueue(Task{Kind: TaskStop, Request: req})
}

// Synchronize reports that s finished preparing req.
func (e *Engine) Synchronize(s Sink, req *Request) {
	e.queue.Enqueue(Task{Kind: TaskSynchronize, Request: req, Sink: s})
}

// Complete reports that s finished playing req.
func (e *Engine) Complete(s Sink, req *Request) {
	e.queue.Enqueue(Task{Kind: TaskComplete, Request: req, Sink: s})
}

// Fail reports that s cannot continue with req.
func (e *Engine) Fail(s Sink, req *Request) {
	e.queue.Enqueue(Task{Kind: TaskFail, Request: req, Sink: s})
}

// SetResyncOnMaster asks that s be restarted whenever the master sink of
// req loops.
func (e *Engine) SetResyncOnMaster(s Sink, req *Request) {
	e.queue.Enqueue(Task{Kind: TaskSetResync, Request: req, Sink: s})
}

// Resynchronize is called by the master sink when it loops.
func (e *Engine) Resynchronize(s Sink, req *Request) {
	e.queue.Enqueue(Task{Kind: TaskResynchronize, Request: req, Sink: s})
}

// ReplaceEvents swaps the event registry. Requests already resolved keep
// their template.
func (e *Engine) ReplaceEvents(r *event.Registry) bool {
	return e.queue.Enqueue(Task{Kind: TaskReplaceEvents, events: r})
}

// QueueLen returns the number of pending tasks.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// Run processes tasks until ctx is cancelled or Close is called.
// It must be called from exactly one goroutine and never alongside Drain.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting")
	e.ctx = ctx

	for {
		if t, ok := e.queue.TryDequeue(); ok {
			e.process(t)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel is closed with the queue; exit once the
			// remaining tasks are drained.
			if e.queue.Closed() && e.queue.Len() == 0 {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Close stops accepting new tasks. Run returns after draining what is queued.
func (e *Engine) Close() {
	e.queue.Close()
}

// Drain processes queued tasks on the calling goroutine until the queue is
// empty, including tasks scheduled while draining. It returns the number of
// tasks processed. Intended for tests and one-shot tools.
func (e *Engine) Drain() int {
	n := 0
	for {
		t, ok := e.queue.TryDequeue()
		if !ok {
			return n
		}
		e.process(t)
		n++
	}
}

func (e *Engine) process(t Task) {
	e.metrics.TasksProcessed.WithLabelValues(t.Kind.String()).Inc()

	switch t.Kind {
	case TaskReplaceEvents:
		if t.events != nil {
			e.events = t.events
			slog.Info("event registry replaced", "events", len(t.events.Names()), "templates", t.events.Len())
		}
		return
	case TaskPlay:
		if t.Request == nil {
			slog.Warn("play task without request")
			return
		}
		e.playRequest(t.Request)
		return
	}

	req := t.Request
	if req == nil {
		slog.Warn("task without request", "kind", t.Kind.String())
		return
	}

	switch t.Kind {
	case TaskPause:
		e.pauseRequest(req)
	case TaskResume:
		e.resumeRequest(req)
	case TaskStop:
		e.stopRequest(req)
	case TaskAllPrepared:
		e.allPrepared(req, t.gen)
	case TaskTeardown:
		e.teardown(req)
	case TaskSynchronize, TaskComplete, TaskFail, TaskSetResync, TaskResynchronize:
		e.sinkCallback(t)
	default:
		slog.Warn("unknown task kind", "kind", int(t.Kind))
	}
}

// sinkCallback resolves the calling sink to its handle and dispatches.
func (e *Engine) sinkCallback(t Task) {
	req := t.Request
	if t.Sink == nil {
		slog.Warn("sink callback without sink", "kind", t.Kind.String(), "request_id", req.id)
		return
	}
	h, ok := e.sinks.Lookup(t.Sink.Name())
	if !ok {
		slog.Warn("callback from unregistered sink", "kind", t.Kind.String(), "sink", t.Sink.Name())
		return
	}
	if !e.live(req) {
		slog.Debug("callback for finished request ignored",
			"kind", t.Kind.String(),
			"request_id", req.id,
			"sink", h.Name,
		)
		return
	}

	switch t.Kind {
	case TaskSynchronize:
		e.synchronize(req, h)
	case TaskComplete:
		e.complete(req, h)
	case TaskFail:
		e.failSink(req, h, CodeSinkFailed, nil)
	case TaskSetResync:
		e.setResyncOnMaster(req, h)
	case TaskResynchronize:
		e.resynchronize(req, h)
	}
}

// live reports whether req is the active request registered under its id
// and has not been scheduled for teardown.
func (e *Engine) live(req *Request) bool {
	return e.active[req.id] == req && !req.teardownPending && !req.destroyed
}

func (e *Engine) record(req *Request, kind EntryKind, mutate func(*Entry)) {
	entry := Entry{
		Seq:       e.clock.Next(),
		RequestID: req.id,
		Token:     req.token,
		Event:     req.name,
		Kind:      kind,
		Fallback:  req.fallback,
	}
	if mutate != nil {
		mutate(&entry)
	}
	if err := e.recorder.Record(e.ctx, entry); err != nil {
		slog.Warn("journal write failed",
			"request_id", req.id,
			"kind", string(kind),
			"error", err,
		)
	}
}
