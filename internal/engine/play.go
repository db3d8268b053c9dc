package engine

import (
	"log/slog"

	"github.com/roach88/feedbackd/internal/property"
)

// playRequest resolves req, selects its sinks and starts preparing them.
// Every failure funnels into the deferred teardown; nothing is reported to
// the caller synchronously.
func (e *Engine) playRequest(req *Request) {
	if req.props == nil {
		req.props = property.New()
	}
	req.original = req.props.Copy()
	e.metrics.RequestsStarted.Inc()
	e.record(req, EntryCreated, func(en *Entry) { en.Properties = req.original })

	e.hooks.NewRequest.Fire(req)

	// One snapshot per resolution so every context rule sees the same state.
	tmpl := e.events.Resolve(req.name, req.props, e.context.Snapshot())
	if tmpl == nil {
		slog.Info("no event matches request",
			"request_id", req.id,
			"event", req.name,
			"fallback", req.fallback,
		)
		req.noEvent = true
		e.failRequest(req, newRequestError(CodeNoEvent, req, "", nil))
		return
	}

	props := tmpl.Properties.Copy()
	props = property.Merge(props, req.props)
	req.props = props
	req.event = tmpl
	e.record(req, EntryResolved, func(en *Entry) { en.Properties = req.props.Copy() })

	e.hooks.TransformProperties.Fire(req)

	filter := &SinkFilter{Request: req, Sinks: e.capableSinks(req)}
	e.hooks.FilterSinks.Fire(filter)
	if len(filter.Sinks) == 0 {
		slog.Info("no sink can handle request", "request_id", req.id, "event", req.name)
		e.failRequest(req, newRequestError(CodeNoSink, req, "", nil))
		return
	}

	sinks := append([]*SinkHandle(nil), filter.Sinks...)
	sortByPriority(sinks)
	req.master = sinks[0]
	req.allSinks = sinks
	req.preparing = append([]*SinkHandle(nil), sinks...)
	e.active[req.id] = req
	e.metrics.ActiveRequests.Inc()

	slog.Debug("sinks selected",
		"request_id", req.id,
		"event", req.name,
		"sinks", handleNames(sinks),
		"master", req.master.Name,
	)
	e.record(req, EntrySelected, func(en *Entry) { en.Sinks = handleNames(sinks) })

	for _, h := range sinks {
		p, ok := h.Sink.(Preparer)
		if !ok {
			e.synchronize(req, h)
			continue
		}
		if err := p.Prepare(req); err != nil {
			slog.Warn("sink prepare failed",
				"request_id", req.id,
				"sink", h.Name,
				"error", err,
			)
			e.failRequest(req, newRequestError(CodePrepareFailed, req, h.Name, err))
			return
		}
		req.stopList = addHandle(req.stopList, h)
	}
}

// capableSinks returns every registered sink that accepts req, in
// registration order.
func (e *Engine) capableSinks(req *Request) []*SinkHandle {
	var out []*SinkHandle
	for _, h := range e.sinks.Handles() {
		if c, ok := h.Sink.(CapabilityChecker); ok && !c.CanHandle(req) {
			slog.Debug("sink declined request", "request_id", req.id, "sink", h.Name)
			continue
		}
		out = append(out, h)
	}
	return out
}

// failRequest marks req failed and schedules its teardown once.
func (e *Engine) failRequest(req *Request, err *RequestError) {
	if req.teardownPending {
		return
	}
	req.fail(err)
	e.metrics.Failures.WithLabelValues(string(err.Code)).Inc()
	e.record(req, EntryFailed, func(en *Entry) {
		en.Code = err.Code
		en.Sinks = []string{err.Sink}
		if err.Sink == "" {
			en.Sinks = nil
		}
	})
	e.scheduleTeardown(req)
}

// scheduleTeardown queues the shared teardown task unless one is pending.
// A pending all-prepared task is cancelled so no sink starts afterwards.
func (e *Engine) scheduleTeardown(req *Request) {
	if req.teardownPending {
		return
	}
	req.teardownPending = true
	req.allPreparedPending = false
	e.enqueueInternal(Task{Kind: TaskTeardown, Request: req})
}

// enqueueInternal queues deferred work. After Close the queue refuses new
// tasks; deferred work must still run so requests are torn down, so it is
// executed inline instead.
func (e *Engine) enqueueInternal(t Task) {
	if !e.queue.Enqueue(t) {
		e.process(t)
	}
}
