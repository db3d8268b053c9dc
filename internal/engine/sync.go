package engine

import "log/slog"

// synchronize moves h from preparing to prepared. The last sink to
// synchronize schedules the all-prepared task.
func (e *Engine) synchronize(req *Request, h *SinkHandle) {
	var ok bool
	req.preparing, ok = removeHandle(req.preparing, h)
	if !ok {
		slog.Debug("synchronize from sink that is not preparing",
			"request_id", req.id,
			"sink", h.Name,
		)
		return
	}
	req.prepared = addHandle(req.prepared, h)

	slog.Debug("sink synchronized",
		"request_id", req.id,
		"sink", h.Name,
		"waiting", len(req.preparing),
	)

	if len(req.preparing) == 0 {
		e.scheduleAllPrepared(req)
	}
}

// scheduleAllPrepared queues the all-prepared task under a new generation.
// Older generations still in the queue become no-ops.
func (e *Engine) scheduleAllPrepared(req *Request) {
	req.allPreparedGen++
	req.allPreparedPending = true
	e.enqueueInternal(Task{Kind: TaskAllPrepared, Request: req, gen: req.allPreparedGen})
}

// allPrepared starts every prepared sink. The first Play error fails the
// request and the rest of the batch is not started.
func (e *Engine) allPrepared(req *Request, gen uint64) {
	if !req.allPreparedPending || gen != req.allPreparedGen || !e.live(req) {
		slog.Debug("stale all-prepared task skipped", "request_id", req.id, "gen", gen)
		return
	}
	req.allPreparedPending = false

	batch := req.prepared
	req.prepared = nil

	started := make([]string, 0, len(batch))
	for _, h := range batch {
		// Joins playing before Play so the sink can tell this start from a
		// resume.
		req.playing = addHandle(req.playing, h)
		if err := h.Sink.Play(req); err != nil {
			req.playing, _ = removeHandle(req.playing, h)
			slog.Warn("sink play failed",
				"request_id", req.id,
				"sink", h.Name,
				"error", err,
			)
			e.failSink(req, h, CodePlayFailed, err)
			break
		}
		if _, ok := h.Sink.(Preparer); !ok {
			req.stopList = addHandle(req.stopList, h)
		}
		started = append(started, h.Name)
	}

	if len(started) > 0 {
		slog.Debug("sinks playing", "request_id", req.id, "sinks", started)
		e.record(req, EntryPlaying, func(en *Entry) { en.Sinks = started })
	}
}

// complete removes h from playing. The request is torn down once nothing
// plays and no sink is waiting to start, so a one-shot sink finishing
// during a resync does not end a looping request.
func (e *Engine) complete(req *Request, h *SinkHandle) {
	var ok bool
	req.playing, ok = removeHandle(req.playing, h)
	if !ok {
		slog.Debug("complete from sink that is not playing",
			"request_id", req.id,
			"sink", h.Name,
		)
		return
	}
	slog.Debug("sink completed",
		"request_id", req.id,
		"sink", h.Name,
		"remaining", len(req.playing),
	)
	if req.idle() {
		e.scheduleTeardown(req)
	}
}

// failSink fails req on behalf of h. Repeated failures are no-ops.
func (e *Engine) failSink(req *Request, h *SinkHandle, code FailureCode, err error) {
	if req.teardownPending {
		return
	}
	slog.Info("sink failed request",
		"request_id", req.id,
		"sink", h.Name,
		"code", string(code),
	)
	e.failRequest(req, newRequestError(code, req, h.Name, err))
}

// setResyncOnMaster registers h to be restarted whenever the master loops.
func (e *Engine) setResyncOnMaster(req *Request, h *SinkHandle) {
	if h == req.master || containsHandle(req.toResync, h) {
		return
	}
	req.toResync = append(req.toResync, h)
	slog.Debug("sink follows master", "request_id", req.id, "sink", h.Name, "master", req.master.Name)
}

// resynchronize restarts the master together with every sink registered
// through setResyncOnMaster. The dependents are stopped and prepared again;
// their synchronize callbacks then start the whole group through the
// ordinary all-prepared path.
func (e *Engine) resynchronize(req *Request, h *SinkHandle) {
	if h != req.master {
		slog.Debug("resynchronize from non-master sink ignored", "request_id", req.id, "sink", h.Name)
		return
	}
	if req.allPreparedPending {
		slog.Debug("resynchronize while start pending ignored", "request_id", req.id)
		return
	}
	var ok bool
	req.playing, ok = removeHandle(req.playing, h)
	if !ok {
		slog.Debug("resynchronize from master that is not playing", "request_id", req.id)
		return
	}
	req.prepared = addHandle(req.prepared, h)

	deps := req.toResync
	req.toResync = nil
	e.record(req, EntryResync, func(en *Entry) { en.Sinks = handleNames(deps) })

	if len(deps) == 0 {
		e.scheduleAllPrepared(req)
		return
	}

	for _, d := range deps {
		d.Sink.Stop(req)
		req.playing, _ = removeHandle(req.playing, d)
		req.prepared, _ = removeHandle(req.prepared, d)
		req.preparing = addHandle(req.preparing, d)
	}

	slog.Debug("resynchronizing on master",
		"request_id", req.id,
		"master", h.Name,
		"sinks", handleNames(deps),
	)

	for _, d := range deps {
		if req.teardownPending {
			return
		}
		p, ok := d.Sink.(Preparer)
		if !ok {
			e.synchronize(req, d)
			continue
		}
		if err := p.Prepare(req); err != nil {
			slog.Warn("sink re-prepare failed",
				"request_id", req.id,
				"sink", d.Name,
				"error", err,
			)
			e.failRequest(req, newRequestError(CodePrepareFailed, req, d.Name, err))
			return
		}
		req.stopList = addHandle(req.stopList, d)
	}
}
