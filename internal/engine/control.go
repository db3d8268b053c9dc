package engine

import "log/slog"

// current maps a request handed out to a transport onto the request
// actually running under its id, which differs once a fallback replay
// has replaced it.
func (e *Engine) current(req *Request) *Request {
	if cur, ok := e.active[req.id]; ok && cur != req && cur.token == req.token {
		return cur
	}
	return req
}

func (e *Engine) pauseRequest(req *Request) {
	req = e.current(req)
	if !e.live(req) || req.paused {
		return
	}
	for _, h := range req.allSinks {
		p, ok := h.Sink.(Pauser)
		if !ok {
			continue
		}
		if err := p.Pause(req); err != nil {
			slog.Warn("sink pause failed",
				"request_id", req.id,
				"sink", h.Name,
				"error", err,
			)
		}
	}
	req.paused = true
	slog.Debug("request paused", "request_id", req.id)
}

// resumeRequest calls Play on every sink again. Sinks treat a second Play
// as resume, not restart, and ignore it while they wait for their batch
// (see Request.IsPlaying). Errors are logged; the request keeps running.
func (e *Engine) resumeRequest(req *Request) {
	req = e.current(req)
	if !e.live(req) || !req.paused {
		return
	}
	req.paused = false
	for _, h := range req.allSinks {
		if err := h.Sink.Play(req); err != nil {
			slog.Warn("sink resume failed",
				"request_id", req.id,
				"sink", h.Name,
				"error", err,
			)
		}
	}
	slog.Debug("request resumed", "request_id", req.id)
}

// stopRequest tears req down without marking it failed, so an explicit stop
// never triggers a fallback.
func (e *Engine) stopRequest(req *Request) {
	req = e.current(req)
	if req.teardownPending || req.destroyed {
		return
	}
	if e.active[req.id] != req {
		// Play has not run yet or the request never selected a sink.
		slog.Debug("stop for inactive request ignored", "request_id", req.id)
		return
	}
	slog.Debug("request stop requested", "request_id", req.id)
	e.scheduleTeardown(req)
}
