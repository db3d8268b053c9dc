package engine

import (
	"log/slog"
	"strings"

	"github.com/roach88/feedbackd/internal/property"
)

// teardown stops every sink in the stop list, releases the request and
// reports its outcome, replaying it once as a fallback when eligible.
func (e *Engine) teardown(req *Request) {
	if req.destroyed {
		return
	}

	for _, h := range req.stopList {
		h.Sink.Stop(req)
	}
	stopped := handleNames(req.stopList)
	req.clearTracking()
	req.allPreparedPending = false
	req.destroyed = true
	if e.active[req.id] == req {
		delete(e.active, req.id)
		e.metrics.ActiveRequests.Dec()
	}

	slog.Debug("request torn down",
		"request_id", req.id,
		"stopped", stopped,
		"failed", req.failed,
	)

	if !req.failed {
		e.finish(req, OutcomeSuccess)
		if req.input != nil {
			req.input.SendReply(req, 0)
		}
		return
	}

	if req.fallback || req.noEvent {
		e.reportError(req)
		return
	}

	props, ok := fallbackProperties(req.original)
	if !ok {
		e.reportError(req)
		return
	}

	replay := &Request{
		id:       req.id,
		token:    req.token,
		name:     req.name,
		input:    req.input,
		props:    props,
		fallback: true,
	}
	e.finish(req, OutcomeFallback)
	slog.Info("replaying failed request with fallback properties",
		"request_id", req.id,
		"event", req.name,
		"token", req.token,
	)
	e.record(replay, EntryFallback, func(en *Entry) { en.Properties = props })
	e.playRequest(replay)
}

func (e *Engine) reportError(req *Request) {
	e.finish(req, OutcomeError)
	if req.input == nil {
		return
	}
	var err error = req.failure
	if req.failure == nil {
		err = newRequestError(CodeSinkFailed, req, "", nil)
	}
	req.input.SendError(req, err)
}

func (e *Engine) finish(req *Request, outcome string) {
	e.metrics.RequestsFinished.WithLabelValues(outcome).Inc()
	e.record(req, EntryFinished, func(en *Entry) {
		if req.failure != nil {
			en.Code = req.failure.Code
		}
	})
}

// fallbackProperties copies original and writes every "<key>.fallback"
// value under "<key>", overriding what was there. It reports false when
// original carries no fallback key.
func fallbackProperties(original property.Map) (property.Map, bool) {
	out := original.Copy()
	found := false
	for _, k := range original.Keys() {
		base, ok := strings.CutSuffix(k, FallbackSuffix)
		if !ok || base == "" {
			continue
		}
		v, _ := original.Get(k)
		out.Set(base, v)
		found = true
	}
	return out, found
}
