package httpinput

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/feedbackd/internal/engine"
	"github.com/roach88/feedbackd/internal/property"
)

const maxBodyBytes = 64 << 10

// PlayRequest is the body of POST /v1/requests.
type PlayRequest struct {
	Event      string       `json:"event"`
	Properties property.Map `json:"properties,omitempty"`
	// Wait holds the HTTP response until the request finished.
	Wait bool `json:"wait,omitempty"`
}

// RequestStatus describes a request in responses.
type RequestStatus struct {
	ID     uint32 `json:"id"`
	Token  string `json:"token"`
	Event  string `json:"event"`
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Status values.
const (
	StatusAccepted  = "accepted"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var body PlayRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}

	ctl, err := s.controller()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	req := ctl.NewRequest(s, body.Event, body.Properties)
	t, err := s.track(req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !ctl.Play(req) {
		s.untrack(t)
		writeError(w, http.StatusServiceUnavailable, engine.ErrEngineClosed.Error())
		return
	}

	slog.Debug("http request accepted",
		"request_id", req.ID(),
		"token", req.Token(),
		"event", req.Name(),
		"wait", body.Wait,
	)

	status := RequestStatus{ID: req.ID(), Token: req.Token(), Event: req.Name()}
	if !body.Wait {
		status.Status = StatusAccepted
		writeJSON(w, http.StatusAccepted, status)
		return
	}

	// A client that hangs up does not cancel playback; it only stops waiting.
	select {
	case res := <-t.done:
		writeOutcome(w, status, res)
	case <-r.Context().Done():
		slog.Debug("client stopped waiting", "request_id", req.ID())
	}
}

func writeOutcome(w http.ResponseWriter, status RequestStatus, res result) {
	if res.err == nil {
		status.Status = StatusCompleted
		writeJSON(w, http.StatusOK, status)
		return
	}

	status.Status = StatusFailed
	status.Error = res.err.Error()
	httpStatus := http.StatusUnprocessableEntity
	switch code, ok := engine.FailureCodeOf(res.err); {
	case ok:
		status.Code = string(code)
		if code == engine.CodeNoEvent {
			httpStatus = http.StatusNotFound
		}
	case errors.Is(res.err, engine.ErrEngineClosed):
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, status)
}

func (s *Server) handleListRequests(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]RequestStatus, 0, len(s.requests))
	for _, t := range s.requests {
		out = append(out, RequestStatus{ID: t.req.ID(), Token: t.req.Token(), Event: t.req.Name(), Status: StatusActive})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.requestFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, RequestStatus{ID: req.ID(), Token: req.Token(), Event: req.Name(), Status: StatusActive})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, engine.Controller.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, engine.Controller.Resume)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, engine.Controller.Stop)
}

// control forwards pause, resume or stop for the request named in the path.
func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(engine.Controller, *engine.Request) bool) {
	req, ok := s.requestFromPath(w, r)
	if !ok {
		return
	}
	ctl, err := s.controller()
	if err != nil || !op(ctl, req) {
		writeError(w, http.StatusServiceUnavailable, engine.ErrEngineClosed.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, RequestStatus{ID: req.ID(), Token: req.Token(), Event: req.Name(), Status: StatusAccepted})
}

func (s *Server) requestFromPath(w http.ResponseWriter, r *http.Request) (*engine.Request, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id: "+raw)
		return nil, false
	}
	req, ok := s.lookup(uint32(id))
	if !ok {
		writeError(w, http.StatusNotFound, "no active request "+raw)
		return nil, false
	}
	return req, true
}

func (s *Server) handleGetContext(w http.ResponseWriter, _ *http.Request) {
	ctl, err := s.controller()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ctl.Context().Snapshot())
}

// handleSetContext publishes {"value": <scalar>} under the path key.
func (s *Server) handleSetContext(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body property.Map
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid context value: "+err.Error())
		return
	}
	v, ok := body.Get("value")
	if !ok {
		writeError(w, http.StatusBadRequest, `body must be {"value": <scalar>}`)
		return
	}
	ctl, err := s.controller()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	ctl.Context().Set(key, v)
	slog.Info("context updated", "key", key, "value", v.String())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	ctl, err := s.controller()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	key := chi.URLParam(r, "key")
	ctl.Context().Set(key, nil)
	slog.Info("context key removed", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
