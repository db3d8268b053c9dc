package harness

import (
	"errors"
	"fmt"

	"github.com/roach88/feedbackd/internal/engine"
	"github.com/roach88/feedbackd/internal/property"
)

var (
	errScriptedPrepare = errors.New("scripted prepare failure")
	errScriptedPlay    = errors.New("scripted play failure")
)

// scriptedSink records every call the engine makes into the trace and
// otherwise does only what its SinkSpec says. Callbacks other than an
// immediate synchronize come from scenario steps.
type scriptedSink struct {
	spec     SinkSpec
	failWhen property.Map
	h        *Harness
	core     engine.Core
}

func (s *scriptedSink) Name() string { return s.spec.Name }

func (s *scriptedSink) Initialize(core engine.Core) error {
	s.core = core
	return nil
}

func (s *scriptedSink) CanHandle(*engine.Request) bool { return !s.spec.Decline }

func (s *scriptedSink) Prepare(req *engine.Request) error {
	s.h.sinkCall(s.spec.Name, "prepare", req)
	if s.spec.Prepare == PrepareFail || s.failsOn(req) {
		return fmt.Errorf("%s: %w", s.spec.Name, errScriptedPrepare)
	}
	if s.spec.Prepare == PrepareImmediate {
		s.core.Synchronize(s, req)
	}
	return nil
}

// Play traces a resume that reaches a sink before its batch started as
// "play ... (pending)".
func (s *scriptedSink) Play(req *engine.Request) error {
	if !req.IsPlaying(s) {
		s.h.sinkCall(s.spec.Name, "play", req, "(pending)")
		return nil
	}
	s.h.sinkCall(s.spec.Name, "play", req)
	if s.spec.FailPlay {
		return fmt.Errorf("%s: %w", s.spec.Name, errScriptedPlay)
	}
	return nil
}

func (s *scriptedSink) Pause(req *engine.Request) error {
	s.h.sinkCall(s.spec.Name, "pause", req)
	return nil
}

func (s *scriptedSink) Stop(req *engine.Request) {
	s.h.sinkCall(s.spec.Name, "stop", req)
}

func (s *scriptedSink) failsOn(req *engine.Request) bool {
	if len(s.failWhen) == 0 {
		return false
	}
	props := req.Properties()
	for _, k := range s.failWhen.Keys() {
		got, ok := props.Get(k)
		if !ok || !property.Equal(s.failWhen[k], got) {
			return false
		}
	}
	return true
}

// unpreparedSink exposes a scriptedSink without Prepare or Pause, for
// sinks that are synchronized as soon as they are selected.
type unpreparedSink struct {
	s *scriptedSink
}

func (u unpreparedSink) Name() string                       { return u.s.Name() }
func (u unpreparedSink) Initialize(core engine.Core) error  { return u.s.Initialize(core) }
func (u unpreparedSink) CanHandle(req *engine.Request) bool { return u.s.CanHandle(req) }
func (u unpreparedSink) Play(req *engine.Request) error     { return u.s.Play(req) }
func (u unpreparedSink) Stop(req *engine.Request)           { u.s.Stop(req) }

func newScriptedSink(h *Harness, spec SinkSpec) (engine.Sink, error) {
	failWhen, err := property.FromMap(spec.FailWhen)
	if err != nil {
		return nil, fmt.Errorf("sink %s: fail_when: %w", spec.Name, err)
	}
	s := &scriptedSink{spec: spec, failWhen: failWhen, h: h}
	if spec.Prepare == PrepareNone {
		return unpreparedSink{s: s}, nil
	}
	return s, nil
}
