// Package timed is a simulated sink backend: every request "plays" for a
// configured duration measured by a timer, optionally after a prepare delay
// and optionally looping. It stands in for real audio, vibra and led
// drivers and exercises every part of the engine's sink contract.
package timed

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/feedbackd/internal/config"
	"github.com/roach88/feedbackd/internal/engine"
)

// Property suffixes read from the request, prefixed with "<sink>.".
const (
	// EnabledSuffix: a false "<sink>.enabled" makes the sink decline the request.
	EnabledSuffix = ".enabled"
	// FailSuffix: a true "<sink>.fail" makes Prepare fail, e.g. for a
	// missing sound file.
	FailSuffix = ".fail"
	// DurationSuffix: "<sink>.duration" in milliseconds overrides the
	// configured duration.
	DurationSuffix = ".duration"
)

var (
	ErrNotInitialized = errors.New("sink not initialized")
	ErrClosed         = errors.New("sink shut down")
	ErrPrepareFailed  = errors.New("prepare failed")
)

type phase int

const (
	phasePreparing phase = iota
	phasePrepared
	phasePlaying
	phasePaused
	phaseEnded
)

// playback is the per-request state. gen invalidates timers that fire
// after the state they were started for was replaced.
type playback struct {
	phase     phase
	timer     *time.Timer
	gen       uint64
	duration  time.Duration
	remaining time.Duration
	started   time.Time
}

// Sink plays requests for a fixed duration.
type Sink struct {
	cfg config.Sink

	mu     sync.Mutex
	core   engine.Core
	plays  map[*engine.Request]*playback
	closed bool
}

// New creates a sink from its configuration.
func New(cfg config.Sink) *Sink {
	return &Sink{
		cfg:   cfg,
		plays: make(map[*engine.Request]*playback),
	}
}

func (s *Sink) Name() string { return s.cfg.Name }

// Initialize stores the callback surface.
func (s *Sink) Initialize(core engine.Core) error {
	if core == nil {
		return fmt.Errorf("%s: %w", s.cfg.Name, ErrNotInitialized)
	}
	s.mu.Lock()
	s.core = core
	s.mu.Unlock()
	return nil
}

// CanHandle declines requests that disable this sink.
func (s *Sink) CanHandle(req *engine.Request) bool {
	enabled, ok := req.Properties().LookupBool(s.cfg.Name + EnabledSuffix)
	return !ok || enabled
}

// Prepare starts the prepare delay and synchronizes when it elapses.
func (s *Sink) Prepare(req *engine.Request) error {
	if req.Properties().GetBool(s.cfg.Name + FailSuffix) {
		return fmt.Errorf("%s: %w", s.cfg.Name, ErrPrepareFailed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}

	pb := s.reset(req)
	pb.phase = phasePreparing
	gen := pb.gen
	if s.cfg.PrepareDelay <= 0 {
		pb.phase = phasePrepared
		s.core.Synchronize(s, req)
		return nil
	}
	pb.timer = time.AfterFunc(s.cfg.PrepareDelay, func() { s.prepared(req, gen) })

	slog.Debug("sink preparing",
		"sink", s.cfg.Name,
		"request_id", req.ID(),
		"delay", s.cfg.PrepareDelay,
	)
	return nil
}

// Play starts the duration timer, or resumes a paused playback with the
// time it had left. A Play while already playing changes nothing, and so
// does a resume that arrives while the sink still waits for its batch. A
// start for a paused request begins paused.
func (s *Sink) Play(req *engine.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}

	pb, ok := s.plays[req]
	switch {
	case ok && (pb.phase == phasePlaying || pb.phase == phaseEnded):
		return nil
	case ok && pb.phase == phasePaused:
		s.start(req, pb, pb.remaining)
		slog.Debug("sink resumed", "sink", s.cfg.Name, "request_id", req.ID(), "remaining", pb.remaining)
		return nil
	case ok && pb.phase == phasePreparing,
		ok && pb.phase == phasePrepared && !req.IsPlaying(s):
		slog.Debug("sink resume before start ignored", "sink", s.cfg.Name, "request_id", req.ID())
		return nil
	}

	if !ok {
		pb = s.reset(req)
	}
	pb.duration = s.duration(req)
	if req.IsPaused() {
		s.hold(pb, pb.duration)
	} else {
		s.start(req, pb, pb.duration)
	}

	if s.cfg.Loop && !req.IsMaster(s) {
		s.core.SetResyncOnMaster(s, req)
	}
	slog.Debug("sink playing",
		"sink", s.cfg.Name,
		"request_id", req.ID(),
		"duration", pb.duration,
		"master", req.IsMaster(s),
		"paused", req.IsPaused(),
	)
	return nil
}

// Pause stops the timer and keeps the remaining time. A sink that has not
// started yet has nothing to pause; it reads the request's paused flag when
// its batch starts.
func (s *Sink) Pause(req *engine.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pb, ok := s.plays[req]
	if !ok || pb.phase != phasePlaying {
		return nil
	}
	s.hold(pb, max(pb.remaining-time.Since(pb.started), 0))
	return nil
}

// Stop cancels any timer and forgets the request.
func (s *Sink) Stop(req *engine.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pb, ok := s.plays[req]
	if !ok {
		return
	}
	if pb.timer != nil {
		pb.timer.Stop()
	}
	delete(s.plays, req)
	slog.Debug("sink stopped", "sink", s.cfg.Name, "request_id", req.ID())
}

// Shutdown cancels every timer. Later Prepare and Play calls fail.
func (s *Sink) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for req, pb := range s.plays {
		if pb.timer != nil {
			pb.timer.Stop()
		}
		delete(s.plays, req)
	}
	s.closed = true
}

// Active returns the number of requests the sink holds state for.
func (s *Sink) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plays)
}

func (s *Sink) usable() error {
	if s.closed {
		return fmt.Errorf("%s: %w", s.cfg.Name, ErrClosed)
	}
	if s.core == nil {
		return fmt.Errorf("%s: %w", s.cfg.Name, ErrNotInitialized)
	}
	return nil
}

// reset replaces the state for req, cancelling an outstanding timer.
// Caller holds mu.
func (s *Sink) reset(req *engine.Request) *playback {
	gen := uint64(0)
	if old, ok := s.plays[req]; ok {
		if old.timer != nil {
			old.timer.Stop()
		}
		gen = old.gen + 1
	}
	pb := &playback{gen: gen}
	s.plays[req] = pb
	return pb
}

// hold parks pb as paused with d left to play. Caller holds mu.
func (s *Sink) hold(pb *playback, d time.Duration) {
	if pb.timer != nil {
		pb.timer.Stop()
	}
	pb.gen++
	pb.phase = phasePaused
	pb.remaining = d
}

// start arms the duration timer. Caller holds mu.
func (s *Sink) start(req *engine.Request, pb *playback, d time.Duration) {
	pb.gen++
	gen := pb.gen
	pb.phase = phasePlaying
	pb.remaining = d
	pb.started = time.Now()
	pb.timer = time.AfterFunc(d, func() { s.elapsed(req, gen) })
}

func (s *Sink) duration(req *engine.Request) time.Duration {
	if ms, ok := req.Properties().LookupInt(s.cfg.Name + DurationSuffix); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return s.cfg.Duration
}

func (s *Sink) prepared(req *engine.Request, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pb, ok := s.plays[req]
	if !ok || pb.gen != gen || pb.phase != phasePreparing {
		return
	}
	pb.phase = phasePrepared
	s.core.Synchronize(s, req)
}

// elapsed runs when a playback ran its full duration. A looping master
// asks the engine to resynchronize and waits for the next Play; a looping
// follower repeats on its own until the master restarts it.
func (s *Sink) elapsed(req *engine.Request, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pb, ok := s.plays[req]
	if !ok || pb.gen != gen || pb.phase != phasePlaying {
		return
	}

	switch {
	case !s.cfg.Loop:
		pb.phase = phaseEnded
		slog.Debug("sink completed", "sink", s.cfg.Name, "request_id", req.ID())
		s.core.Complete(s, req)
	case req.IsMaster(s):
		pb.phase = phasePrepared
		slog.Debug("sink looped, resynchronizing", "sink", s.cfg.Name, "request_id", req.ID())
		s.core.Resynchronize(s, req)
	default:
		s.start(req, pb, pb.duration)
	}
}

// FromConfig builds one sink per configured entry, in declaration order.
func FromConfig(sinks config.Sinks) []*Sink {
	out := make([]*Sink, 0, len(sinks.List))
	for _, sc := range sinks.List {
		out = append(out, New(sc))
	}
	return out
}
