package engine

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/feedbackd/internal/event"
	"github.com/roach88/feedbackd/internal/property"
)

// callLog records sink and input calls across fakes in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.all() {
		if c == call {
			n++
		}
	}
	return n
}

func (l *callLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// fakeSink implements every optional sink interface.
type fakeSink struct {
	name string
	log  *callLog
	core Core

	initErr    error
	prepareErr error
	playErr    error
	capable    func(*Request) bool
	prepareFn  func(*Request) error
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Initialize(core Core) error {
	s.core = core
	return s.initErr
}

func (s *fakeSink) CanHandle(req *Request) bool {
	if s.capable == nil {
		return true
	}
	return s.capable(req)
}

func (s *fakeSink) Prepare(req *Request) error {
	s.log.add("prepare %s", s.name)
	if s.prepareFn != nil {
		return s.prepareFn(req)
	}
	return s.prepareErr
}

func (s *fakeSink) Play(req *Request) error {
	s.log.add("%s", playCall(s, req))
	return s.playErr
}

func (s *fakeSink) Pause(req *Request) error {
	s.log.add("pause %s", s.name)
	return nil
}

func (s *fakeSink) Stop(req *Request) {
	s.log.add("stop %s", s.name)
}

// plainSink has only the mandatory methods: no prepare, no pause.
type plainSink struct {
	name string
	log  *callLog
	core Core
}

func (s *plainSink) Name() string { return s.name }

func (s *plainSink) Initialize(core Core) error {
	s.core = core
	return nil
}

func (s *plainSink) Play(req *Request) error {
	s.log.add("%s", playCall(s, req))
	return nil
}

func (s *plainSink) Stop(req *Request) {
	s.log.add("stop %s", s.name)
}

// playCall marks a Play the engine issued before the sink was started,
// i.e. a resume that reached a sink still waiting for its batch.
func playCall(s Sink, req *Request) string {
	if !req.IsPlaying(s) {
		return "play " + s.Name() + " (pending)"
	}
	return "play " + s.Name()
}

type fakeInput struct {
	name string
	log  *callLog
	ctl  Controller

	replies []*Request
	errs    []error
	done    chan struct{}
}

func (in *fakeInput) Name() string { return in.name }

func (in *fakeInput) Initialize(ctl Controller) error {
	in.ctl = ctl
	return nil
}

func (in *fakeInput) Shutdown() {}

func (in *fakeInput) SendReply(req *Request, code int) {
	in.log.add("reply %d", req.ID())
	in.replies = append(in.replies, req)
	in.signal()
}

func (in *fakeInput) SendError(req *Request, err error) {
	in.log.add("error %d", req.ID())
	in.errs = append(in.errs, err)
	in.signal()
}

func (in *fakeInput) signal() {
	if in.done == nil {
		return
	}
	select {
	case in.done <- struct{}{}:
	default:
	}
}

func (in *fakeInput) outcomes() int { return len(in.replies) + len(in.errs) }

type testRig struct {
	t     *testing.T
	e     *Engine
	log   *callLog
	input *fakeInput
}

// newRig creates an engine with the given templates, deterministic tokens
// and one input. Sinks are registered by the caller before init.
func newRig(t *testing.T, templates ...*event.Template) *testRig {
	t.Helper()
	reg := event.NewRegistry()
	for _, tmpl := range templates {
		reg.Register(tmpl)
	}
	log := &callLog{}
	e := New(WithEvents(reg), WithTokenGenerator(NewSequenceGenerator("tok")))
	in := &fakeInput{name: "test", log: log}
	require.NoError(t, e.Inputs().Register(in))
	return &testRig{t: t, e: e, log: log, input: in}
}

func (r *testRig) sink(name string, priority int) *fakeSink {
	r.t.Helper()
	s := &fakeSink{name: name, log: r.log}
	_, err := r.e.Sinks().RegisterWithPriority(s, priority)
	require.NoError(r.t, err)
	return s
}

func (r *testRig) plain(name string, priority int) *plainSink {
	r.t.Helper()
	s := &plainSink{name: name, log: r.log}
	_, err := r.e.Sinks().RegisterWithPriority(s, priority)
	require.NoError(r.t, err)
	return s
}

func (r *testRig) init() {
	r.t.Helper()
	require.NoError(r.t, r.e.Initialize())
}

// play creates and plays a request and drains the queue.
func (r *testRig) play(name string, props property.Map) *Request {
	r.t.Helper()
	req := r.e.NewRequest(r.input, name, props)
	require.True(r.t, r.e.Play(req))
	r.e.Drain()
	return req
}

// current returns the request running under id, or nil once finished.
func (r *testRig) current(id uint32) *Request {
	return r.e.active[id]
}

// assertDisjoint checks the tracking sets of a live request.
func assertDisjoint(t *testing.T, req *Request) {
	t.Helper()
	seen := make(map[*SinkHandle]string)
	for set, list := range map[string][]*SinkHandle{
		"preparing": req.preparing,
		"prepared":  req.prepared,
		"playing":   req.playing,
	} {
		for _, h := range list {
			require.Truef(t, containsHandle(req.allSinks, h), "%s in %s but not selected", h.Name, set)
			prev, dup := seen[h]
			require.Falsef(t, dup, "%s in both %s and %s", h.Name, prev, set)
			seen[h] = set
		}
	}
}

func ringtone(rules, props property.Map) *event.Template {
	return event.NewTemplate("ringtone", rules, props)
}
