package timed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/feedbackd/internal/config"
	"github.com/roach88/feedbackd/internal/engine"
	"github.com/roach88/feedbackd/internal/property"
)

type call struct {
	kind string
	sink string
	req  *engine.Request
}

// fakeCore records sink callbacks on a channel.
type fakeCore struct {
	calls chan call
}

func newFakeCore() *fakeCore { return &fakeCore{calls: make(chan call, 64)} }

func (c *fakeCore) Synchronize(s engine.Sink, req *engine.Request) {
	c.calls <- call{"synchronize", s.Name(), req}
}
func (c *fakeCore) Complete(s engine.Sink, req *engine.Request) {
	c.calls <- call{"complete", s.Name(), req}
}
func (c *fakeCore) Fail(s engine.Sink, req *engine.Request) { c.calls <- call{"fail", s.Name(), req} }
func (c *fakeCore) SetResyncOnMaster(s engine.Sink, req *engine.Request) {
	c.calls <- call{"set_resync", s.Name(), req}
}
func (c *fakeCore) Resynchronize(s engine.Sink, req *engine.Request) {
	c.calls <- call{"resynchronize", s.Name(), req}
}

func (c *fakeCore) next(t *testing.T) call {
	t.Helper()
	select {
	case got := <-c.calls:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("no sink callback")
		return call{}
	}
}

func (c *fakeCore) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case got := <-c.calls:
		t.Fatalf("unexpected callback %s from %s", got.kind, got.sink)
	case <-time.After(wait):
	}
}

func newRequest(props property.Map) *engine.Request {
	return engine.New().NewRequest(nil, "ringtone", props)
}

func newSink(t *testing.T, cfg config.Sink) (*Sink, *fakeCore) {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "audio"
	}
	core := newFakeCore()
	s := New(cfg)
	require.NoError(t, s.Initialize(core))
	return s, core
}

func TestSink_CanHandle(t *testing.T) {
	s, _ := newSink(t, config.Sink{Duration: time.Second})

	assert.True(t, s.CanHandle(newRequest(nil)))
	assert.True(t, s.CanHandle(newRequest(property.Map{"audio.enabled": property.Bool(true)})))
	assert.False(t, s.CanHandle(newRequest(property.Map{"audio.enabled": property.Bool(false)})))
	assert.True(t, s.CanHandle(newRequest(property.Map{"vibra.enabled": property.Bool(false)})))
}

func TestSink_PrepareWithoutDelaySynchronizesAtOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, core := newSink(t, config.Sink{Duration: time.Second})
	req := newRequest(nil)

	require.NoError(t, s.Prepare(req))
	got := core.next(t)
	assert.Equal(t, "synchronize", got.kind)
	assert.Same(t, req, got.req)

	s.Stop(req)
	assert.Zero(t, s.Active())
}

func TestSink_PrepareDelay(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, core := newSink(t, config.Sink{Duration: time.Second, PrepareDelay: 10 * time.Millisecond})
	req := newRequest(nil)

	start := time.Now()
	require.NoError(t, s.Prepare(req))
	assert.Equal(t, "synchronize", core.next(t).kind)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	s.Stop(req)
}

func TestSink_PrepareFailure(t *testing.T) {
	s, core := newSink(t, config.Sink{Duration: time.Second})

	err := s.Prepare(newRequest(property.Map{"audio.fail": property.Bool(true)}))
	require.ErrorIs(t, err, ErrPrepareFailed)
	assert.Zero(t, s.Active())
	core.none(t, 20*time.Millisecond)
}

func TestSink_StopCancelsPrepare(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, core := newSink(t, config.Sink{Duration: time.Second, PrepareDelay: 20 * time.Millisecond})
	req := newRequest(nil)

	require.NoError(t, s.Prepare(req))
	s.Stop(req)
	core.none(t, 60*time.Millisecond)
}

func TestSink_PlayCompletesAfterDuration(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, core := newSink(t, config.Sink{Duration: 10 * time.Millisecond})
	req := newRequest(nil)

	require.NoError(t, s.Play(req))
	got := core.next(t)
	assert.Equal(t, "complete", got.kind)
	assert.Equal(t, "audio", got.sink)
	assert.Equal(t, 1, s.Active())

	s.Stop(req)
	assert.Zero(t, s.Active())
}

func TestSink_PlayTwiceDoesNotRestart(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, core := newSink(t, config.Sink{Duration: 20 * time.Millisecond})
	req := newRequest(nil)

	require.NoError(t, s.Play(req))
	require.NoError(t, s.Play(req))
	assert.Equal(t, "complete", core.next(t).kind)
	core.none(t, 60*time.Millisecond)
	s.Stop(req)
}

// A resume reaches sinks that are still preparing. It must neither start
// them nor swallow the pending synchronize.
func TestSink_ResumeWhilePreparingDoesNotStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, core := newSink(t, config.Sink{Duration: 10 * time.Millisecond, PrepareDelay: 20 * time.Millisecond})
	req := newRequest(nil)

	require.NoError(t, s.Prepare(req))
	require.NoError(t, s.Pause(req))
	require.NoError(t, s.Play(req))

	assert.Equal(t, "synchronize", core.next(t).kind)
	core.none(t, 40*time.Millisecond)
	s.Stop(req)
}

func TestSink_ResumeWhilePreparedWaitsForBatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, core := newSink(t, config.Sink{Duration: 10 * time.Millisecond})
	req := newRequest(nil)

	require.NoError(t, s.Prepare(req))
	assert.Equal(t, "synchronize", core.next(t).kind)

	require.NoError(t, s.Play(req))
	core.none(t, 40*time.Millisecond)
	assert.Equal(t, 1, s.Active())
	s.Stop(req)
}

func TestSink_DurationOverride(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, core := newSink(t, config.Sink{Duration: time.Hour})
	req := newRequest(property.Map{"audio.duration": property.Int(5)})

	require.NoError(t, s.Play(req))
	assert.Equal(t, "complete", core.next(t).kind)
	s.Stop(req)
}

func TestSink_PauseResume(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, core := newSink(t, config.Sink{Duration: 40 * time.Millisecond})
	req := newRequest(nil)

	require.NoError(t, s.Play(req))
	require.NoError(t, s.Pause(req))
	core.none(t, 80*time.Millisecond)

	require.NoError(t, s.Play(req))
	assert.Equal(t, "complete", core.next(t).kind)
	s.Stop(req)
}

func TestSink_PauseWithoutPlayIsNoop(t *testing.T) {
	s, _ := newSink(t, config.Sink{Duration: time.Second})
	assert.NoError(t, s.Pause(newRequest(nil)))
	assert.Zero(t, s.Active())
}

func TestSink_StopCancelsPlayback(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, core := newSink(t, config.Sink{Duration: 20 * time.Millisecond})
	req := newRequest(nil)

	require.NoError(t, s.Play(req))
	s.Stop(req)
	s.Stop(req)
	core.none(t, 60*time.Millisecond)
}

func TestSink_LoopingFollowerRegistersAndRepeats(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, core := newSink(t, config.Sink{Name: "vibra", Duration: 5 * time.Millisecond, Loop: true})
	req := newRequest(nil)

	require.NoError(t, s.Play(req))
	got := core.next(t)
	assert.Equal(t, "set_resync", got.kind)
	assert.Equal(t, "vibra", got.sink)

	// A follower repeats on its own and never completes.
	core.none(t, 40*time.Millisecond)
	assert.Equal(t, 1, s.Active())
	s.Stop(req)
}

func TestSink_NotInitialized(t *testing.T) {
	s := New(config.Sink{Name: "led", Duration: time.Second})

	assert.ErrorIs(t, s.Play(newRequest(nil)), ErrNotInitialized)
	assert.ErrorIs(t, s.Prepare(newRequest(nil)), ErrNotInitialized)
	assert.ErrorIs(t, s.Initialize(nil), ErrNotInitialized)
}

func TestSink_Shutdown(t *testing.T) {
	defer goleak.VerifyNone(t)
	s, core := newSink(t, config.Sink{Duration: 20 * time.Millisecond})

	require.NoError(t, s.Play(newRequest(nil)))
	s.Shutdown()
	assert.Zero(t, s.Active())
	core.none(t, 50*time.Millisecond)

	assert.ErrorIs(t, s.Play(newRequest(nil)), ErrClosed)
}

func TestFromConfig(t *testing.T) {
	sinks := FromConfig(config.Sinks{List: []config.Sink{
		{Name: "audio", Duration: time.Second},
		{Name: "led", Duration: time.Second},
	}})
	require.Len(t, sinks, 2)
	assert.Equal(t, "audio", sinks[0].Name())
	assert.Equal(t, "led", sinks[1].Name())
}
