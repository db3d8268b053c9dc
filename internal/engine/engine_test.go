package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/feedbackd/internal/event"
	"github.com/roach88/feedbackd/internal/globalctx"
	"github.com/roach88/feedbackd/internal/property"
)

var errBoom = errors.New("boom")

func TestEngine_New_Defaults(t *testing.T) {
	e := New()

	assert.NotNil(t, e.Events())
	assert.NotNil(t, e.Context())
	assert.NotNil(t, e.clock)
	assert.NotNil(t, e.metrics)
	assert.Equal(t, 0, e.ActiveRequests())
	assert.Equal(t, 0, e.QueueLen())
}

func TestEngine_NewRequest_AssignsIDAndToken(t *testing.T) {
	r := newRig(t)

	props := property.Map{"volume": property.Int(10)}
	a := r.e.NewRequest(r.input, "ringtone", props)
	b := r.e.NewRequest(r.input, "ringtone", nil)

	assert.Equal(t, uint32(1), a.ID())
	assert.Equal(t, uint32(2), b.ID())
	assert.Equal(t, "tok-1", a.Token())
	assert.Equal(t, "tok-2", b.Token())

	// The request owns a copy.
	props.SetInt("volume", 99)
	assert.Equal(t, int64(10), a.Properties().GetInt("volume"))
}

func TestEngine_Initialize_DropsFailingSink(t *testing.T) {
	r := newRig(t)
	good := r.sink("audio", 10)
	bad := r.sink("led", 5)
	bad.initErr = errBoom

	r.init()

	assert.Equal(t, 1, r.e.Sinks().Len())
	_, ok := r.e.Sinks().Lookup("led")
	assert.False(t, ok)
	assert.NotNil(t, good.core)
}

func TestEngine_Initialize_FiresInitDone(t *testing.T) {
	r := newRig(t)
	var fired *Engine
	r.e.Hooks().InitDone.Connect(0, func(e *Engine) { fired = e })

	r.init()

	assert.Same(t, r.e, fired)
	assert.NotNil(t, r.input.ctl)
}

// Two sinks synchronize in reverse priority order; neither plays before
// both are prepared.
func TestEngine_PlayWaitsForAllSinks(t *testing.T) {
	r := newRig(t, ringtone(nil, property.Map{"volume": property.Int(50)}))
	high := r.sink("audio", 10)
	low := r.sink("vibra", 5)
	r.init()

	req := r.play("ringtone", nil)
	assert.Equal(t, []string{"prepare audio", "prepare vibra"}, r.log.all())
	assert.Equal(t, "audio", req.Master())
	assert.Equal(t, []string{"audio", "vibra"}, req.Sinks())
	assertDisjoint(t, req)

	low.core.Synchronize(low, req)
	r.e.Drain()
	assert.Zero(t, r.log.count("play audio"))
	assert.Zero(t, r.log.count("play vibra"))
	assertDisjoint(t, req)

	high.core.Synchronize(high, req)
	r.e.Drain()
	assert.Equal(t, 1, r.log.count("play audio"))
	assert.Equal(t, 1, r.log.count("play vibra"))
	assert.Len(t, req.playing, 2)
	assertDisjoint(t, req)

	high.core.Complete(high, req)
	r.e.Drain()
	assert.Zero(t, r.input.outcomes(), "one sink still playing")

	low.core.Complete(low, req)
	r.e.Drain()
	require.Len(t, r.input.replies, 1)
	assert.Empty(t, r.input.errs)
	assert.Equal(t, 1, r.log.count("stop audio"))
	assert.Equal(t, 1, r.log.count("stop vibra"))
	assert.Equal(t, 0, r.e.ActiveRequests())
}

func TestEngine_MergesTemplateUnderRequest(t *testing.T) {
	r := newRig(t, ringtone(nil, property.Map{
		"volume": property.Int(50),
		"sound":  property.String("ring.wav"),
	}))
	r.plain("audio", 1)
	r.init()

	req := r.play("ringtone", property.Map{"volume": property.Int(80)})

	assert.Equal(t, int64(80), req.Properties().GetInt("volume"))
	assert.Equal(t, "ring.wav", req.Properties().GetString("sound"))
	assert.False(t, req.OriginalProperties().Has("sound"))
	require.NotNil(t, req.Event())
	assert.True(t, req.Event().IsDefault())
}

func TestEngine_ResolvesAgainstGlobalContext(t *testing.T) {
	r := newRig(t,
		ringtone(nil, property.Map{"volume": property.Int(50)}),
		ringtone(property.Map{"context@profile": property.String("silent")}, property.Map{"volume": property.Int(0)}),
	)
	r.plain("audio", 1)
	r.init()
	r.e.Context().Set("profile", property.String("silent"))

	req := r.play("ringtone", nil)

	assert.Equal(t, int64(0), req.Properties().GetInt("volume"))
}

func TestEngine_PrepareFailure_StopsPreparedAndFallsBack(t *testing.T) {
	r := newRig(t, ringtone(nil, property.Map{"tone": property.String("ring.wav")}))
	audio := r.sink("audio", 10)
	tone := r.sink("tone", 5)
	tone.prepareFn = func(req *Request) error {
		if req.Properties().GetString("tone") == "default.wav" {
			return nil
		}
		return errBoom
	}
	r.init()

	req := r.play("ringtone", property.Map{
		"tone":          property.String("custom.wav"),
		"tone.fallback": property.String("default.wav"),
	})

	assert.Equal(t, []string{
		"prepare audio", "prepare tone",
		"stop audio",
		"prepare audio", "prepare tone",
	}, r.log.all())
	assert.True(t, req.HasFailed())
	code, ok := FailureCodeOf(req.Failure())
	require.True(t, ok)
	assert.Equal(t, CodePrepareFailed, code)
	assert.Zero(t, r.input.outcomes(), "fallback replay is invisible to the input")

	replay := r.current(req.ID())
	require.NotNil(t, replay)
	assert.NotSame(t, req, replay)
	assert.True(t, replay.IsFallback())
	assert.Equal(t, req.Token(), replay.Token())
	assert.Equal(t, "default.wav", replay.Properties().GetString("tone"))

	audio.core.Synchronize(audio, replay)
	tone.core.Synchronize(tone, replay)
	r.e.Drain()
	audio.core.Complete(audio, replay)
	tone.core.Complete(tone, replay)
	r.e.Drain()

	require.Len(t, r.input.replies, 1)
	assert.Same(t, replay, r.input.replies[0])
	assert.Empty(t, r.input.errs)
}

func TestEngine_FallbackAttemptedOnce(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	tone := r.sink("tone", 1)
	tone.prepareErr = errBoom
	r.init()

	r.play("ringtone", property.Map{"tone.fallback": property.String("default.wav")})

	assert.Equal(t, 2, r.log.count("prepare tone"))
	assert.Empty(t, r.input.replies)
	require.Len(t, r.input.errs, 1)
	code, ok := FailureCodeOf(r.input.errs[0])
	require.True(t, ok)
	assert.Equal(t, CodePrepareFailed, code)
	assert.Equal(t, 0, r.e.ActiveRequests())
}

func TestEngine_FailureWithoutFallbackReportsError(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	tone := r.sink("tone", 1)
	tone.prepareErr = errBoom
	r.init()

	r.play("ringtone", nil)

	assert.Equal(t, 1, r.log.count("prepare tone"))
	assert.Zero(t, r.log.count("stop tone"), "failed prepare is not stopped")
	require.Len(t, r.input.errs, 1)
	assert.ErrorIs(t, r.input.errs[0], errBoom)
}

func TestEngine_NoEvent(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	r.sink("audio", 1)
	r.init()

	req := r.play("sms", property.Map{"tone.fallback": property.String("x.wav")})

	assert.Equal(t, []string{"error 1"}, r.log.all(), "no sink touched")
	require.Len(t, r.input.errs, 1)
	assert.True(t, IsResolutionFailure(r.input.errs[0]))
	assert.True(t, req.HasFailed())
	assert.Nil(t, req.Event())
}

func TestEngine_NoSink(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	audio := r.sink("audio", 1)
	audio.capable = func(*Request) bool { return false }
	r.init()

	r.play("ringtone", nil)

	assert.Zero(t, r.log.count("prepare audio"))
	require.Len(t, r.input.errs, 1)
	assert.True(t, IsSelectionFailure(r.input.errs[0]))
}

func TestEngine_FilterSinksHook(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	r.sink("audio", 10)
	r.sink("led", 5)
	r.e.Hooks().FilterSinks.Connect(0, func(f *SinkFilter) { f.Remove("audio") })
	r.init()

	req := r.play("ringtone", nil)

	assert.Equal(t, []string{"led"}, req.Sinks())
	assert.Equal(t, "led", req.Master())
}

func TestEngine_HookOrder(t *testing.T) {
	r := newRig(t, ringtone(nil, property.Map{"volume": property.Int(50)}))
	r.plain("audio", 1)

	var order []string
	r.e.Hooks().NewRequest.Connect(0, func(req *Request) {
		order = append(order, "new")
		assert.Nil(t, req.Event())
	})
	r.e.Hooks().TransformProperties.Connect(0, func(req *Request) {
		order = append(order, "transform")
		require.NotNil(t, req.Event())
		req.Properties().SetInt("volume", req.Properties().GetInt("volume")/2)
	})
	r.e.Hooks().FilterSinks.Connect(0, func(*SinkFilter) { order = append(order, "filter") })
	r.init()

	req := r.play("ringtone", nil)

	assert.Equal(t, []string{"new", "transform", "filter"}, order)
	assert.Equal(t, int64(25), req.Properties().GetInt("volume"))
}

func TestEngine_PlayFailure(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	audio := r.sink("audio", 10)
	vibra := r.sink("vibra", 5)
	audio.playErr = errBoom
	r.init()

	req := r.play("ringtone", nil)
	audio.core.Synchronize(audio, req)
	vibra.core.Synchronize(vibra, req)
	r.e.Drain()

	// audio synchronized first so it heads the batch; vibra never starts.
	assert.Equal(t, 1, r.log.count("play audio"))
	assert.Zero(t, r.log.count("play vibra"))
	assert.Equal(t, 1, r.log.count("stop audio"))
	assert.Equal(t, 1, r.log.count("stop vibra"))
	require.Len(t, r.input.errs, 1)
	code, _ := FailureCodeOf(r.input.errs[0])
	assert.Equal(t, CodePlayFailed, code)
}

func TestEngine_PlainSinkJoinsStopListWhenPlaying(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	led := r.plain("led", 1)
	r.init()

	req := r.play("ringtone", nil)
	assert.Equal(t, []string{"play led"}, r.log.all())
	assert.True(t, containsHandle(req.stopList, req.master))

	led.core.Complete(led, req)
	r.e.Drain()

	assert.Equal(t, []string{"play led", "stop led", "reply 1"}, r.log.all())
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	audio := r.sink("audio", 1)
	r.init()

	req := r.play("ringtone", property.Map{"tone.fallback": property.String("x.wav")})
	audio.core.Synchronize(audio, req)
	r.e.Drain()

	require.True(t, r.e.Stop(req))
	require.True(t, r.e.Stop(req))
	r.e.Drain()
	require.True(t, r.e.Stop(req))
	r.e.Drain()

	assert.Equal(t, 1, r.log.count("stop audio"))
	assert.Len(t, r.input.replies, 1, "explicit stop reports success")
	assert.Empty(t, r.input.errs)
	assert.False(t, req.HasFailed())
}

func TestEngine_FailIsIdempotent(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	audio := r.sink("audio", 10)
	vibra := r.sink("vibra", 5)
	r.init()

	req := r.play("ringtone", nil)
	audio.core.Synchronize(audio, req)
	vibra.core.Synchronize(vibra, req)
	r.e.Drain()

	audio.core.Fail(audio, req)
	audio.core.Fail(audio, req)
	vibra.core.Fail(vibra, req)
	r.e.Drain()

	assert.Equal(t, 1, r.log.count("stop audio"))
	assert.Equal(t, 1, r.log.count("stop vibra"))
	require.Len(t, r.input.errs, 1)
	assert.Empty(t, r.input.replies)
	var re *RequestError
	require.ErrorAs(t, r.input.errs[0], &re)
	assert.Equal(t, CodeSinkFailed, re.Code)
	assert.Equal(t, "audio", re.Sink)
}

func TestEngine_StopCancelsPendingStart(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	r.plain("led", 1)
	r.init()

	req := r.e.NewRequest(r.input, "ringtone", nil)
	require.True(t, r.e.Play(req))
	require.True(t, r.e.Stop(req))
	r.e.Drain()

	assert.Zero(t, r.log.count("play led"), "sinks must not start after stop")
	assert.Len(t, r.input.replies, 1)
}

func TestEngine_CallbacksAfterTeardownIgnored(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	led := r.plain("led", 1)
	r.init()

	req := r.play("ringtone", nil)
	led.core.Complete(led, req)
	r.e.Drain()
	r.log.reset()

	led.core.Complete(led, req)
	led.core.Fail(led, req)
	led.core.Synchronize(led, req)
	r.e.Drain()

	assert.Empty(t, r.log.all())
	assert.Equal(t, 1, r.input.outcomes())
}

func TestEngine_PauseResume(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	audio := r.sink("audio", 10)
	r.plain("led", 5)
	r.init()

	req := r.play("ringtone", nil)
	audio.core.Synchronize(audio, req)
	r.e.Drain()
	r.log.reset()

	// Resume on a request that was never paused does nothing.
	r.e.Resume(req)
	r.e.Drain()
	assert.Empty(t, r.log.all())

	r.e.Pause(req)
	r.e.Pause(req)
	r.e.Drain()
	assert.True(t, req.IsPaused())
	assert.Equal(t, []string{"pause audio"}, r.log.all())

	r.log.reset()
	r.e.Resume(req)
	r.e.Drain()
	assert.False(t, req.IsPaused())
	assert.ElementsMatch(t, []string{"play audio", "play led"}, r.log.all())
}

// A resume reaches sinks that have not started yet. They are told apart by
// IsPlaying, and the batch still starts each of them once when the last one
// synchronizes.
func TestEngine_PauseResumeWhilePreparing(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	audio := r.sink("audio", 10)
	led := r.plain("led", 5)
	r.init()

	req := r.play("ringtone", nil)
	require.Len(t, req.preparing, 1)
	require.Len(t, req.prepared, 1)
	r.log.reset()

	r.e.Pause(req)
	r.e.Drain()
	assert.Equal(t, []string{"pause audio"}, r.log.all())

	r.log.reset()
	r.e.Resume(req)
	r.e.Drain()
	assert.False(t, req.IsPaused())
	assert.ElementsMatch(t, []string{"play audio (pending)", "play led (pending)"}, r.log.all())
	assert.Empty(t, req.playing)
	assertDisjoint(t, req)

	audio.core.Synchronize(audio, req)
	r.e.Drain()
	assert.Equal(t, 1, r.log.count("play audio"))
	assert.Equal(t, 1, r.log.count("play led"))
	assert.Len(t, req.playing, 2)

	audio.core.Complete(audio, req)
	led.core.Complete(led, req)
	r.e.Drain()
	assert.Equal(t, 1, r.input.outcomes())
	assert.Len(t, r.input.replies, 1)
}

func TestEngine_PausedDuringPrepareStartsPaused(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	audio := r.sink("audio", 10)
	led := r.plain("led", 5)
	r.init()

	req := r.play("ringtone", nil)
	r.e.Pause(req)
	audio.core.Synchronize(audio, req)
	r.e.Drain()

	// The batch starts while the request is still paused; sinks see it.
	assert.True(t, req.IsPaused())
	assert.Equal(t, 1, r.log.count("play audio"))
	assert.Equal(t, 1, r.log.count("play led"))
	assert.Zero(t, r.input.outcomes())

	r.log.reset()
	r.e.Resume(req)
	r.e.Drain()
	assert.ElementsMatch(t, []string{"play audio", "play led"}, r.log.all())

	audio.core.Complete(audio, req)
	led.core.Complete(led, req)
	r.e.Drain()
	assert.Equal(t, 1, r.input.outcomes())
}

// A one-shot sink finishing while the followers prepare again must not end
// the looping request.
func TestEngine_CompleteDuringResyncKeepsRequest(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	master := r.sink("audio", 10)
	vibra := r.sink("vibra", 5)
	led := r.sink("led", 3)
	r.init()

	req := r.play("ringtone", nil)
	for _, s := range []*fakeSink{master, vibra, led} {
		s.core.Synchronize(s, req)
	}
	vibra.core.SetResyncOnMaster(vibra, req)
	r.e.Drain()
	r.log.reset()

	master.core.Resynchronize(master, req)
	r.e.Drain()
	led.core.Complete(led, req)
	r.e.Drain()
	assert.Zero(t, r.log.count("stop audio"))
	assert.Zero(t, r.input.outcomes())
	require.Same(t, req, r.current(req.ID()))

	vibra.core.Synchronize(vibra, req)
	r.e.Drain()
	assert.Equal(t, 1, r.log.count("play audio"))
	assert.Equal(t, 1, r.log.count("play vibra"))
	assert.Zero(t, r.log.count("play led"))
	assert.Equal(t, []string{"audio", "vibra"}, handleNames(req.playing))
	assertDisjoint(t, req)

	r.e.Stop(req)
	r.e.Drain()
	assert.Len(t, r.input.replies, 1)
}

func TestEngine_CompleteWhileMasterReplayPendingKeepsRequest(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	master := r.sink("audio", 10)
	led := r.sink("led", 3)
	r.init()

	req := r.play("ringtone", nil)
	master.core.Synchronize(master, req)
	led.core.Synchronize(led, req)
	r.e.Drain()
	r.log.reset()

	// The replay task is queued behind led's completion.
	master.core.Resynchronize(master, req)
	led.core.Complete(led, req)
	r.e.Drain()
	assert.Equal(t, []string{"play audio"}, r.log.all())
	assert.Equal(t, []string{"audio"}, handleNames(req.playing))
	assert.Zero(t, r.input.outcomes())

	master.core.Complete(master, req)
	r.e.Drain()
	assert.Len(t, r.input.replies, 1)
}

// The master loops with two followers: both are stopped and prepared again,
// and the three restart together once both have synchronized.
func TestEngine_ResyncOnMaster(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	master := r.sink("audio", 10)
	vibra := r.sink("vibra", 5)
	led := r.sink("led", 3)
	r.init()

	req := r.play("ringtone", nil)
	for _, s := range []*fakeSink{master, vibra, led} {
		s.core.Synchronize(s, req)
	}
	r.e.Drain()
	require.Len(t, req.playing, 3)

	vibra.core.SetResyncOnMaster(vibra, req)
	led.core.SetResyncOnMaster(led, req)
	led.core.SetResyncOnMaster(led, req)
	master.core.SetResyncOnMaster(master, req)
	r.e.Drain()
	assert.Equal(t, []string{"vibra", "led"}, handleNames(req.toResync))
	r.log.reset()

	master.core.Resynchronize(master, req)
	r.e.Drain()
	assert.Equal(t, []string{"stop vibra", "stop led", "prepare vibra", "prepare led"}, r.log.all())
	assertDisjoint(t, req)
	assert.Empty(t, req.playing)

	vibra.core.Synchronize(vibra, req)
	r.e.Drain()
	assert.Zero(t, r.log.count("play audio"))

	led.core.Synchronize(led, req)
	r.e.Drain()
	assert.Equal(t, []string{
		"stop vibra", "stop led", "prepare vibra", "prepare led",
		"play audio", "play vibra", "play led",
	}, r.log.all())
	assert.Len(t, req.playing, 3)
	assert.Empty(t, req.toResync)
	assertDisjoint(t, req)
}

func TestEngine_ResyncWithoutFollowersReplaysMaster(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	master := r.sink("audio", 10)
	vibra := r.sink("vibra", 5)
	r.init()

	req := r.play("ringtone", nil)
	master.core.Synchronize(master, req)
	vibra.core.Synchronize(vibra, req)
	r.e.Drain()
	r.log.reset()

	// Only the master may resynchronize.
	vibra.core.Resynchronize(vibra, req)
	r.e.Drain()
	assert.Empty(t, r.log.all())

	master.core.Resynchronize(master, req)
	r.e.Drain()
	assert.Equal(t, []string{"play audio"}, r.log.all())
	assert.Len(t, req.playing, 2)
}

func TestEngine_FallbackReplayControllableThroughOriginal(t *testing.T) {
	r := newRig(t, ringtone(nil, nil))
	tone := r.sink("tone", 1)
	tone.prepareFn = func(req *Request) error {
		if req.IsFallback() {
			return nil
		}
		return errBoom
	}
	r.init()

	req := r.play("ringtone", property.Map{"tone.fallback": property.String("default.wav")})
	require.NotNil(t, r.current(req.ID()))

	r.e.Stop(req)
	r.e.Drain()

	// Only the replay prepared successfully, so only it is stopped.
	assert.Equal(t, 1, r.log.count("stop tone"))
	assert.Len(t, r.input.replies, 1)
	assert.Nil(t, r.current(req.ID()))
}

func TestEngine_ReplaceEvents(t *testing.T) {
	r := newRig(t, ringtone(nil, property.Map{"volume": property.Int(50)}))
	r.plain("audio", 1)
	r.init()

	next := event.NewRegistry()
	next.Register(ringtone(nil, property.Map{"volume": property.Int(10)}))
	require.True(t, r.e.ReplaceEvents(next))
	r.e.Drain()

	req := r.play("ringtone", nil)
	assert.Equal(t, int64(10), req.Properties().GetInt("volume"))
}

type memRecorder struct {
	entries []Entry
}

func (m *memRecorder) Record(_ context.Context, e Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memRecorder) kinds() []EntryKind {
	out := make([]EntryKind, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Kind
	}
	return out
}

func TestEngine_RecordsLifecycle(t *testing.T) {
	rec := &memRecorder{}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := New(WithRecorder(rec), WithMetrics(m), WithClock(NewClockAt(100)))
	e.Events().Register(ringtone(nil, nil))
	log := &callLog{}
	led := &plainSink{name: "led", log: log}
	_, err := e.Sinks().Register(led)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())

	req := e.NewRequest(nil, "ringtone", nil)
	e.Play(req)
	e.Drain()
	led.core.Complete(led, req)
	e.Drain()

	assert.Equal(t, []EntryKind{
		EntryCreated, EntryResolved, EntrySelected, EntryPlaying, EntryFinished,
	}, rec.kinds())
	assert.Equal(t, int64(101), rec.entries[0].Seq)
	assert.Equal(t, []string{"led"}, rec.entries[2].Sinks)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsFinished.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveRequests))
}

func TestEngine_MetricsOnFallback(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	e := New(WithMetrics(m))
	e.Events().Register(ringtone(nil, nil))
	bad := &fakeSink{name: "tone", log: &callLog{}, prepareErr: errBoom}
	_, err := e.Sinks().Register(bad)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())

	e.Play(e.NewRequest(nil, "ringtone", property.Map{"tone.fallback": property.String("a.wav")}))
	e.Drain()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RequestsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsFinished.WithLabelValues(OutcomeFallback)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsFinished.WithLabelValues(OutcomeError)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Failures.WithLabelValues(string(CodePrepareFailed))))
}

// autoSink completes as soon as it plays.
type autoSink struct {
	core Core
}

func (s *autoSink) Name() string               { return "auto" }
func (s *autoSink) Initialize(core Core) error { s.core = core; return nil }
func (s *autoSink) Play(req *Request) error    { s.core.Complete(s, req); return nil }
func (s *autoSink) Stop(*Request)              {}

func TestEngine_Run(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := New(WithContext(globalctx.New(nil)))
	e.Events().Register(ringtone(nil, nil))
	_, err := e.Sinks().Register(&autoSink{})
	require.NoError(t, err)
	in := &fakeInput{name: "test", log: &callLog{}, done: make(chan struct{}, 1)}
	require.NoError(t, e.Inputs().Register(in))
	require.NoError(t, e.Initialize())

	errc := make(chan error, 1)
	go func() { errc <- e.Run(context.Background()) }()

	require.True(t, e.Play(e.NewRequest(in, "ringtone", nil)))
	select {
	case <-in.done:
	case <-time.After(5 * time.Second):
		t.Fatal("request did not finish")
	}

	e.Close()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.False(t, e.Play(e.NewRequest(in, "ringtone", nil)), "closed engine rejects work")
}

func TestEngine_Run_ContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := New()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
