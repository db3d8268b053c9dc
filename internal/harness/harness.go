package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/feedbackd/internal/config"
	"github.com/roach88/feedbackd/internal/engine"
	"github.com/roach88/feedbackd/internal/event"
	"github.com/roach88/feedbackd/internal/globalctx"
	"github.com/roach88/feedbackd/internal/property"
)

// tokenPrefix seeds the deterministic token generator.
const tokenPrefix = "flow"

// Harness is the execution state of one scenario run. It is the engine's
// recorder and input, so journal entries and outcomes land in the trace.
type Harness struct {
	engine *engine.Engine
	result *Result
	sinks  map[string]engine.Sink

	// labels maps tokens to scenario request labels; requests maps labels
	// to the request currently running under them, which is the replay
	// once a fallback started.
	labels   map[string]string
	requests map[string]*engine.Request
	resolved map[string]property.Map
}

// Run executes a scenario and returns the result.
//
// Each scenario runs on a fresh engine. Every step is followed by a full
// drain of the task queue, so the trace only depends on the scenario.
func Run(scenario *Scenario) (*Result, error) {
	h := &Harness{
		result:   NewResult(),
		sinks:    make(map[string]engine.Sink),
		labels:   make(map[string]string),
		requests: make(map[string]*engine.Request),
		resolved: make(map[string]property.Map),
	}

	events, ctxValues, order, err := h.loadEnvironment(scenario)
	if err != nil {
		return nil, err
	}

	h.engine = engine.New(
		engine.WithEvents(events),
		engine.WithContext(globalctx.New(ctxValues)),
		engine.WithRecorder(h),
		engine.WithTokenGenerator(engine.NewSequenceGenerator(tokenPrefix)),
		engine.WithClock(engine.NewClock()),
		engine.WithMetrics(engine.NewMetrics(prometheus.NewRegistry())),
	)
	h.engine.Hooks().NewRequest.Connect(0, h.track)

	if err := h.registerSinks(scenario, order); err != nil {
		return nil, err
	}
	if err := h.engine.Inputs().Register(h); err != nil {
		return nil, fmt.Errorf("register harness input: %w", err)
	}
	if err := h.engine.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize engine: %w", err)
	}

	for i, step := range scenario.Steps {
		if err := h.execute(step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		h.engine.Drain()
	}
	h.engine.Close()
	h.result.Active = h.engine.ActiveRequests()
	for label, props := range h.resolved {
		out := make(map[string]any, len(props))
		for k, v := range props {
			out[k] = property.ToAny(v)
		}
		h.result.Properties[label] = out
	}

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, h.resolved) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// loadEnvironment builds the event registry, context seed and sink order
// from the optional config plus the inline scenario values.
func (h *Harness) loadEnvironment(s *Scenario) (*event.Registry, property.Map, []string, error) {
	events := event.NewRegistry()
	ctxValues := property.New()
	var order []string

	if s.Config != "" {
		cfg, errs := config.Load(s.configPath(), config.LoadModeFailFast)
		if len(errs) > 0 {
			return nil, nil, nil, fmt.Errorf("load config %s: %w", s.Config, errs[0])
		}
		events = cfg.Registry()
		ctxValues = property.Merge(ctxValues, cfg.Context)
		order = cfg.Sinks.Order
	}

	for i, ev := range s.Events {
		rules, err := property.FromMap(ev.Rules)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("events[%d] rules: %w", i, err)
		}
		props, err := property.FromMap(ev.Properties)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("events[%d] properties: %w", i, err)
		}
		events.Register(event.NewTemplate(ev.Name, rules, props))
	}

	inline, err := property.FromMap(s.Context)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("context: %w", err)
	}
	ctxValues = property.Merge(ctxValues, inline)

	if len(s.Order) > 0 {
		order = s.Order
	}
	return events, ctxValues, order, nil
}

func (h *Harness) registerSinks(s *Scenario, order []string) error {
	explicit := false
	for _, spec := range s.Sinks {
		if spec.Priority != 0 {
			explicit = true
		}
	}

	names := make([]string, 0, len(s.Sinks))
	for _, spec := range s.Sinks {
		sink, err := newScriptedSink(h, spec)
		if err != nil {
			return err
		}
		if _, err := h.engine.Sinks().RegisterWithPriority(sink, spec.Priority); err != nil {
			return fmt.Errorf("register sink: %w", err)
		}
		h.sinks[spec.Name] = sink
		names = append(names, spec.Name)
	}

	if explicit {
		return nil
	}
	if len(order) == 0 {
		order = names
	}
	// A config order may name sinks the scenario does not script.
	known := order[:0:0]
	for _, name := range order {
		if _, ok := h.sinks[name]; ok {
			known = append(known, name)
		}
	}
	return h.engine.Sinks().SetOrder(known)
}

func (h *Harness) execute(step Step) error {
	switch {
	case step.Play != "":
		props, err := property.FromMap(step.Properties)
		if err != nil {
			return fmt.Errorf("properties: %w", err)
		}
		h.result.add(fmt.Sprintf("> play %s %s", step.Play, step.Event))
		req := h.engine.NewRequest(h, step.Event, props)
		h.labels[req.Token()] = step.Play
		h.requests[step.Play] = req
		h.engine.Play(req)

	case step.Sink != "":
		req := h.requests[step.Request]
		sink := h.sinks[step.Sink]
		h.result.add(fmt.Sprintf("> %s %s %s", step.Sink, step.Call, step.Request))
		switch step.Call {
		case CallSynchronize:
			h.engine.Synchronize(sink, req)
		case CallComplete:
			h.engine.Complete(sink, req)
		case CallFail:
			h.engine.Fail(sink, req)
		case CallSetResync:
			h.engine.SetResyncOnMaster(sink, req)
		case CallResynchronize:
			h.engine.Resynchronize(sink, req)
		}

	case step.Control != "":
		req := h.requests[step.Request]
		h.result.add(fmt.Sprintf("> %s %s", step.Control, step.Request))
		switch step.Control {
		case ControlPause:
			h.engine.Pause(req)
		case ControlResume:
			h.engine.Resume(req)
		case ControlStop:
			h.engine.Stop(req)
		}

	case step.SetContext != nil:
		values, err := property.FromMap(step.SetContext)
		if err != nil {
			return fmt.Errorf("set_context: %w", err)
		}
		keys := values.Keys()
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + values[k].String()
		}
		h.result.add("> set_context " + strings.Join(parts, " "))
		h.engine.Context().Merge(values)
	}
	return nil
}

// track follows fallback replays: they carry the token of the request
// they replace and become the target of later steps.
func (h *Harness) track(req *engine.Request) {
	if label, ok := h.labels[req.Token()]; ok {
		h.requests[label] = req
	}
}

func (h *Harness) label(token string) string {
	if label, ok := h.labels[token]; ok {
		return label
	}
	return token
}

func (h *Harness) sinkCall(sink, call string, req *engine.Request, notes ...string) {
	line := fmt.Sprintf("%s %s %s", sink, call, h.label(req.Token()))
	if req.IsFallback() {
		line += " [fallback]"
	}
	for _, n := range notes {
		line += " " + n
	}
	h.result.add(line)
}

// Record implements engine.Recorder.
func (h *Harness) Record(_ context.Context, e engine.Entry) error {
	label := h.label(e.Token)
	parts := []string{label, string(e.Kind)}
	if e.Code != "" {
		parts = append(parts, string(e.Code))
	}
	if len(e.Sinks) > 0 {
		parts = append(parts, strings.Join(e.Sinks, ","))
	}
	if e.Fallback && e.Kind != engine.EntryFallback {
		parts = append(parts, "[fallback]")
	}
	h.result.add(strings.Join(parts, " "))

	if e.Kind == engine.EntryResolved {
		h.resolved[label] = e.Properties
	}
	return nil
}

// The harness is also the engine.Input of every request it plays.

func (h *Harness) Name() string                         { return "harness" }
func (h *Harness) Initialize(engine.Controller) error   { return nil }
func (h *Harness) Shutdown()                            {}
func (h *Harness) SendReply(req *engine.Request, _ int) { h.outcome(req, Outcome{Result: ResultReply}) }

func (h *Harness) SendError(req *engine.Request, err error) {
	out := Outcome{Result: ResultError}
	if code, ok := engine.FailureCodeOf(err); ok {
		out.Code = string(code)
	}
	h.outcome(req, out)
}

func (h *Harness) outcome(req *engine.Request, out Outcome) {
	label := h.label(req.Token())
	line := label + " " + out.Result
	if out.Code != "" {
		line += " " + out.Code
	}
	h.result.add(line)
	h.result.Outcomes[label] = out
}

// Labels returns the request labels of a result in sorted order.
func Labels(r *Result) []string {
	out := make([]string, 0, len(r.Outcomes))
	for label := range r.Outcomes {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}
