package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario is one scripted run of the engine.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config is an optional CUE file or directory supplying events,
	// context and sink order. Relative to the scenario file.
	Config string `yaml:"config,omitempty"`

	// Sinks are registered in this order.
	Sinks []SinkSpec `yaml:"sinks"`

	// Order overrides the sink priority order. Defaults to the Sinks order
	// unless a sink sets an explicit priority.
	Order []string `yaml:"order,omitempty"`

	// Context seeds the global context.
	Context map[string]any `yaml:"context,omitempty"`

	// Events are registered in this order, after any from Config.
	Events []EventSpec `yaml:"events,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`

	// baseDir is the directory of the scenario file.
	baseDir string
}

// SinkSpec configures one scripted sink.
type SinkSpec struct {
	Name string `yaml:"name"`

	// Prepare is how the sink prepares: async (wait for a synchronize
	// step), immediate (synchronize at once), fail, or none (the sink has
	// no prepare step at all).
	Prepare string `yaml:"prepare,omitempty"`

	// FailWhen fails Prepare when every listed property matches.
	FailWhen map[string]any `yaml:"fail_when,omitempty"`

	// FailPlay makes Play return an error.
	FailPlay bool `yaml:"fail_play,omitempty"`

	// Decline makes the sink refuse every request.
	Decline bool `yaml:"decline,omitempty"`

	// Priority, when set on any sink, replaces the order-derived priorities.
	Priority int `yaml:"priority,omitempty"`
}

// Prepare modes.
const (
	PrepareAsync     = "async"
	PrepareImmediate = "immediate"
	PrepareFail      = "fail"
	PrepareNone      = "none"
)

// EventSpec is one event template.
type EventSpec struct {
	Name       string         `yaml:"name"`
	Rules      map[string]any `yaml:"rules,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty"`
}

// Step is one scenario action. Exactly one of Play, Sink, Control and
// SetContext is set.
type Step struct {
	// Play starts a new request and labels it.
	Play       string         `yaml:"play,omitempty"`
	Event      string         `yaml:"event,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty"`

	// Sink issues Call as a callback from the named sink.
	Sink string `yaml:"sink,omitempty"`
	Call string `yaml:"call,omitempty"`

	// Control is pause, resume or stop.
	Control string `yaml:"control,omitempty"`

	// Request is the label the Sink or Control step targets.
	Request string `yaml:"request,omitempty"`

	// SetContext publishes values into the global context.
	SetContext map[string]any `yaml:"set_context,omitempty"`
}

// Sink callbacks and controls.
const (
	CallSynchronize   = "synchronize"
	CallComplete      = "complete"
	CallFail          = "fail"
	CallSetResync     = "set_resync"
	CallResynchronize = "resynchronize"

	ControlPause  = "pause"
	ControlResume = "resume"
	ControlStop   = "stop"
)

// Assertion validates the result.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Request is the label checked by outcome and property.
	Request string `yaml:"request,omitempty"`

	// Result and Code are checked by outcome.
	Result string `yaml:"result,omitempty"`
	Code   string `yaml:"code,omitempty"`

	// Line is checked by trace_contains and trace_count.
	Line string `yaml:"line,omitempty"`

	// Lines must appear in this order for trace_order.
	Lines []string `yaml:"lines,omitempty"`

	// Count is the expected count for trace_count and active_requests.
	Count int `yaml:"count,omitempty"`

	// Key and Value are checked by property.
	Key   string `yaml:"key,omitempty"`
	Value any    `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertOutcome        = "outcome"
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertProperty       = "property"
	AssertActiveRequests = "active_requests"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	scenario.baseDir = filepath.Dir(path)

	if scenario.Config != "" {
		if _, err := os.Stat(scenario.configPath()); err != nil {
			return nil, fmt.Errorf("invalid scenario: config not found: %s", scenario.Config)
		}
	}
	return scenario, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func (s *Scenario) configPath() string {
	if s.Config == "" || filepath.IsAbs(s.Config) {
		return s.Config
	}
	return filepath.Join(s.baseDir, s.Config)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	sinks := make(map[string]bool, len(s.Sinks))
	for i, sk := range s.Sinks {
		if sk.Name == "" {
			return fmt.Errorf("sinks[%d]: name is required", i)
		}
		if sinks[sk.Name] {
			return fmt.Errorf("sinks[%d]: duplicate sink %q", i, sk.Name)
		}
		sinks[sk.Name] = true
		switch sk.Prepare {
		case "", PrepareAsync, PrepareImmediate, PrepareFail, PrepareNone:
		default:
			return fmt.Errorf("sinks[%d]: unknown prepare mode %q", i, sk.Prepare)
		}
	}
	for _, name := range s.Order {
		if !sinks[name] {
			return fmt.Errorf("order: unknown sink %q", name)
		}
	}
	for i, ev := range s.Events {
		if ev.Name == "" {
			return fmt.Errorf("events[%d]: name is required", i)
		}
	}

	labels := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, sinks, labels); err != nil {
			return err
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], labels); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, sinks, labels map[string]bool) error {
	kinds := 0
	for _, set := range []bool{step.Play != "", step.Sink != "", step.Control != "", step.SetContext != nil} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return fmt.Errorf("steps[%d]: exactly one of play, sink, control, set_context is required", i)
	}

	switch {
	case step.Play != "":
		if step.Event == "" {
			return fmt.Errorf("steps[%d]: event is required for play", i)
		}
		if labels[step.Play] {
			return fmt.Errorf("steps[%d]: request label %q already used", i, step.Play)
		}
		labels[step.Play] = true
	case step.Sink != "":
		if !sinks[step.Sink] {
			return fmt.Errorf("steps[%d]: unknown sink %q", i, step.Sink)
		}
		switch step.Call {
		case CallSynchronize, CallComplete, CallFail, CallSetResync, CallResynchronize:
		default:
			return fmt.Errorf("steps[%d]: unknown sink call %q", i, step.Call)
		}
		if !labels[step.Request] {
			return fmt.Errorf("steps[%d]: unknown request %q", i, step.Request)
		}
	case step.Control != "":
		switch step.Control {
		case ControlPause, ControlResume, ControlStop:
		default:
			return fmt.Errorf("steps[%d]: unknown control %q", i, step.Control)
		}
		if !labels[step.Request] {
			return fmt.Errorf("steps[%d]: unknown request %q", i, step.Request)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, labels map[string]bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertOutcome:
		if !labels[a.Request] {
			return fmt.Errorf("assertions[%d]: unknown request %q", index, a.Request)
		}
		if a.Result != ResultReply && a.Result != ResultError && a.Result != ResultNone {
			return fmt.Errorf("assertions[%d]: result must be reply, error or none", index)
		}
	case AssertTraceContains:
		if a.Line == "" {
			return fmt.Errorf("assertions[%d]: line is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Lines) < 2 {
			return fmt.Errorf("assertions[%d]: at least two lines are required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Line == "" {
			return fmt.Errorf("assertions[%d]: line is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertProperty:
		if !labels[a.Request] {
			return fmt.Errorf("assertions[%d]: unknown request %q", index, a.Request)
		}
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for property", index)
		}
	case AssertActiveRequests:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
