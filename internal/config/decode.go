package config

import (
	"fmt"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/feedbackd/internal/event"
	"github.com/roach88/feedbackd/internal/property"
)

// DefaultSinkDuration applies to sinks that do not set duration.
const DefaultSinkDuration = time.Second

// Decode extracts a Config from a built CUE value. Every top-level block is
// optional; a configuration without any event is an error.
func Decode(v cue.Value, mode LoadMode) (*Config, []error) {
	if err := v.Err(); err != nil {
		return nil, []error{formatCUEError(err)}
	}

	cfg := defaultConfig()
	var errs []error

	steps := []func(cue.Value, *Config) []error{
		decodeDaemon,
		decodeSinks,
		decodeContext,
		decodeTransform,
		decodeEvents,
	}
	for _, step := range steps {
		stepErrs := step(v, cfg)
		errs = append(errs, stepErrs...)
		if len(errs) > 0 && mode == LoadModeFailFast {
			return cfg, errs[:1]
		}
	}

	if len(cfg.Events) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeNoEvents, Message: "no events found in config", Pos: v.Pos()})
	}
	return cfg, errs
}

func decodeDaemon(root cue.Value, cfg *Config) []error {
	v := root.LookupPath(cue.ParsePath("daemon"))
	if !v.Exists() {
		return nil
	}
	if err := v.Decode(&cfg.Daemon); err != nil {
		return []error{&LoadError{Code: ErrCodeInvalidDaemon, Message: fmt.Sprintf("daemon: %v", err), Pos: v.Pos()}}
	}
	if cfg.Daemon.Listen == "" {
		cfg.Daemon.Listen = DefaultListen
	}
	if cfg.Daemon.RateLimit < 0 {
		return []error{&LoadError{Code: ErrCodeInvalidDaemon, Message: "daemon.rate_limit: must not be negative", Pos: v.Pos()}}
	}
	return nil
}

func decodeSinks(root cue.Value, cfg *Config) []error {
	v := root.LookupPath(cue.ParsePath("sinks"))
	if !v.Exists() {
		return nil
	}
	iter, err := v.Fields()
	if err != nil {
		return []error{&LoadError{Code: ErrCodeInvalidSink, Message: fmt.Sprintf("sinks: %v", err), Pos: v.Pos()}}
	}

	var errs []error
	for iter.Next() {
		label := iter.Label()
		if label == "order" {
			order, err := stringList(iter.Value())
			if err != nil {
				errs = append(errs, &LoadError{Code: ErrCodeInvalidSink, Message: "sinks.order: " + err.Error(), Pos: iter.Value().Pos()})
				continue
			}
			cfg.Sinks.Order = order
			continue
		}
		sk, err := decodeSink(label, iter.Value())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cfg.Sinks.List = append(cfg.Sinks.List, sk)
	}

	for _, name := range cfg.Sinks.Order {
		if _, ok := cfg.Sinks.Lookup(name); !ok {
			errs = append(errs, &LoadError{
				Code:    ErrCodeUnknownSink,
				Message: fmt.Sprintf("sinks.order names undefined sink %q", name),
				Pos:     v.LookupPath(cue.ParsePath("order")).Pos(),
			})
		}
	}
	return errs
}

func decodeSink(name string, v cue.Value) (Sink, error) {
	sk := Sink{Name: name, Duration: DefaultSinkDuration}
	if v.Kind() != cue.StructKind {
		return sk, &LoadError{Code: ErrCodeInvalidSink, Message: fmt.Sprintf("sinks.%s: must be a struct", name), Pos: v.Pos()}
	}

	millis := func(field string, dst *time.Duration) error {
		f := v.LookupPath(cue.ParsePath(field))
		if !f.Exists() {
			return nil
		}
		n, err := f.Int64()
		if err != nil || n < 0 {
			return &LoadError{
				Code:    ErrCodeInvalidSink,
				Message: fmt.Sprintf("sinks.%s.%s: must be a non-negative integer of milliseconds", name, field),
				Pos:     f.Pos(),
			}
		}
		*dst = time.Duration(n) * time.Millisecond
		return nil
	}
	if err := millis("duration", &sk.Duration); err != nil {
		return sk, err
	}
	if err := millis("prepare_delay", &sk.PrepareDelay); err != nil {
		return sk, err
	}

	if f := v.LookupPath(cue.ParsePath("loop")); f.Exists() {
		b, err := f.Bool()
		if err != nil {
			return sk, &LoadError{Code: ErrCodeInvalidSink, Message: fmt.Sprintf("sinks.%s.loop: must be a bool", name), Pos: f.Pos()}
		}
		sk.Loop = b
	}
	return sk, nil
}

func decodeContext(root cue.Value, cfg *Config) []error {
	v := root.LookupPath(cue.ParsePath("context"))
	if !v.Exists() {
		return nil
	}
	m, errs := scalarMap(v, "context", ErrCodeInvalidContext)
	if len(errs) > 0 {
		return errs
	}
	cfg.Context = m
	return nil
}

func decodeTransform(root cue.Value, cfg *Config) []error {
	v := root.LookupPath(cue.ParsePath("transform"))
	if !v.Exists() {
		return nil
	}
	iter, err := v.Fields()
	if err != nil {
		return []error{&LoadError{Code: ErrCodeInvalidTransform, Message: fmt.Sprintf("transform: %v", err), Pos: v.Pos()}}
	}
	var errs []error
	for iter.Next() {
		key, err := iter.Value().String()
		if err != nil || key == "" {
			errs = append(errs, &LoadError{
				Code:    ErrCodeInvalidTransform,
				Message: fmt.Sprintf("transform.%q: must name a context key", iter.Label()),
				Pos:     iter.Value().Pos(),
			})
			continue
		}
		cfg.Transform[iter.Label()] = key
	}
	return errs
}

func decodeEvents(root cue.Value, cfg *Config) []error {
	v := root.LookupPath(cue.ParsePath("events"))
	if !v.Exists() {
		return nil
	}
	iter, err := v.Fields()
	if err != nil {
		return []error{&LoadError{Code: ErrCodeInvalidEvent, Message: fmt.Sprintf("events: %v", err), Pos: v.Pos()}}
	}

	var errs []error
	for iter.Next() {
		name := iter.Label()
		list, err := iter.Value().List()
		if err != nil {
			errs = append(errs, &LoadError{
				Code:    ErrCodeInvalidEvent,
				Message: fmt.Sprintf("events.%s: must be a list of templates", name),
				Pos:     iter.Value().Pos(),
			})
			continue
		}
		for i := 0; list.Next(); i++ {
			t, tErrs := decodeTemplate(name, i, list.Value())
			errs = append(errs, tErrs...)
			if t != nil {
				cfg.Events = append(cfg.Events, t)
			}
		}
	}
	return errs
}

func decodeTemplate(name string, i int, v cue.Value) (*event.Template, []error) {
	where := fmt.Sprintf("events.%s[%d]", name, i)
	if v.Kind() != cue.StructKind {
		return nil, []error{&LoadError{Code: ErrCodeInvalidEvent, Message: where + ": must be a struct", Pos: v.Pos()}}
	}

	rules := property.New()
	props := property.New()
	var errs []error

	if rv := v.LookupPath(cue.ParsePath("rules")); rv.Exists() {
		m, rErrs := scalarMap(rv, where+".rules", ErrCodeInvalidRule)
		errs = append(errs, rErrs...)
		rules = m
	}
	if pv := v.LookupPath(cue.ParsePath("properties")); pv.Exists() {
		m, pErrs := scalarMap(pv, where+".properties", ErrCodeInvalidEvent)
		errs = append(errs, pErrs...)
		props = m
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return event.NewTemplate(name, rules, props), nil
}

// scalarMap decodes a struct of scalar fields. Field labels are used as
// property keys verbatim, so quoted labels like "sound.volume" keep their
// dots.
func scalarMap(v cue.Value, where, code string) (property.Map, []error) {
	out := property.New()
	iter, err := v.Fields()
	if err != nil {
		return out, []error{&LoadError{Code: code, Message: fmt.Sprintf("%s: must be a struct", where), Pos: v.Pos()}}
	}
	var errs []error
	for iter.Next() {
		pv, err := scalar(iter.Value())
		if err != nil {
			var le *LoadError
			if asLoadError(err, &le) {
				le.Message = fmt.Sprintf("%s.%s: %s", where, iter.Label(), le.Message)
				errs = append(errs, le)
			} else {
				errs = append(errs, &LoadError{Code: code, Message: fmt.Sprintf("%s.%s: %v", where, iter.Label(), err), Pos: iter.Value().Pos()})
			}
			continue
		}
		out.Set(iter.Label(), pv)
	}
	return out, errs
}

// scalar converts a concrete CUE scalar to a property value. Floats are
// rejected: property values are integral.
func scalar(v cue.Value) (property.Value, error) {
	switch v.Kind() {
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return property.String(s), nil
	case cue.IntKind:
		if i, err := v.Int64(); err == nil {
			return property.Int(i), nil
		}
		u, err := v.Uint64()
		if err != nil {
			return nil, &LoadError{Code: ErrCodeInvalidType, Message: "integer out of range", Pos: v.Pos()}
		}
		return property.Uint(u), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return property.Bool(b), nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &LoadError{Code: ErrCodeInvalidType, Message: "float values are not supported, use int", Pos: v.Pos()}
	case cue.BottomKind:
		return nil, &LoadError{Code: ErrCodeInvalidType, Message: "value must be concrete", Pos: v.Pos()}
	default:
		return nil, &LoadError{Code: ErrCodeInvalidType, Message: fmt.Sprintf("unsupported value kind: %v", v.Kind()), Pos: v.Pos()}
	}
}

func stringList(v cue.Value) ([]string, error) {
	list, err := v.List()
	if err != nil {
		return nil, fmt.Errorf("must be a list of strings")
	}
	var out []string
	for list.Next() {
		s, err := list.Value().String()
		if err != nil {
			return nil, fmt.Errorf("must be a list of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

// formatCUEError keeps the first CUE error position, if any.
func formatCUEError(err error) *LoadError {
	var pos token.Pos
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		pos = errs[0].Position()
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error(), Pos: pos}
}

func asLoadError(err error, target **LoadError) bool {
	le, ok := err.(*LoadError)
	if ok {
		*target = le
	}
	return ok
}
