// Package config loads the feedbackd CUE configuration: daemon settings,
// sink ordering and timing, global context seed values, the property
// transform map and the event templates.
package config

import (
	"time"

	"github.com/roach88/feedbackd/internal/event"
	"github.com/roach88/feedbackd/internal/property"
)

// Defaults applied when the daemon block omits a field.
const (
	DefaultListen = "127.0.0.1:7070"
)

// Config is a fully decoded configuration.
type Config struct {
	Daemon  Daemon
	Sinks   Sinks
	Context property.Map

	// Transform maps a request property key to the global context key whose
	// value is copied into it.
	Transform map[string]string

	// Events in declaration order. Registry registers them in this order,
	// which decides ties between templates with equal rule counts.
	Events []*event.Template

	// FileCount is the number of CUE files that were loaded.
	FileCount int
}

type Daemon struct {
	Listen  string `json:"listen"`
	Journal string `json:"journal"`
	Metrics bool   `json:"metrics"`
	// RateLimit caps play requests per minute and client IP; 0 disables.
	RateLimit int `json:"rate_limit"`
}

// Sinks holds the configured priority order and the per-sink settings in
// declaration order.
type Sinks struct {
	Order []string
	List  []Sink
}

// Sink configures one timed sink backend.
type Sink struct {
	Name         string
	Duration     time.Duration
	PrepareDelay time.Duration
	Loop         bool
}

// Lookup returns the settings of the named sink.
func (s Sinks) Lookup(name string) (Sink, bool) {
	for _, sk := range s.List {
		if sk.Name == name {
			return sk, true
		}
	}
	return Sink{}, false
}

// Names returns the configured sink names in declaration order.
func (s Sinks) Names() []string {
	names := make([]string, len(s.List))
	for i, sk := range s.List {
		names[i] = sk.Name
	}
	return names
}

// Registry builds an event registry from the configured templates.
func (c *Config) Registry() *event.Registry {
	r := event.NewRegistry()
	for _, t := range c.Events {
		r.Register(event.NewTemplate(t.Name, t.Rules, t.Properties))
	}
	return r
}

func defaultConfig() *Config {
	return &Config{
		Daemon:    Daemon{Listen: DefaultListen, Metrics: true},
		Context:   property.New(),
		Transform: make(map[string]string),
	}
}
