// Package event stores rule-guarded event templates and resolves a request
// name plus its properties to exactly one template.
//
// Templates for one name are kept sorted by descending rule count so the
// most specific candidate is tried first. Templates with equal rule counts
// keep their registration order. A template with no rules is the
// unconditional default for its name.
package event

import (
	"sort"
	"strings"

	"github.com/roach88/feedbackd/internal/property"
)

// ContextPrefix marks a rule key that is read from the global context
// instead of the request properties.
const ContextPrefix = "context@"

// Wildcard is the rule value that matches any value.
const Wildcard = "*"

// Lookup reads one key. property.Map satisfies it.
type Lookup interface {
	Lookup(key string) (property.Value, bool)
}

// Template is one candidate configuration for an event name.
type Template struct {
	Name       string
	Rules      property.Map
	Properties property.Map
}

// NewTemplate builds a template owning copies of rules and properties.
func NewTemplate(name string, rules, props property.Map) *Template {
	return &Template{Name: name, Rules: rules.Copy(), Properties: props.Copy()}
}

// IsDefault reports whether t has no rules.
func (t *Template) IsDefault() bool { return len(t.Rules) == 0 }

// Registry maps event names to their sorted template lists.
type Registry struct {
	events map[string][]*Template
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{events: make(map[string][]*Template)}
}

// Register adds t. When a template with the same name and rules exists,
// t's properties are merged into it and the existing template is returned;
// otherwise t is stored and returned.
func (r *Registry) Register(t *Template) *Template {
	list, known := r.events[t.Name]
	for _, existing := range list {
		if property.ExactMatch(existing.Rules, t.Rules) {
			existing.Properties = property.Merge(existing.Properties, t.Properties)
			return existing
		}
	}
	if t.Rules == nil {
		t.Rules = property.New()
	}
	if t.Properties == nil {
		t.Properties = property.New()
	}
	list = append(list, t)
	sort.SliceStable(list, func(i, j int) bool {
		return len(list[i].Rules) > len(list[j].Rules)
	})
	r.events[t.Name] = list
	if !known {
		r.order = append(r.order, t.Name)
	}
	return t
}

// Resolve returns the first template for name whose rules all match, or nil.
// Context rules read from ctx, which should be a snapshot taken once per
// resolution; a nil ctx makes every context rule fail.
func (r *Registry) Resolve(name string, props Lookup, ctx Lookup) *Template {
	for _, t := range r.events[name] {
		if t.IsDefault() || matches(t.Rules, props, ctx) {
			return t
		}
	}
	return nil
}

func matches(rules property.Map, props Lookup, ctx Lookup) bool {
	for _, key := range rules.Keys() {
		want := rules[key]
		if s, ok := want.(property.String); ok && string(s) == Wildcard {
			continue
		}
		source, lookupKey := props, key
		if strings.HasPrefix(key, ContextPrefix) {
			source, lookupKey = ctx, strings.TrimPrefix(key, ContextPrefix)
		}
		if source == nil {
			return false
		}
		got, ok := source.Lookup(lookupKey)
		if !ok || !property.Equal(want, got) {
			return false
		}
	}
	return true
}

// Templates returns the sorted templates for name.
func (r *Registry) Templates(name string) []*Template {
	return append([]*Template(nil), r.events[name]...)
}

// Names returns event names in first-registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len returns the total number of stored templates.
func (r *Registry) Len() int {
	n := 0
	for _, list := range r.events {
		n += len(list)
	}
	return n
}
