// Package transform copies global context values into request properties
// on the TransformProperties hook, e.g. the profile's ring volume into
// "audio.volume".
package transform

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/feedbackd/internal/engine"
	"github.com/roach88/feedbackd/internal/globalctx"
	"github.com/roach88/feedbackd/internal/hook"
)

// Transformer applies a property-key to context-key mapping.
//
// Values the client sent explicitly are never overridden; template defaults
// are. Context keys that are absent leave the property untouched.
type Transformer struct {
	ctx *globalctx.Context

	mu      sync.RWMutex
	mapping map[string]string
}

// New creates a Transformer reading from ctx.
func New(ctx *globalctx.Context, mapping map[string]string) *Transformer {
	t := &Transformer{ctx: ctx}
	t.SetMapping(mapping)
	return t
}

// SetMapping replaces the mapping, e.g. after a config reload.
func (t *Transformer) SetMapping(mapping map[string]string) {
	m := make(map[string]string, len(mapping))
	for k, v := range mapping {
		m[k] = v
	}
	t.mu.Lock()
	t.mapping = m
	t.mu.Unlock()
}

// Attach connects Apply to the engine's TransformProperties hook.
func (t *Transformer) Attach(h *engine.Hooks, priority int) hook.Handle {
	return h.TransformProperties.Connect(priority, t.Apply)
}

// Apply writes the mapped context values into req's properties.
func (t *Transformer) Apply(req *engine.Request) {
	t.mu.RLock()
	mapping := t.mapping
	t.mu.RUnlock()
	if len(mapping) == 0 {
		return
	}

	snap := t.ctx.Snapshot()
	props := req.Properties()
	original := req.OriginalProperties()

	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, propKey := range keys {
		if original.Has(propKey) {
			continue
		}
		v, ok := snap.Lookup(mapping[propKey])
		if !ok {
			continue
		}
		props.Set(propKey, v)
		slog.Debug("property transformed",
			"request_id", req.ID(),
			"property", propKey,
			"context", mapping[propKey],
			"value", v.String(),
		)
	}
}
