// Package globalctx holds the process-wide key/value context that
// collaborators publish into (current profile, call state, display state)
// and that event rules read through "context@<key>" lookups.
//
// Writers may run on any goroutine. Readers that need several keys to agree
// with each other take a Snapshot and evaluate against it.
package globalctx

import (
	"sync"

	"github.com/roach88/feedbackd/internal/property"
)

// ChangeFunc is called after a key changes. old is nil when the key was
// absent; new is nil when the key was removed.
type ChangeFunc func(key string, old, new property.Value)

// Subscription identifies one registered ChangeFunc.
type Subscription uint64

// AllKeys subscribes to every key.
const AllKeys = ""

type subscriber struct {
	id  Subscription
	key string
	fn  ChangeFunc
}

// Context is a concurrent property store with change notification.
type Context struct {
	mu     sync.RWMutex
	values property.Map
	subs   []subscriber
	nextID Subscription
}

// New creates a Context seeded with a copy of initial.
func New(initial property.Map) *Context {
	return &Context{values: initial.Copy()}
}

// Set publishes v under key and notifies subscribers when the value changed.
// A nil v removes the key.
func (c *Context) Set(key string, v property.Value) {
	c.mu.Lock()
	old, had := c.values[key]
	if v == nil {
		delete(c.values, key)
	} else {
		c.values[key] = v
	}
	changed := had != (v != nil) || (had && !property.Equal(old, v))
	subs := c.matching(key)
	c.mu.Unlock()

	if !changed {
		return
	}
	for _, s := range subs {
		s.fn(key, old, v)
	}
}

// Merge publishes every entry of m.
func (c *Context) Merge(m property.Map) {
	for _, k := range m.Keys() {
		c.Set(k, m[k])
	}
}

// Lookup returns the current value for key.
func (c *Context) Lookup(key string) (property.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Snapshot returns a consistent copy of every key.
func (c *Context) Snapshot() property.Map {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values.Copy()
}

// Subscribe registers fn for changes to key, or to every key with AllKeys.
func (c *Context) Subscribe(key string, fn ChangeFunc) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.subs = append(c.subs, subscriber{id: c.nextID, key: key, fn: fn})
	return c.nextID
}

// Unsubscribe removes a subscription. It reports whether it was present.
func (c *Context) Unsubscribe(id Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return true
		}
	}
	return false
}

// matching must be called with c.mu held.
func (c *Context) matching(key string) []subscriber {
	var out []subscriber
	for _, s := range c.subs {
		if s.key == AllKeys || s.key == key {
			out = append(out, s)
		}
	}
	return out
}
