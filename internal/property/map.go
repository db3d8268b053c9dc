package property

import (
	"fmt"
	"sort"
)

// Map carries heterogeneous typed values keyed by name.
// All read methods accept a nil Map. Reads of absent keys or of a
// different variant return the zero value; they never fail.
type Map map[string]Value

// New returns an empty Map.
func New() Map {
	return make(Map)
}

// FromPairs builds a Map from alternating key/value arguments, converting
// each value with FromAny. Intended for tests and static tables.
func FromPairs(kv ...any) (Map, error) {
	if len(kv)%2 != 0 {
		return nil, fmt.Errorf("odd number of key/value arguments: %d", len(kv))
	}
	m := make(Map, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			return nil, fmt.Errorf("argument %d: key must be a string, got %T", i, kv[i])
		}
		v, err := FromAny(kv[i+1])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		m[key] = v
	}
	return m, nil
}

// FromMap converts a decoded map[string]any (YAML/JSON) into a Map.
func FromMap(raw map[string]any) (Map, error) {
	m := make(Map, len(raw))
	for k, v := range raw {
		pv, err := FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		m[k] = pv
	}
	return m, nil
}

// Copy returns a shallow copy. Copying a nil Map yields an empty Map.
func (m Map) Copy() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CopySubset returns a copy holding only the listed keys that are present.
func (m Map) CopySubset(keys []string) Map {
	out := make(Map, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Merge writes every entry of source into target; source wins per key.
// It returns target, allocated first when target is nil and there is
// something to write.
func Merge(target, source Map) Map {
	for k, v := range source {
		if target == nil {
			target = make(Map, len(source))
		}
		target[k] = v
	}
	return target
}

// MergeSubset writes the listed keys present in source into target and
// returns target, allocating it like Merge.
func MergeSubset(target, source Map, keys []string) Map {
	for _, k := range keys {
		if v, ok := source[k]; ok {
			if target == nil {
				target = make(Map, len(keys))
			}
			target[k] = v
		}
	}
	return target
}

// ExactMatch reports whether a and b hold the same key set with equal values.
func ExactMatch(a, b Map) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether m has no entries.
func (m Map) IsEmpty() bool { return len(m) == 0 }

// Has reports whether key is present, regardless of variant.
func (m Map) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Get returns the raw value for key.
func (m Map) Get(key string) (Value, bool) {
	v, ok := m[key]
	return v, ok
}

// Lookup satisfies the lookup contract used by rule matching.
func (m Map) Lookup(key string) (Value, bool) {
	return m.Get(key)
}

// Keys returns the keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set stores v under key. A nil v removes the key.
func (m Map) Set(key string, v Value) {
	if v == nil {
		delete(m, key)
		return
	}
	m[key] = v
}

// Delete removes key.
func (m Map) Delete(key string) { delete(m, key) }

func (m Map) SetString(key, v string) { m[key] = String(v) }
func (m Map) SetInt(key string, v int64) { m[key] = Int(v) }
func (m Map) SetUint(key string, v uint64) { m[key] = Uint(v) }
func (m Map) SetBool(key string, v bool) { m[key] = Bool(v) }
func (m Map) SetPointer(key string, v any) { m[key] = Pointer{V: v} }

// LookupString returns the string under key; ok is false when the key is
// absent or holds another variant.
func (m Map) LookupString(key string) (string, bool) {
	v, ok := m[key].(String)
	return string(v), ok
}

func (m Map) LookupInt(key string) (int64, bool) {
	v, ok := m[key].(Int)
	return int64(v), ok
}

func (m Map) LookupUint(key string) (uint64, bool) {
	v, ok := m[key].(Uint)
	return uint64(v), ok
}

func (m Map) LookupBool(key string) (bool, bool) {
	v, ok := m[key].(Bool)
	return bool(v), ok
}

func (m Map) LookupPointer(key string) (any, bool) {
	v, ok := m[key].(Pointer)
	return v.V, ok
}

// GetString returns the string under key or "".
func (m Map) GetString(key string) string {
	v, _ := m.LookupString(key)
	return v
}

// GetInt returns the signed integer under key or 0.
func (m Map) GetInt(key string) int64 {
	v, _ := m.LookupInt(key)
	return v
}

// GetUint returns the unsigned integer under key or 0.
func (m Map) GetUint(key string) uint64 {
	v, _ := m.LookupUint(key)
	return v
}

// GetBool returns the boolean under key or false.
func (m Map) GetBool(key string) bool {
	v, _ := m.LookupBool(key)
	return v
}

// GetPointer returns the handle under key or nil.
func (m Map) GetPointer(key string) any {
	v, _ := m.LookupPointer(key)
	return v
}

// Attrs flattens m into alternating key/value pairs for structured logs.
func (m Map) Attrs() []any {
	out := make([]any, 0, 2*len(m))
	for _, k := range m.Keys() {
		out = append(out, k, m[k].String())
	}
	return out
}
