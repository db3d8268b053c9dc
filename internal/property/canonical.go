package property

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces deterministic JSON for m.
//
// Keys are sorted, strings are NFC normalized and HTML characters are not
// escaped, so two maps that ExactMatch always marshal to the same bytes.
// Pointer values marshal as their type description since the payload is
// opaque.
func MarshalCanonical(m Map) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalCanonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := marshalCanonicalValue(m[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Hash returns the hex SHA-256 of the canonical form of m.
func Hash(m Map) (string, error) {
	data, err := MarshalCanonical(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// UnmarshalJSON decodes a flat JSON object. Numbers become Int (or Uint
// when they exceed the int64 range); nested values are rejected.
func (m *Map) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out := make(Map, len(raw))
	for k, v := range raw {
		pv, err := fromJSON(v)
		if err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = pv
	}
	*m = out
	return nil
}

// MarshalJSON encodes m using the canonical form.
func (m Map) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(m)
}

func fromJSON(v any) (Value, error) {
	n, ok := v.(json.Number)
	if !ok {
		return FromAny(v)
	}
	if i, err := n.Int64(); err == nil {
		return Int(i), nil
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return Uint(u), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("invalid number %s", n)
	}
	return fromFloat(f)
}

func marshalCanonicalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case String:
		return marshalCanonicalString(string(val))
	case Int, Uint:
		return []byte(val.String()), nil
	case Bool:
		return []byte(val.String()), nil
	case Pointer:
		return marshalCanonicalString(val.String())
	default:
		return nil, fmt.Errorf("unknown property type: %T", v)
	}
}

// marshalCanonicalString encodes s without HTML escaping after NFC
// normalization.
func marshalCanonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
