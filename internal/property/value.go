package property

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Value is a sealed interface over the property variants.
// Only String, Int, Uint, Bool and Pointer implement it.
type Value interface {
	propertyValue()
	String() string
}

// String is a string property.
type String string

func (String) propertyValue() {}

func (s String) String() string { return string(s) }

// Int is a signed integer property.
type Int int64

func (Int) propertyValue() {}

func (i Int) String() string { return strconv.FormatInt(int64(i), 10) }

// Uint is an unsigned integer property.
type Uint uint64

func (Uint) propertyValue() {}

func (u Uint) String() string { return strconv.FormatUint(uint64(u), 10) }

// Bool is a boolean property.
type Bool bool

func (Bool) propertyValue() {}

func (b Bool) String() string { return strconv.FormatBool(bool(b)) }

// Pointer carries an opaque handle. The engine never looks inside it;
// collaborators use it to hand each other in-process objects.
type Pointer struct {
	V any
}

func (Pointer) propertyValue() {}

func (p Pointer) String() string {
	if p.V == nil {
		return "pointer(nil)"
	}
	return fmt.Sprintf("pointer(%T)", p.V)
}

// Equal reports whether a and b hold the same variant with the same payload.
// Pointer payloads of non-comparable types are never equal.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Uint:
		bv, ok := b.(Uint)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Pointer:
		bv, ok := b.(Pointer)
		if !ok {
			return false
		}
		if av.V == nil || bv.V == nil {
			return av.V == nil && bv.V == nil
		}
		ta, tb := reflect.TypeOf(av.V), reflect.TypeOf(bv.V)
		if ta != tb || !ta.Comparable() {
			return false
		}
		return av.V == bv.V
	default:
		return false
	}
}

// FromAny converts a decoded scalar (YAML, JSON, CUE) into a Value.
// Floats are accepted only when integral.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is not a property value")
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return Uint(val), nil
	case uint8:
		return Uint(val), nil
	case uint16:
		return Uint(val), nil
	case uint32:
		return Uint(val), nil
	case uint64:
		return Uint(val), nil
	case float64:
		return fromFloat(val)
	case float32:
		return fromFloat(float64(val))
	default:
		return nil, fmt.Errorf("unsupported property type: %T", v)
	}
}

func fromFloat(f float64) (Value, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, fmt.Errorf("non-integral number %v is not a property value", f)
	}
	return Int(int64(f)), nil
}

// ToAny returns the plain Go payload of v.
func ToAny(v Value) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Uint:
		return uint64(val)
	case Bool:
		return bool(val)
	case Pointer:
		return val.V
	default:
		return nil
	}
}
