package mp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is a type-erased JSON value: exactly one of null, bool, int64,
// float64, string, []Value or map[string]Value is ever set. MP arguments
// and return payloads are heterogeneous JSON, so request/response bodies
// are modeled with this tagged variant rather than interface{} directly —
// it keeps the int-vs-float distinction across a decode/encode round trip,
// which a bare map[string]interface{} loses the moment json.Unmarshal
// decides every bare number is a float64.
type Value struct {
	kind kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	obj  map[string]Value
}

type kind int

const (
	kindNull kind = iota
	kindBool
	kindInt
	kindFloat
	kindString
	kindList
	kindObject
)

// Null returns the null Value.
func Null() Value { return Value{kind: kindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: kindBool, b: b} }

// Int wraps an integer.
func Int(i int64) Value { return Value{kind: kindInt, i: i} }

// Float wraps a floating-point number.
func Float(f float64) Value { return Value{kind: kindFloat, f: f} }

// String wraps a string.
func String(s string) Value { return Value{kind: kindString, s: s} }

// List wraps a JSON array.
func List(items ...Value) Value { return Value{kind: kindList, list: items} }

// Object wraps a JSON object.
func Object(m map[string]Value) Value { return Value{kind: kindObject, obj: m} }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == kindNull }

// AsBool returns v's boolean payload and whether v held a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == kindBool }

// AsInt returns v's integer payload and whether v held an int.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == kindInt }

// AsFloat returns v's numeric payload as a float64, accepting either an
// int or a float tag.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case kindFloat:
		return v.f, true
	case kindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// AsString returns v's string payload and whether v held a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == kindString }

// AsList returns v's list payload and whether v held a list.
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == kindList }

// AsObject returns v's object payload and whether v held an object.
func (v Value) AsObject() (map[string]Value, bool) { return v.obj, v.kind == kindObject }

// Field looks up a key on an object Value, returning the null Value and
// false if v is not an object or the key is absent.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != kindObject {
		return Value{}, false
	}
	val, ok := v.obj[key]
	return val, ok
}

// MarshalJSON encodes v by dispatching on its tag.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindNull:
		return []byte("null"), nil
	case kindBool:
		return json.Marshal(v.b)
	case kindInt:
		return json.Marshal(v.i)
	case kindFloat:
		return json.Marshal(v.f)
	case kindString:
		return json.Marshal(v.s)
	case kindList:
		return json.Marshal(v.list)
	case kindObject:
		return json.Marshal(v.obj)
	default:
		return nil, fmt.Errorf("mp: value has unknown kind %d", v.kind)
	}
}

// UnmarshalJSON decodes into v, probing integer shape before float so that
// "42" round-trips as Int(42) rather than Float(42.0).
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = fromRaw(raw)
	return nil
}

func fromRaw(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		f, _ := t.Float64()
		return Float(f)
	case string:
		return String(t)
	case []interface{}:
		items := make([]Value, len(t))
		for i, elem := range t {
			items[i] = fromRaw(elem)
		}
		return List(items...)
	case map[string]interface{}:
		obj := make(map[string]Value, len(t))
		for k, elem := range t {
			obj[k] = fromRaw(elem)
		}
		return Object(obj)
	default:
		return Null()
	}
}

// FromAny converts a plain Go value (as produced by encoding/json into
// interface{}, or hand-built from bool/int64/float64/string/[]Value/
// map[string]Value) into a Value. Unsupported types become Null.
func FromAny(v interface{}) Value {
	switch t := v.(type) {
	case Value:
		return t
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float64:
		return Float(t)
	case string:
		return String(t)
	case []Value:
		return List(t...)
	case map[string]Value:
		return Object(t)
	default:
		return fromRaw(v)
	}
}
