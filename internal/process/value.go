package process

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/rendis/onboard/pkg/schema"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindAbsent Kind = iota
	KindString
	KindNumber
	KindBool
	KindBinary
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindBinary:
		return "binary"
	case KindMap:
		return "map"
	default:
		return "absent"
	}
}

// Value is a tagged-union context value. The zero Value is Absent.
// Accessors never panic: a kind mismatch or an absent value reports ok=false.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	bin  []byte
	m    map[string]Value
}

// Absent is the canonical missing value.
var Absent = Value{}

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a float64.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Binary wraps an opaque byte payload. The slice is not copied.
func Binary(b []byte) Value { return Value{kind: KindBinary, bin: b} }

// Map wraps a nested value map. The map is not copied.
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind returns the variant held by the value.
func (v Value) Kind() Kind { return v.kind }

// IsAbsent reports whether the value is missing.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// AsString returns the string variant.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsNumber returns the number variant.
func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// AsBool returns the bool variant.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsBinary returns the binary variant.
func (v Value) AsBinary() ([]byte, bool) {
	if v.kind != KindBinary {
		return nil, false
	}
	return v.bin, true
}

// AsMap returns the map variant.
func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// StringOr returns the string variant or def.
func (v Value) StringOr(def string) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	return def
}

// NumberOr returns the number variant or def.
func (v Value) NumberOr(def float64) float64 {
	if f, ok := v.AsNumber(); ok {
		return f
	}
	return def
}

// BoolOr returns the bool variant or def.
func (v Value) BoolOr(def bool) bool {
	if b, ok := v.AsBool(); ok {
		return b
	}
	return def
}

// CoerceNumber returns the value as a float64, accepting both number
// variants and numeric strings. It reports a VALIDATION_ERROR for absent
// values and non-numeric strings so callers can degrade per-field.
func (v Value) CoerceNumber() (float64, error) {
	switch v.kind {
	case KindNumber:
		return v.num, nil
	case KindString:
		f, err := strconv.ParseFloat(v.str, 64)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "non-numeric value %q", v.str).WithCause(err)
		}
		return f, nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "cannot read %s value as number", v.kind)
	}
}

// Interface unwraps the value into plain Go types: string, float64, bool,
// []byte or map[string]any. Absent unwraps to nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindBinary:
		return v.bin
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, nested := range v.m {
			out[k] = nested.Interface()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts a plain Go value (as produced by encoding/json or an
// HTTP response map) into a Value. Unsupported types map to their string
// representation via JSON; nil maps to Absent.
func FromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Absent
	case Value:
		return t
	case string:
		return String(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return Number(f)
		}
		return String(t.String())
	case bool:
		return Bool(t)
	case []byte:
		return Binary(t)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, nested := range t {
			m[k] = FromAny(nested)
		}
		return Map(m)
	default:
		if data, err := json.Marshal(t); err == nil {
			return String(string(data))
		}
		return Absent
	}
}

// binaryEnvelope is the JSON wire form of a binary value. Plain JSON has no
// byte-string type, so binary payloads round-trip via base64 under a
// reserved key.
type binaryEnvelope struct {
	Binary string `json:"$binary"`
}

// MarshalJSON encodes strings, numbers, bools and maps natively and binary
// values as a {"$binary": base64} envelope. Absent encodes as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindBinary:
		return json.Marshal(binaryEnvelope{Binary: base64.StdEncoding.EncodeToString(v.bin)})
	case KindMap:
		return json.Marshal(v.m)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON reverses MarshalJSON, recognizing the binary envelope.
func (v *Value) UnmarshalJSON(data []byte) error {
	var env binaryEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Binary != "" {
		raw, decErr := base64.StdEncoding.DecodeString(env.Binary)
		if decErr == nil {
			*v = Binary(raw)
			return nil
		}
	}

	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid context value JSON").WithCause(err)
	}
	*v = FromAny(raw)
	return nil
}
