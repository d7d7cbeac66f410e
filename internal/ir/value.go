package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf16"
)

// IRValue is a sealed interface over the value types state can hold.
// Only IRNull, IRString, IRInt, IRBool, IRArray and IRObject implement it.
// There is no float type: floats do not have a single canonical encoding.
type IRValue interface {
	irValue()
}

// IRNull is the explicit null value.
type IRNull struct{}

func (IRNull) irValue() {}

// MarshalJSON implements json.Marshaler for IRNull.
func (IRNull) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// IRString is a string value. Strings are NFC-normalized when encoded.
type IRString string

func (IRString) irValue() {}

// IRInt is an integer value. Always int64.
type IRInt int64

func (IRInt) irValue() {}

// IRBool is a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray is an ordered collection of values.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject is a record of named fields. Use SortedKeys for deterministic
// iteration.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// IRPair is a key-value pair for IRObject construction.
type IRPair struct {
	Key   string
	Value IRValue
}

// O is shorthand for IRPair.
// Example: Obj(O("name", IRString("widget")), O("count", IRInt(5)))
func O(key string, value IRValue) IRPair {
	return IRPair{Key: key, Value: value}
}

// Obj builds an IRObject from pairs.
func Obj(pairs ...IRPair) IRObject {
	obj := make(IRObject, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// Arr builds an IRArray from values.
func Arr(vals ...IRValue) IRArray {
	if vals == nil {
		return IRArray{}
	}
	return IRArray(vals)
}

// IsScalar reports whether v is a leaf value (null, string, int, bool).
func IsScalar(v IRValue) bool {
	switch v.(type) {
	case IRNull, IRString, IRInt, IRBool:
		return true
	default:
		return false
	}
}

// TypeName returns a short name for the dynamic type of v.
func TypeName(v IRValue) string {
	switch v.(type) {
	case IRNull:
		return "null"
	case IRString:
		return "string"
	case IRInt:
		return "int"
	case IRBool:
		return "bool"
	case IRArray:
		return "array"
	case IRObject:
		return "object"
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Equal reports whether a and b are structurally equal.
// Objects compare by key set and values, arrays element-wise.
// Strings compare after NFC normalization so that equality agrees with
// the canonical encoding.
func Equal(a, b IRValue) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case IRNull:
		_, ok := b.(IRNull)
		return ok
	case IRString:
		bv, ok := b.(IRString)
		return ok && normalize(string(av)) == normalize(string(bv))
	case IRInt:
		bv, ok := b.(IRInt)
		return ok && av == bv
	case IRBool:
		bv, ok := b.(IRBool)
		return ok && av == bv
	case IRArray:
		bv, ok := b.(IRArray)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case IRObject:
		bv, ok := b.(IRObject)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !Equal(v, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's default string ordering is by UTF-8 bytes, which differs for
// characters outside the BMP.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, CompareKeys)
	return keys
}

// CompareKeys orders strings by UTF-16 code units as RFC 8785 requires.
func CompareKeys(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// FromGo converts decoded JSON/YAML/script data into an IRValue.
// Floats with an integral value are accepted as IRInt; other floats are
// rejected.
func FromGo(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case IRValue:
		return val, nil
	case string:
		return IRString(val), nil
	case bool:
		return IRBool(val), nil
	case int:
		return IRInt(val), nil
	case int32:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer out of int64 range: %d", val)
		}
		return IRInt(val), nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) || val > math.MaxInt64 || val < math.MinInt64 {
			return nil, fmt.Errorf("floats are not allowed in state: %v", val)
		}
		return IRInt(int64(val)), nil
	case json.Number:
		return numberToIR(val)
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// ToGo converts an IRValue into plain Go data (map[string]any, []any,
// string, int64, bool, nil). Used when handing state to scripts and
// encoders that do not know IR types.
func ToGo(v IRValue) any {
	switch val := v.(type) {
	case IRString:
		return string(val)
	case IRInt:
		return int64(val)
	case IRBool:
		return bool(val)
	case IRArray:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToGo(elem)
		}
		return out
	case IRObject:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToGo(elem)
		}
		return out
	default:
		return nil
	}
}

func numberToIR(n json.Number) (IRValue, error) {
	s := string(n)
	if strings.ContainsAny(s, ".eE") {
		return nil, fmt.Errorf("floats are not allowed in state: %s", s)
	}
	i, err := n.Int64()
	if err != nil {
		return nil, fmt.Errorf("number out of int64 range: %s", s)
	}
	return IRInt(i), nil
}

// ParseJSON decodes JSON text into an IRValue, rejecting floats.
func ParseJSON(data []byte) (IRValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return FromGo(raw)
}

// MarshalJSON implements json.Marshaler for IRObject with RFC 8785 key order.
// This is a display encoding; use MarshalCanonical for hashing.
func (obj IRObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalIRValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler for IRArray.
func (arr IRArray) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		elemBytes, err := MarshalIRValue(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(elemBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler for IRObject.
func (obj *IRObject) UnmarshalJSON(data []byte) error {
	v, err := ParseJSON(data)
	if err != nil {
		return err
	}
	o, ok := v.(IRObject)
	if !ok {
		return fmt.Errorf("expected object, got %s", TypeName(v))
	}
	*obj = o
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for IRArray.
func (arr *IRArray) UnmarshalJSON(data []byte) error {
	v, err := ParseJSON(data)
	if err != nil {
		return err
	}
	a, ok := v.(IRArray)
	if !ok {
		return fmt.Errorf("expected array, got %s", TypeName(v))
	}
	*arr = a
	return nil
}

// MarshalIRValue marshals any IRValue to display JSON.
func MarshalIRValue(v IRValue) ([]byte, error) {
	switch val := v.(type) {
	case IRNull:
		return []byte("null"), nil
	case IRString:
		return json.Marshal(string(val))
	case IRInt:
		return json.Marshal(int64(val))
	case IRBool:
		return json.Marshal(bool(val))
	case IRArray:
		return val.MarshalJSON()
	case IRObject:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown IRValue type: %T", v)
	}
}
