package ir

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON.
// This is the ONLY serialization used for content-addressed identity.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units
//  2. No HTML escaping (< > & are emitted verbatim)
//  3. Strings are NFC normalized
//  4. Floats are rejected
//  5. Untyped Go nil is rejected; IRNull encodes as null
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("untyped nil is forbidden in canonical JSON")
	case IRNull:
		buf.WriteString("null")
	case IRString:
		return writeCanonicalString(buf, string(val))
	case string:
		return writeCanonicalString(buf, val)
	case IRInt:
		fmt.Fprintf(buf, "%d", int64(val))
	case int64:
		fmt.Fprintf(buf, "%d", val)
	case int:
		fmt.Fprintf(buf, "%d", val)
	case IRBool:
		writeBool(buf, bool(val))
	case bool:
		writeBool(buf, val)
	case IRArray:
		return writeCanonicalArray(buf, val)
	case IRObject:
		return writeCanonicalObject(buf, val)
	case []string:
		arr := make(IRArray, len(val))
		for i, s := range val {
			arr[i] = IRString(s)
		}
		return writeCanonicalArray(buf, arr)
	case []any:
		conv, err := FromGo(val)
		if err != nil {
			return err
		}
		return writeCanonicalArray(buf, conv.(IRArray))
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			// nested Go slices of strings are common in envelopes
			if ss, ok := elem.([]string); ok {
				arr := make(IRArray, len(ss))
				for i, s := range ss {
					arr[i] = IRString(s)
				}
				obj[k] = arr
				continue
			}
			conv, err := FromGo(elem)
			if err != nil {
				return fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return writeCanonicalObject(buf, obj)
	case float32, float64:
		return fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteString("true")
		return
	}
	buf.WriteString("false")
}

func normalize(s string) string {
	return norm.NFC.String(s)
}

// writeCanonicalString writes a canonical JSON string.
// RFC 8785: only control characters, backslash and quote are escaped.
// In particular U+2028 and U+2029 are emitted literally, which
// encoding/json will not do, so strings are escaped by hand.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	const hex = "0123456789abcdef"

	buf.WriteByte('"')
	for _, r := range normalize(s) {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hex[r>>4])
				buf.WriteByte(hex[r&0xF])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
	return nil
}

func writeCanonicalArray(buf *bytes.Buffer, arr IRArray) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, elem); err != nil {
			return fmt.Errorf("array[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, obj IRObject) error {
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// UnmarshalCanonical parses canonical JSON produced by MarshalCanonical.
// Any valid JSON without floats is accepted; canonical form is not checked.
func UnmarshalCanonical(data []byte) (IRValue, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid JSON")
	}
	return ParseJSON(data)
}
