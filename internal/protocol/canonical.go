package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// SerializationError reports a value with no canonical representation.
type SerializationError struct {
	Path   string
	Reason string
	Cause  error
}

func (e *SerializationError) Error() string {
	if e.Path == "" {
		return "canonical: " + e.Reason
	}
	return fmt.Sprintf("canonical: %s at %s", e.Reason, e.Path)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// Canonicalize renders v as canonical JSON: object keys sorted by their
// NFC-normalized UTF-8 bytes, arrays in order, strings NFC-normalized with a
// fixed escape set, numbers in plain decimal notation and null kept explicit.
// Struct fields follow their json tags; callers hashing records must not use
// omitempty on hashed fields.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, classifyMarshalError(err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &SerializationError{Reason: "intermediate decode failed", Cause: err}
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeJSON canonicalizes an already encoded JSON document.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &SerializationError{Reason: "invalid json", Cause: err}
	}
	if dec.More() {
		return nil, &SerializationError{Reason: "trailing data after json value"}
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func CanonicalString(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func classifyMarshalError(err error) error {
	var unsupportedType *json.UnsupportedTypeError
	if errors.As(err, &unsupportedType) {
		return &SerializationError{Reason: "unsupported type " + unsupportedType.Type.String(), Cause: err}
	}
	var unsupportedValue *json.UnsupportedValueError
	if errors.As(err, &unsupportedValue) {
		reason := "unsupported value " + unsupportedValue.Str
		if strings.Contains(err.Error(), "cycle") {
			reason = "cyclic reference"
		}
		return &SerializationError{Reason: reason, Cause: err}
	}
	var marshalerErr *json.MarshalerError
	if errors.As(err, &marshalerErr) {
		return &SerializationError{Reason: "marshaler failed for " + marshalerErr.Type.String(), Cause: err}
	}
	return &SerializationError{Reason: "marshal failed", Cause: err}
}

func writeCanonical(buf *bytes.Buffer, v any, path string) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		s, err := canonicalNumber(t)
		if err != nil {
			return &SerializationError{Path: path, Reason: "invalid number " + t.String(), Cause: err}
		}
		buf.WriteString(s)
	case string:
		writeString(buf, norm.NFC.String(t))
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		normalized := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k, val := range t {
			nk := norm.NFC.String(k)
			if _, dup := normalized[nk]; dup {
				return &SerializationError{Path: path, Reason: fmt.Sprintf("duplicate key %q after normalization", nk)}
			}
			normalized[nk] = val
			keys = append(keys, nk)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, normalized[k], path+"."+k); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &SerializationError{Path: path, Reason: fmt.Sprintf("unsupported type %T", v)}
	}
	return nil
}

// canonicalNumber renders n without exponent and without trailing zeros.
func canonicalNumber(n json.Number) (string, error) {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hexDigits[r>>4])
			buf.WriteByte(hexDigits[r&0xF])
		case r == utf8.RuneError && size == 1:
			buf.WriteString("\uFFFD")
		default:
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}
