// Package canonical provides the RFC 8785 (JSON Canonicalization Scheme)
// serialization used for both event signing and event content hashing.
//
// Keys sorted by UTF-16 code unit (the RFC 8785 rule, applied by
// gowebpki/jcs). This matches Unicode code-point order except when a key
// character above U+FFFF is compared with one in U+E000-U+FFFF; such
// keys are not reordered by code point. No HTML escaping, no trailing
// whitespace, UTF-8 encoding, floats rendered as JSON numbers with no
// NaN/Infinity.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// ErrNonFinite is returned when a value contains NaN or +/-Infinity,
// which cannot canonicalize to JSON.
var ErrNonFinite = fmt.Errorf("canonical: value is not JSON-finite (NaN or Infinity)")

// Marshal serializes v into RFC 8785 canonical bytes.
//
// v is first marshaled with the standard library (so struct tags and
// custom MarshalJSON methods are respected), then re-serialized through
// gowebpki/jcs, which performs the actual canonicalization: lexicographic
// key ordering by UTF-16 code unit, ECMAScript number formatting, and no
// insignificant whitespace.
func Marshal(v any) ([]byte, error) {
	if err := rejectNonFinite(reflect.ValueOf(v)); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal: %w", err)
	}

	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform: %w", err)
	}
	return out, nil
}

// HashHex returns the lowercase hex SHA-256 digest of data.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MarshalHash canonicalizes v and returns its hex SHA-256 digest.
func MarshalHash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashHex(b), nil
}

// rejectNonFinite walks v looking for NaN/Inf float values, which
// encoding/json would otherwise silently refuse to marshal with an
// unhelpful error. We want the explicit, named ErrNonFinite instead.
func rejectNonFinite(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrNonFinite
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			if err := rejectNonFinite(v.MapIndex(k)); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := rejectNonFinite(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Field(i).CanInterface() {
				continue
			}
			if err := rejectNonFinite(v.Field(i)); err != nil {
				return err
			}
		}
	case reflect.Ptr, reflect.Interface:
		if !v.IsNil() {
			return rejectNonFinite(v.Elem())
		}
	}
	return nil
}

// FreezePayload deep-copies a write_event payload, rejecting any value
// that would not canonicalize to JSON: non-finite
// floats and non-string map keys. String values are normalized to NFC so
// that byte-distinct but visually-identical input never produces two
// different content hashes for what an operator would consider the same
// event.
func FreezePayload(payload map[string]any) (map[string]any, error) {
	frozen, err := freezeValue(payload)
	if err != nil {
		return nil, err
	}
	m, ok := frozen.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("canonical: payload must be a JSON object")
	}
	return m, nil
}

func freezeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return norm.NFC.String(val), nil
	case bool:
		return val, nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, ErrNonFinite
		}
		return val, nil
	case json.Number:
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			fv, err := freezeValue(v)
			if err != nil {
				return nil, err
			}
			out[k] = fv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			fv, err := freezeValue(elem)
			if err != nil {
				return nil, err
			}
			out[i] = fv
		}
		return out, nil
	default:
		// Reflection fallback for concrete typed values (e.g. int, []string)
		// passed by Go callers instead of generic JSON-decoded interfaces.
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Map:
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				k, ok := iter.Key().Interface().(string)
				if !ok {
					return nil, fmt.Errorf("canonical: non-string map key %v", iter.Key())
				}
				fv, err := freezeValue(iter.Value().Interface())
				if err != nil {
					return nil, err
				}
				out[k] = fv
			}
			return out, nil
		case reflect.Slice, reflect.Array:
			out := make([]any, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				fv, err := freezeValue(rv.Index(i).Interface())
				if err != nil {
					return nil, err
				}
				out[i] = fv
			}
			return out, nil
		default:
			if err := rejectNonFinite(rv); err != nil {
				return nil, err
			}
			return v, nil
		}
	}
}

// Equal reports whether two canonical-JSON byte strings are byte-identical.
// Exposed for tests that want to assert determinism without re-deriving
// the hash.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}
