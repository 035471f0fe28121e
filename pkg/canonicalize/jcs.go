// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// style deterministic serialization, used to compute stable hashes over
// intents, ledger payloads, snapshots, and anchor proofs.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Limits enforced by StableJSON. A value exceeding any of these is rejected
// rather than silently truncated, since the ledger must be able to prove
// what was hashed.
const (
	MaxDepth    = 40
	MaxKeyCount = 10000
)

// Error codes returned (wrapped) by StableJSON.
const (
	ErrSerializationCycle = "SerializationCycle"
	ErrPayloadTooDeep     = "PayloadTooDeep"
	ErrPayloadTooWide     = "PayloadTooWide"
)

// StableError is a typed failure from canonical serialization.
type StableError struct {
	Code string
	Path string
}

func (e *StableError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s at %s", e.Code, e.Path)
	}
	return e.Code
}

// JCS returns the canonical JSON representation of v: map keys sorted
// lexicographically, HTML escaping disabled, numbers preserved via
// json.Number. It is a convenience wrapper over StableJSON with the default
// limits and no cycle defense beyond what StableJSON already provides.
func JCS(v interface{}) ([]byte, error) {
	return StableJSON(v)
}

// StableJSON canonically serializes v, rejecting circular references and
// payloads exceeding MaxDepth / MaxKeyCount. Use this (rather than JCS)
// whenever v may contain native Go maps/slices that were not themselves
// decoded from JSON, since only those can carry real pointer cycles.
func StableJSON(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err == nil {
		var generic interface{}
		dec := json.NewDecoder(bytes.NewReader(intermediate))
		dec.UseNumber()
		if decErr := dec.Decode(&generic); decErr == nil {
			st := &stableState{seen: map[uintptr]bool{}, keyCount: 0}
			return st.marshal(generic, 0, "$")
		}
	}

	// v did not round-trip through encoding/json cleanly (e.g. it contains a
	// real Go cycle that json.Marshal itself would recurse into). Walk the
	// native value directly via reflection so cycles are caught instead of
	// overflowing the stack.
	st := &stableState{seen: map[uintptr]bool{}, keyCount: 0}
	return st.marshalReflect(reflect.ValueOf(v), 0, "$")
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := StableJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashPayload is an alias for CanonicalHash matching the vocabulary used
// throughout the ledger and gate: hashPayload(v) = sha256Hex(stableJson(v)).
func HashPayload(v interface{}) (string, error) { return CanonicalHash(v) }

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// JCSString returns the canonical form as a string.
func JCSString(v interface{}) (string, error) {
	b, err := StableJSON(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type stableState struct {
	seen     map[uintptr]bool
	keyCount int
}

func (st *stableState) marshal(v interface{}, depth int, path string) ([]byte, error) {
	if depth > MaxDepth {
		return nil, &StableError{Code: ErrPayloadTooDeep, Path: path}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []interface{}:
		return st.marshalArray(t, depth, path)
	case map[string]interface{}:
		return st.marshalObject(t, depth, path)
	default:
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}

func (st *stableState) marshalArray(t []interface{}, depth int, path string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range t {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := st.marshal(elem, depth+1, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (st *stableState) marshalObject(t map[string]interface{}, depth int, path string) ([]byte, error) {
	st.keyCount += len(t)
	if st.keyCount > MaxKeyCount {
		return nil, &StableError{Code: ErrPayloadTooWide, Path: path}
	}

	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := st.marshal(k, depth, path)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')

		vb, err := st.marshal(t[k], depth+1, fmt.Sprintf("%s.%s", path, k))
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalReflect walks a value that failed to round-trip cleanly through
// encoding/json (typically because it contains a real Go-level cycle
// through maps/slices/pointers). It tracks pointer identity of every
// map/slice it descends into and fails with ErrSerializationCycle on reentry.
func (st *stableState) marshalReflect(rv reflect.Value, depth int, path string) ([]byte, error) {
	if depth > MaxDepth {
		return nil, &StableError{Code: ErrPayloadTooDeep, Path: path}
	}
	if !rv.IsValid() {
		return []byte("null"), nil
	}

	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return []byte("null"), nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		ptr := rv.Pointer()
		if st.seen[ptr] {
			return nil, &StableError{Code: ErrSerializationCycle, Path: path}
		}
		st.seen[ptr] = true
		defer delete(st.seen, ptr)

		keys := rv.MapKeys()
		st.keyCount += len(keys)
		if st.keyCount > MaxKeyCount {
			return nil, &StableError{Code: ErrPayloadTooWide, Path: path}
		}
		strKeys := make([]string, 0, len(keys))
		byKey := map[string]reflect.Value{}
		for _, k := range keys {
			ks := fmt.Sprintf("%v", k.Interface())
			strKeys = append(strKeys, ks)
			byKey[ks] = rv.MapIndex(k)
		}
		sort.Strings(strKeys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range strKeys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := st.marshal(k, depth, path)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := st.marshalReflect(byKey[k], depth+1, fmt.Sprintf("%s.%s", path, k))
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && !rv.IsNil() {
			ptr := rv.Pointer()
			if st.seen[ptr] {
				return nil, &StableError{Code: ErrSerializationCycle, Path: path}
			}
			st.seen[ptr] = true
			defer delete(st.seen, ptr)
		}
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := st.marshalReflect(rv.Index(i), depth+1, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return st.marshal(rv.Interface(), depth, path)
	}
}
