// Package cborcodec wraps github.com/fxamacker/cbor/v2 with the
// canonical encoding rule the target firmware requires: definite-length
// maps and arrays with keys sorted by the "core deterministic" rule
// (shortest encoded key first, then bytewise), which for the
// non-negative integer key sets this protocol uses collapses to
// ascending numeric order (COSE keys come out as 1, 3, -1, -2, -3).
package cborcodec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RawMessage holds an already-CBOR-encoded value (such as a COSE key
// built by EncodeCOSEKey) so it can be embedded verbatim as a map value
// without being re-encoded as a byte string.
type RawMessage = cbor.RawMessage

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic("cborcodec: building canonical encode mode: " + err.Error())
	}
	return em
}

// Marshal encodes v with canonical (CTAP2) map-key ordering.
func Marshal(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cborcodec: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes CBOR-encoded data into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cborcodec: unmarshal: %w", err)
	}
	return nil
}

// DecodeMap decodes a top-level CBOR map into a generic
// map[interface{}]interface{} for key-by-key inspection.
func DecodeMap(data []byte) (map[interface{}]interface{}, error) {
	var m map[interface{}]interface{}
	if err := Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeCOSEKey encodes the fixed EC2 COSE key set {1,3,-1,-2,-3} =
// {kty=2, alg=-7 (ES256), crv=1 (P-256), x, y} that canonical ordering
// places in ascending byte-key order.
func EncodeCOSEKey(x, y []byte) ([]byte, error) {
	m := map[int]interface{}{
		1:  2,  // kty: EC2
		3:  -7, // alg: ES256
		-1: 1,  // crv: P-256
		-2: x,
		-3: y,
	}
	return Marshal(m)
}

// --- generic accessor helpers over map[interface{}]interface{} ---

// lookup finds a value under an integer or string key. CBOR integer
// keys decode to int64/uint64 depending on sign, so both are checked.
func lookup(m map[interface{}]interface{}, key interface{}) (interface{}, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	if ik, ok := key.(int); ok {
		if v, ok := m[int64(ik)]; ok {
			return v, true
		}
		if ik >= 0 {
			if v, ok := m[uint64(ik)]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

// GetInt64 reads an integer-valued entry at key, accepting any of CBOR's
// decoded integer representations.
func GetInt64(m map[interface{}]interface{}, key interface{}) (int64, bool) {
	v, ok := lookup(m, key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// GetBytes reads a byte-string entry at key.
func GetBytes(m map[interface{}]interface{}, key interface{}) ([]byte, bool) {
	v, ok := lookup(m, key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// GetText reads a text-string entry at key.
func GetText(m map[interface{}]interface{}, key interface{}) (string, bool) {
	v, ok := lookup(m, key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBool reads a boolean entry at key.
func GetBool(m map[interface{}]interface{}, key interface{}) (bool, bool) {
	v, ok := lookup(m, key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// GetMap reads a nested map entry at key.
func GetMap(m map[interface{}]interface{}, key interface{}) (map[interface{}]interface{}, bool) {
	v, ok := lookup(m, key)
	if !ok {
		return nil, false
	}
	sub, ok := v.(map[interface{}]interface{})
	return sub, ok
}

// Get reads the raw decoded value at key, for callers that need to type
// switch on it themselves (e.g. a GetInfo field the firmware may encode
// as either a map or an array depending on version).
func Get(m map[interface{}]interface{}, key interface{}) (interface{}, bool) {
	return lookup(m, key)
}

// GetArray reads an array entry at key.
func GetArray(m map[interface{}]interface{}, key interface{}) ([]interface{}, bool) {
	v, ok := lookup(m, key)
	if !ok {
		return nil, false
	}
	arr, ok := v.([]interface{})
	return arr, ok
}
