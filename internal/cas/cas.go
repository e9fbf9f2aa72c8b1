// Package cas provides content addressing for graph nodes: BLAKE3
// hashing, canonical JSON serialization, and hex/time helpers.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Digest computes a BLAKE3-256 hash of the input.
func Digest(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// DigestHex computes a BLAKE3-256 hash and returns it as a hex string.
func DigestHex(data []byte) string {
	return hex.EncodeToString(Digest(data))
}

// NodeID computes the content-addressed identifier for an interface
// unit: blake3(kind + "\n" + canonicalJSON(identity)). The identity
// payload is the signature material, not the code body, so a node keeps
// its ID when only its implementation changes.
func NodeID(kind string, identity interface{}) ([]byte, error) {
	canonical, err := CanonicalJSON(identity)
	if err != nil {
		return nil, err
	}
	return Digest(append([]byte(kind+"\n"), canonical...)), nil
}

// NodeIDHex computes the content-addressed identifier as hex.
func NodeIDHex(kind string, identity interface{}) (string, error) {
	id, err := NodeID(kind, identity)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id), nil
}

// CanonicalJSON converts a value to canonical JSON (stable key order).
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var obj interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}

	return canonicalMarshal(obj)
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []interface{}:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemBytes, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(v)
	}
}

// HexToBytes converts a hex string to bytes.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a hex string.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// ShortHex returns the first 12 hex characters of an ID for display.
func ShortHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
