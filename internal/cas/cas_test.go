package cas

import (
	"bytes"
	"testing"
)

func TestNodeIDDeterministic(t *testing.T) {
	id1, err := NodeID("Interface", map[string]interface{}{"path": "a.js", "name": "foo"})
	if err != nil {
		t.Fatalf("computing id: %v", err)
	}
	id2, err := NodeID("Interface", map[string]interface{}{"name": "foo", "path": "a.js"})
	if err != nil {
		t.Fatalf("computing id: %v", err)
	}
	if !bytes.Equal(id1, id2) {
		t.Errorf("ids differ for the same identity: %x vs %x", id1, id2)
	}
	if len(id1) != 32 {
		t.Errorf("id length = %d, want 32", len(id1))
	}
}

func TestNodeIDKindMatters(t *testing.T) {
	identity := map[string]interface{}{"path": "a.js", "name": "foo"}
	iface, err := NodeID("Interface", identity)
	if err != nil {
		t.Fatalf("computing id: %v", err)
	}
	test, err := NodeID("TestInterface", identity)
	if err != nil {
		t.Fatalf("computing id: %v", err)
	}
	if bytes.Equal(iface, test) {
		t.Error("same id for different kinds")
	}
}

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  string
	}{
		{
			name:  "sorted keys",
			input: map[string]interface{}{"z": 1, "a": 2},
			want:  `{"a":2,"z":1}`,
		},
		{
			name:  "nested",
			input: map[string]interface{}{"b": map[string]interface{}{"y": 1, "x": 2}, "a": []interface{}{3, 1}},
			want:  `{"a":[3,1],"b":{"x":2,"y":1}}`,
		},
		{
			name:  "scalar",
			input: "hello",
			want:  `"hello"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalJSON(tt.input)
			if err != nil {
				t.Fatalf("CanonicalJSON: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHexRoundTrip(t *testing.T) {
	id := Digest([]byte("content"))
	decoded, err := HexToBytes(BytesToHex(id))
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !bytes.Equal(id, decoded) {
		t.Error("hex round trip changed the bytes")
	}
}

func TestShortHex(t *testing.T) {
	id := Digest([]byte("content"))
	short := ShortHex(id)
	if len(short) != 12 {
		t.Errorf("ShortHex length = %d, want 12", len(short))
	}
	if ShortHex([]byte{0xab}) != "ab" {
		t.Errorf("ShortHex of short input = %q, want %q", ShortHex([]byte{0xab}), "ab")
	}
}
