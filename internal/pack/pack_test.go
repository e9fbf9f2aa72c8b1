package pack

import (
	"bytes"
	"testing"

	"isg/internal/cas"
	"isg/internal/graph"
	"isg/internal/mincontext"
)

func TestPackRoundTrip(t *testing.T) {
	actedID := cas.Digest([]byte("acted"))
	callerID := cas.Digest([]byte("caller"))

	ctx := &mincontext.Context{
		Entries: []mincontext.Entry{
			{
				Node: &graph.Node{
					ID:           actedID,
					Kind:         graph.KindInterface,
					Signature:    "a.js: function acted()",
					CurrentCode:  "function acted() { return 1 }",
					CurrentInd:   true,
					FutureCode:   "function acted() { return 2 }",
					FutureAction: graph.ActionEdit,
					FutureInd:    true,
					Diagnostics:  []string{"a.js:1: previous failure"},
				},
				Role: mincontext.RoleActed,
				Hops: 0,
			},
			{
				Node: &graph.Node{
					ID:          callerID,
					Kind:        graph.KindTestInterface,
					Signature:   "a.test.js: function caller()",
					CurrentCode: "function caller() { acted() }",
					CurrentInd:  true,
					FutureInd:   true,
				},
				Role: mincontext.RoleCaller,
				Hops: 1,
			},
		},
		Edges: []*graph.Edge{
			{Src: callerID, Dst: actedID, State: graph.StateBoth},
		},
	}
	req := graph.ChangeRequest{ID: "r-1", Rev: 2, Text: "make acted return 2"}

	var buf bytes.Buffer
	if err := Write(&buf, req, ctx); err != nil {
		t.Fatalf("writing pack: %v", err)
	}

	payload, err := Read(&buf)
	if err != nil {
		t.Fatalf("reading pack: %v", err)
	}

	h := payload.Header
	if h.RequestID != "r-1" || h.RequestRev != 2 || h.RequestText != "make acted return 2" {
		t.Errorf("request did not round trip: %+v", h)
	}
	if len(h.Entries) != 2 || len(h.Edges) != 1 {
		t.Fatalf("pack has %d entries, %d edges; want 2, 1", len(h.Entries), len(h.Edges))
	}

	actedHex := cas.BytesToHex(actedID)
	if payload.Current[actedHex] != "function acted() { return 1 }" {
		t.Errorf("current code = %q", payload.Current[actedHex])
	}
	if payload.Future[actedHex] != "function acted() { return 2 }" {
		t.Errorf("future code = %q", payload.Future[actedHex])
	}

	callerHex := cas.BytesToHex(callerID)
	if payload.Future[callerHex] != "" {
		t.Errorf("unchanged node has future code %q", payload.Future[callerHex])
	}

	first := h.Entries[0]
	if first.Role != mincontext.RoleActed || first.Action != graph.ActionEdit || first.Hops != 0 {
		t.Errorf("entry metadata = %+v", first)
	}
	if len(first.Diagnostics) != 1 {
		t.Errorf("diagnostics lost: %v", first.Diagnostics)
	}
	if h.Edges[0].State != graph.StateBoth {
		t.Errorf("edge state = %s, want both", h.Edges[0].State)
	}
}

func TestReadRejectsTruncatedPack(t *testing.T) {
	if _, err := Read(bytes.NewReader([]byte{0x28, 0xb5, 0x2f})); err == nil {
		t.Error("truncated pack should not parse")
	}
}

func TestPackEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	req := graph.ChangeRequest{ID: "r-1", Rev: 1, Text: "noop"}
	if err := Write(&buf, req, &mincontext.Context{}); err != nil {
		t.Fatalf("writing empty pack: %v", err)
	}
	payload, err := Read(&buf)
	if err != nil {
		t.Fatalf("reading empty pack: %v", err)
	}
	if len(payload.Header.Entries) != 0 {
		t.Errorf("empty pack has %d entries", len(payload.Header.Entries))
	}
}
