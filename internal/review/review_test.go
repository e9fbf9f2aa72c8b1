package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"isg/internal/cas"
	"isg/internal/graph"
	"isg/internal/mincontext"
	"isg/internal/pack"
)

func testInput() Input {
	id := cas.Digest([]byte("acted"))
	return Input{
		Request: graph.ChangeRequest{ID: "r-1", Rev: 1, Text: "change acted"},
		Context: &mincontext.Context{
			Entries: []mincontext.Entry{{
				Node: &graph.Node{
					ID:           id,
					Kind:         graph.KindInterface,
					Signature:    "a.js: function acted()",
					CurrentCode:  "function acted() {}",
					CurrentInd:   true,
					FutureCode:   "function acted() { return 1 }",
					FutureAction: graph.ActionEdit,
					FutureInd:    true,
				},
				Role: mincontext.RoleActed,
			}},
		},
	}
}

func TestRemoteReviewerRoundTrip(t *testing.T) {
	var gotContentType string
	var gotRequestID string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/review" {
			t.Errorf("path = %s, want /review", r.URL.Path)
		}
		gotContentType = r.Header.Get("Content-Type")

		payload, err := pack.Read(r.Body)
		if err != nil {
			t.Errorf("decoding pack: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotRequestID = payload.Header.RequestID

		json.NewEncoder(w).Encode(Verdict{Kind: Confident, Note: "looks right"})
	}))
	defer srv.Close()

	r := NewRemoteReviewer(srv.URL, time.Minute)
	verdict, err := r.Review(context.Background(), testInput())
	if err != nil {
		t.Fatalf("reviewing: %v", err)
	}

	if gotContentType != "application/zstd" {
		t.Errorf("content type = %q", gotContentType)
	}
	if gotRequestID != "r-1" {
		t.Errorf("pack request id = %q", gotRequestID)
	}
	if verdict.Kind != Confident || verdict.Note != "looks right" {
		t.Errorf("verdict = %+v", verdict)
	}
}

func TestRemoteReviewerRejectsUnknownVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"kind": "shrug"})
	}))
	defer srv.Close()

	r := NewRemoteReviewer(srv.URL, time.Minute)
	if _, err := r.Review(context.Background(), testInput()); err == nil {
		t.Error("unknown verdict kind should error")
	}
}

func TestRemoteReviewerSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "reviewer overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewRemoteReviewer(srv.URL, time.Minute)
	if _, err := r.Review(context.Background(), testInput()); err == nil {
		t.Error("server error should surface")
	}
}

func TestDirCodegenWritesManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "staging")
	cg := &DirCodegen{Dir: dir}

	editID := cas.Digest([]byte("edited"))
	deleteID := cas.Digest([]byte("deleted"))
	changed := []*graph.Node{
		{
			ID: editID, Kind: graph.KindInterface, Signature: "a.js: function edited()",
			CurrentInd: true, FutureInd: true, FutureAction: graph.ActionEdit,
			FutureCode: "function edited() { return 1 }",
		},
		{
			ID: deleteID, Kind: graph.KindInterface, Signature: "a.js: function deleted()",
			CurrentInd: true, FutureAction: graph.ActionDelete,
		},
	}

	if err := cg.Materialize(context.Background(), changed); err != nil {
		t.Fatalf("materializing: %v", err)
	}

	code, err := os.ReadFile(filepath.Join(dir, cas.BytesToHex(editID)+".code"))
	if err != nil {
		t.Fatalf("reading staged code: %v", err)
	}
	if string(code) != "function edited() { return 1 }" {
		t.Errorf("staged code = %q", code)
	}

	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	var manifest []struct {
		NodeID string       `json:"nodeId"`
		Action graph.Action `json:"action"`
		File   string       `json:"file"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("parsing manifest: %v", err)
	}
	if len(manifest) != 2 {
		t.Fatalf("manifest has %d entries, want 2", len(manifest))
	}
	for _, entry := range manifest {
		if entry.Action == graph.ActionDelete && entry.File != "" {
			t.Errorf("deleted node staged a file: %+v", entry)
		}
		if entry.Action == graph.ActionEdit && entry.File == "" {
			t.Errorf("edited node staged no file: %+v", entry)
		}
	}
}

func TestDirCodegenHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cg := &DirCodegen{Dir: filepath.Join(t.TempDir(), "staging")}
	err := cg.Materialize(ctx, []*graph.Node{{
		ID: cas.Digest([]byte("x")), FutureAction: graph.ActionEdit, FutureCode: "x",
	}})
	if err == nil {
		t.Error("cancelled context should stop materialization")
	}
}
