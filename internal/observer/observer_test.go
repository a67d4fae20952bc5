package observer

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hopveil/hopveil/internal/runctx"
)

func TestRecordWindowWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	rc, err := runctx.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	r := NewRecorder(rc)

	if err := r.RecordWindow(runctx.WindowRecord{WindowID: 1, PathID: 0, Trigger: "none", Action: "static"}); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(dir, "window_logs.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("expected one line")
	}
	var rec runctx.WindowRecord
	if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.WindowID != 1 {
		t.Fatalf("window_id = %d, want 1", rec.WindowID)
	}
}

func TestEnableMetricsMirrorsFieldsAndServesHTTP(t *testing.T) {
	dir := t.TempDir()
	rc, err := runctx.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	r := NewRecorder(rc)
	reg := r.EnableMetrics()

	if err := r.RecordWindow(runctx.WindowRecord{
		WindowID: 5, PathID: 1, PaddingBytes: 100, RealBytes: 200,
		RTTMs: 33.5, Loss: 0.1, ProtoFamily: 2, ProtoVariant: 1, Trigger: "timeout",
	}); err != nil {
		t.Fatal(err)
	}

	srv := NewServer("127.0.0.1:0", reg, func() (int, int) { return 3, 2 })
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var hs healthStatus
	if err := json.NewDecoder(resp2.Body).Decode(&hs); err != nil {
		t.Fatal(err)
	}
	if hs.Status != "healthy" || hs.Sessions != 3 || hs.Paths != 2 {
		t.Fatalf("unexpected health status: %+v", hs)
	}
}

func TestPathLabelForFormatsIndex(t *testing.T) {
	if pathLabelFor(0) != "0" || pathLabelFor(12) != "12" {
		t.Fatal("pathLabelFor must format as decimal")
	}
}
