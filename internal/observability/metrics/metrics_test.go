package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveRequestNormalizesPath(t *testing.T) {
	rec := New()
	rec.ObserveRequest("get", "/api/progress/0b86d074-1f0b-4e9c-9f58-1c66a4c7f9d2", 200, 25*time.Millisecond)

	var buf strings.Builder
	rec.Write(&buf)
	out := buf.String()
	if !strings.Contains(out, `akane_http_requests_total{method="GET",path="/api/progress/:id",status="200"} 1`) {
		t.Fatalf("expected normalized request counter, got:\n%s", out)
	}
}

func TestGaugesNeverGoNegative(t *testing.T) {
	rec := New()
	rec.EncodeFinished()
	rec.UploadFinished(0, false)
	rec.IngestFailed()
	if rec.ActiveEncodes() != 0 || rec.ActiveUploads() != 0 || rec.ActiveIngests() != 0 {
		t.Fatalf("expected gauges to clamp at zero, got %d/%d/%d",
			rec.ActiveEncodes(), rec.ActiveUploads(), rec.ActiveIngests())
	}
}

func TestIngestLifecycleCounts(t *testing.T) {
	rec := New()
	rec.IngestStarted()
	rec.IngestStarted()
	rec.IngestCompleted()
	rec.IngestFailed()

	counts := rec.IngestCounts()
	if counts["start"] != 2 || counts["complete"] != 1 || counts["fail"] != 1 {
		t.Fatalf("unexpected ingest counts: %v", counts)
	}
	if rec.ActiveIngests() != 0 {
		t.Fatalf("expected zero active ingests, got %d", rec.ActiveIngests())
	}
}

func TestUploadCounters(t *testing.T) {
	rec := New()
	rec.UploadStarted()
	rec.UploadFinished(2048, true)
	rec.UploadStarted()
	rec.UploadFinished(0, false)

	var buf strings.Builder
	rec.Write(&buf)
	out := buf.String()
	if !strings.Contains(out, "akane_uploaded_objects_total 1") {
		t.Fatalf("expected one uploaded object, got:\n%s", out)
	}
	if !strings.Contains(out, "akane_uploaded_bytes_total 2048") {
		t.Fatalf("expected 2048 uploaded bytes, got:\n%s", out)
	}
}

func TestHandlerServesTextExposition(t *testing.T) {
	rec := New()
	rec.ObserveStage("Encoding", "enter")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, req)

	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rr.Body.String(), `akane_ingest_stage_events_total{stage="encoding",outcome="enter"} 1`) {
		t.Fatalf("expected stage counter in body:\n%s", rr.Body.String())
	}
}
