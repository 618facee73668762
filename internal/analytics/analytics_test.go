package analytics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMemoryViewersCountsAndExpires(t *testing.T) {
	now := time.Now().UTC()
	var mu sync.Mutex
	tracker := NewMemoryViewers(nil)
	tracker.clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	ctx := context.Background()

	_ = tracker.Heartbeat(ctx, "v1", "alice")
	_ = tracker.Heartbeat(ctx, "v1", "bob")
	_ = tracker.Heartbeat(ctx, "v2", "carol")

	counts, err := tracker.ActiveCounts(ctx)
	if err != nil {
		t.Fatalf("ActiveCounts error: %v", err)
	}
	if counts["v1"] != 2 || counts["v2"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}

	mu.Lock()
	now = now.Add(ViewerTTL + time.Second)
	mu.Unlock()
	_ = tracker.Heartbeat(ctx, "v1", "alice")

	counts, err = tracker.ActiveCounts(ctx)
	if err != nil {
		t.Fatalf("ActiveCounts error: %v", err)
	}
	if counts["v1"] != 1 {
		t.Fatalf("expected only refreshed viewer, got %v", counts)
	}
	if _, ok := counts["v2"]; ok {
		t.Fatalf("expected v2 to expire, got %v", counts)
	}
}

func TestNewViewStoreDisabledWithoutURL(t *testing.T) {
	store, err := NewViewStore(ClickHouseConfig{})
	if err != nil {
		t.Fatalf("NewViewStore error: %v", err)
	}
	if store.Enabled() {
		t.Fatal("expected disabled store")
	}
	if err := store.InsertView(context.Background(), "v1", "ip", "ua"); err != nil {
		t.Fatalf("noop insert must succeed: %v", err)
	}
}

func TestClickHouseStoreQueries(t *testing.T) {
	var queries []string
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		queries = append(queries, query)
		if r.Header.Get("X-ClickHouse-User") != "admin" {
			t.Errorf("missing clickhouse user header")
		}
		raw, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(raw))
		switch {
		case strings.Contains(query, "GROUP BY video_id"):
			_, _ = w.Write([]byte("{\"video_id\":\"v1\",\"views\":42}\n{\"video_id\":\"v2\",\"views\":7}\n"))
		case strings.Contains(query, "GROUP BY date"):
			_, _ = w.Write([]byte("{\"date\":\"2026-08-01\",\"views\":10}\n"))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	store, err := NewViewStore(ClickHouseConfig{URL: server.URL, User: "admin", Password: "pw", Database: "akane"})
	if err != nil {
		t.Fatalf("NewViewStore error: %v", err)
	}
	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema error: %v", err)
	}
	if err := store.InsertView(ctx, "v1", "1.2.3.4", "player"); err != nil {
		t.Fatalf("InsertView error: %v", err)
	}
	counts, err := store.ViewCounts(ctx, []string{"v1", "v2"})
	if err != nil {
		t.Fatalf("ViewCounts error: %v", err)
	}
	if counts["v1"] != 42 || counts["v2"] != 7 {
		t.Fatalf("unexpected counts %v", counts)
	}
	history, err := store.History(ctx, 30)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 1 || history[0].Views != 10 {
		t.Fatalf("unexpected history %v", history)
	}

	if len(queries) != 4 {
		t.Fatalf("expected 4 queries, got %d", len(queries))
	}
	if !strings.Contains(queries[0], "CREATE TABLE IF NOT EXISTS akane.video_views") {
		t.Fatalf("unexpected schema query %q", queries[0])
	}
	if !strings.Contains(queries[1], "FORMAT JSONEachRow") {
		t.Fatalf("insert must use JSONEachRow: %q", queries[1])
	}
	if !strings.Contains(bodies[1], `"video_id":"v1"`) {
		t.Fatalf("insert body missing row payload: %q", bodies[1])
	}
}

func TestClickHouseErrorSurfacesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Code: 60. DB::Exception: Table missing"))
	}))
	defer server.Close()

	store, err := NewViewStore(ClickHouseConfig{URL: server.URL})
	if err != nil {
		t.Fatalf("NewViewStore error: %v", err)
	}
	if err := store.InsertView(context.Background(), "v1", "ip", "ua"); err == nil || !strings.Contains(err.Error(), "Table missing") {
		t.Fatalf("expected error with body tail, got %v", err)
	}
}

func TestQuoteString(t *testing.T) {
	if got := quoteString(`o'brien\x`); got != `'o\'brien\\x'` {
		t.Fatalf("unexpected quoting %q", got)
	}
}

func TestViewCountsEmptyInputSkipsQuery(t *testing.T) {
	store := &ClickHouseStore{cfg: ClickHouseConfig{URL: "http://unreachable.invalid", Database: "d"}, httpClient: http.DefaultClient}
	counts, err := store.ViewCounts(context.Background(), nil)
	if err != nil || len(counts) != 0 {
		t.Fatalf("expected empty result without query, got %v %v", counts, err)
	}
}
