package objectstore

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"
)

func TestContentTypeInference(t *testing.T) {
	cases := map[string]string{
		"master.m3u8":   "application/vnd.apple.mpegurl",
		"720p_000.TS":   "video/mp2t",
		"init.m4s":      "video/iso.segment",
		"video.mp4":     "video/mp4",
		"thumb.jpg":     "image/jpeg",
		"track.vtt":     "text/vtt",
		"track.ass":     "text/plain",
		"track.ssa":     "text/plain",
		"track.srt":     "application/x-subrip",
		"font.ttf":      "font/ttf",
		"font.otf":      "font/otf",
		"mystery.dat":   "application/octet-stream",
		"noextension":   "application/octet-stream",
		"dir/thumb.JPG": "image/jpeg",
	}
	for path, want := range cases {
		if got := ContentTypeFor(path); got != want {
			t.Errorf("ContentTypeFor(%q) = %q, want %q", path, got, want)
		}
	}
}

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string

	failures   map[string]int
	failStatus int

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
		failures: make(map[string]int),
	}
}

func (b *fakeBucket) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Errorf("request %s %s missing SigV4 authorization", r.Method, r.URL.Path)
		}
		key := strings.TrimPrefix(r.URL.Path, "/videos/")
		switch r.Method {
		case http.MethodPut:
			current := b.inFlight.Add(1)
			for {
				max := b.maxInFlight.Load()
				if current <= max || b.maxInFlight.CompareAndSwap(max, current) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			defer b.inFlight.Add(-1)

			b.mu.Lock()
			if remaining := b.failures[key]; remaining > 0 {
				b.failures[key] = remaining - 1
				status := b.failStatus
				b.mu.Unlock()
				w.WriteHeader(status)
				return
			}
			body, _ := io.ReadAll(r.Body)
			b.objects[key] = body
			b.types[key] = r.Header.Get("Content-Type")
			b.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			if strings.Contains(r.URL.RawQuery, "list-type=2") {
				b.serveList(w, r)
				return
			}
			b.mu.Lock()
			body, ok := b.objects[key]
			contentType := b.types[key]
			b.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", contentType)
			_, _ = w.Write(body)
		case http.MethodDelete:
			b.mu.Lock()
			delete(b.objects, key)
			b.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func (b *fakeBucket) serveList(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	type content struct {
		Key string `xml:"Key"`
	}
	var result struct {
		XMLName     xml.Name  `xml:"ListBucketResult"`
		IsTruncated bool      `xml:"IsTruncated"`
		Contents    []content `xml:"Contents"`
	}
	b.mu.Lock()
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			result.Contents = append(result.Contents, content{Key: key})
		}
	}
	b.mu.Unlock()
	w.Header().Set("Content-Type", "application/xml")
	_ = xml.NewEncoder(w).Encode(result)
}

func newTestUploader(t *testing.T, bucket *fakeBucket, permits int64) *Uploader {
	t.Helper()
	server := httptest.NewServer(bucket.handler(t))
	t.Cleanup(server.Close)
	client, err := NewClient(Config{
		Endpoint:      server.URL,
		Bucket:        "videos",
		AccessKey:     "ak",
		SecretKey:     "sk",
		PublicBaseURL: "https://cdn.example.com",
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	up := NewUploader(client, semaphore.NewWeighted(permits), nil, nil)
	up.sleep = func(context.Context, time.Duration) error { return nil }
	return up
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, body := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return root
}

func TestUploadTreeUploadsEverythingWithProgress(t *testing.T) {
	bucket := newFakeBucket()
	up := newTestUploader(t, bucket, 4)
	root := writeTree(t, map[string]string{
		"master.m3u8": "#EXTM3U",
		"720p.m3u8":   "#EXTM3U",
		"720p_000.ts": "segment0",
		"720p_001.ts": "segment1",
	})

	var mu sync.Mutex
	var finalUploaded, finalTotal int
	err := up.UploadTree(context.Background(), root, "hls/v1", func(uploaded, total int) {
		mu.Lock()
		finalUploaded, finalTotal = uploaded, total
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("UploadTree error: %v", err)
	}
	if finalUploaded != 4 || finalTotal != 4 {
		t.Fatalf("expected progress 4/4, got %d/%d", finalUploaded, finalTotal)
	}
	if string(bucket.objects["hls/v1/720p_000.ts"]) != "segment0" {
		t.Fatalf("segment content missing: %v", bucket.objects)
	}
	if bucket.types["hls/v1/master.m3u8"] != "application/vnd.apple.mpegurl" {
		t.Fatalf("wrong playlist content type %q", bucket.types["hls/v1/master.m3u8"])
	}
}

func TestUploadTreeRetriesTransientErrors(t *testing.T) {
	bucket := newFakeBucket()
	bucket.failStatus = http.StatusBadGateway
	bucket.failures["hls/v1/a.ts"] = 2
	up := newTestUploader(t, bucket, 2)
	root := writeTree(t, map[string]string{"a.ts": "x"})

	if err := up.UploadTree(context.Background(), root, "hls/v1", nil); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if string(bucket.objects["hls/v1/a.ts"]) != "x" {
		t.Fatal("object not stored after retries")
	}
}

func TestUploadTreeFailsFastOnClientError(t *testing.T) {
	bucket := newFakeBucket()
	bucket.failStatus = http.StatusForbidden
	bucket.failures["hls/v1/a.ts"] = 100
	up := newTestUploader(t, bucket, 2)
	root := writeTree(t, map[string]string{"a.ts": "x"})

	err := up.UploadTree(context.Background(), root, "hls/v1", nil)
	var upErr *UploadError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 cause, got %v", err)
	}
	if remaining := bucket.failures["hls/v1/a.ts"]; remaining != 99 {
		t.Fatalf("expected a single attempt for a 403, %d failures consumed", 100-remaining)
	}
}

func TestUploadTreeBoundsParallelism(t *testing.T) {
	bucket := newFakeBucket()
	up := newTestUploader(t, bucket, 2)
	files := make(map[string]string)
	for i := 0; i < 12; i++ {
		files[fmt.Sprintf("seg_%03d.ts", i)] = "x"
	}
	root := writeTree(t, files)

	if err := up.UploadTree(context.Background(), root, "hls/v1", nil); err != nil {
		t.Fatalf("UploadTree error: %v", err)
	}
	if max := bucket.maxInFlight.Load(); max > 2 {
		t.Fatalf("parallelism exceeded permit pool: %d concurrent PUTs", max)
	}
}

func TestDeletePrefixRemovesListedKeys(t *testing.T) {
	bucket := newFakeBucket()
	up := newTestUploader(t, bucket, 2)
	bucket.objects["hls/v1/a.ts"] = []byte("x")
	bucket.objects["hls/v1/b.ts"] = []byte("y")
	bucket.objects["hls/v2/c.ts"] = []byte("z")

	if err := up.Client().DeletePrefix(context.Background(), "hls/v1/"); err != nil {
		t.Fatalf("DeletePrefix error: %v", err)
	}
	if _, ok := bucket.objects["hls/v1/a.ts"]; ok {
		t.Fatal("expected hls/v1 objects deleted")
	}
	if _, ok := bucket.objects["hls/v2/c.ts"]; !ok {
		t.Fatal("unrelated prefix must survive")
	}
}

func TestGetStreamsObject(t *testing.T) {
	bucket := newFakeBucket()
	up := newTestUploader(t, bucket, 1)
	bucket.objects["hls/v1/master.m3u8"] = []byte("#EXTM3U")
	bucket.types["hls/v1/master.m3u8"] = "application/vnd.apple.mpegurl"

	obj, err := up.Client().Get(context.Background(), "hls/v1/master.m3u8")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	defer obj.Body.Close()
	body, _ := io.ReadAll(obj.Body)
	if string(body) != "#EXTM3U" {
		t.Fatalf("unexpected body %q", body)
	}
	if obj.ContentType != "application/vnd.apple.mpegurl" {
		t.Fatalf("unexpected content type %q", obj.ContentType)
	}

	if _, err := up.Client().Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestPublicURL(t *testing.T) {
	client, err := NewClient(Config{
		Endpoint:      "https://acc.r2.cloudflarestorage.com",
		Bucket:        "videos",
		PublicBaseURL: "https://cdn.example.com/",
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if got := client.PublicURL("/hls/v1/master.m3u8"); got != "https://cdn.example.com/hls/v1/master.m3u8" {
		t.Fatalf("unexpected public URL %q", got)
	}
}

func TestBackoffDelayWithinJitterBounds(t *testing.T) {
	for attempt := 1; attempt < maxPutAttempts; attempt++ {
		base := retryBaseDelay << (attempt - 1)
		for i := 0; i < 50; i++ {
			d := backoffDelay(attempt)
			min := time.Duration(float64(base) * 0.74)
			max := time.Duration(float64(base) * 1.26)
			if d < min || d > max {
				t.Fatalf("attempt %d delay %v outside [%v, %v]", attempt, d, min, max)
			}
		}
	}
}
