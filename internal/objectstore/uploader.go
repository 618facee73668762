package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"akane/internal/observability/metrics"
)

const (
	maxPutAttempts  = 5
	retryBaseDelay  = 100 * time.Millisecond
	retryJitterFrac = 0.25
)

// UploadError reports a permanently failed PUT within an upload tree.
type UploadError struct {
	Path  string
	Cause error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("UploadFailed(%s): %v", e.Path, e.Cause)
}

func (e *UploadError) Unwrap() error {
	return e.Cause
}

// ProgressSink receives upload progress as files complete.
type ProgressSink func(uploaded, total int)

// Uploader PUTs local files into the object store, bounding system-wide
// parallelism with the shared upload permit pool.
type Uploader struct {
	client  *Client
	permits *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Recorder
	sleep   func(context.Context, time.Duration) error
}

// NewUploader constructs an Uploader sharing the process-wide upload permit
// pool.
func NewUploader(client *Client, permits *semaphore.Weighted, logger *slog.Logger, recorder *metrics.Recorder) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Uploader{
		client:  client,
		permits: permits,
		logger:  logger,
		metrics: recorder,
		sleep:   sleepContext,
	}
}

// Client exposes the underlying bucket client for proxy reads and cleanup.
func (u *Uploader) Client() *Client {
	return u.client
}

// DeletePrefix forwards best-effort prefix cleanup to the bucket client.
func (u *Uploader) DeletePrefix(ctx context.Context, prefix string) error {
	return u.client.DeletePrefix(ctx, prefix)
}

// Delete forwards single-key deletion to the bucket client.
func (u *Uploader) Delete(ctx context.Context, key string) error {
	return u.client.Delete(ctx, key)
}

// PublicURL forwards public URL composition to the bucket client.
func (u *Uploader) PublicURL(key string) string {
	return u.client.PublicURL(key)
}

// UploadTree walks localRoot and PUTs every regular file under remotePrefix,
// preserving relative paths. Each file acquires one permit from the global
// pool so parallelism is bounded across concurrent ingests. The first
// permanent failure cancels remaining PUTs and is returned as *UploadError.
func (u *Uploader) UploadTree(ctx context.Context, localRoot, remotePrefix string, sink ProgressSink) error {
	var files []string
	err := filepath.WalkDir(localRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return &UploadError{Path: localRoot, Cause: err}
	}
	total := len(files)
	if sink != nil {
		sink(0, total)
	}
	if total == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		uploaded int
		firstErr error
	)
	prefix := strings.Trim(remotePrefix, "/")
	for _, path := range files {
		rel, err := filepath.Rel(localRoot, path)
		if err != nil {
			return &UploadError{Path: path, Cause: err}
		}
		key := prefix + "/" + filepath.ToSlash(rel)

		wg.Add(1)
		go func(path, key string) {
			defer wg.Done()
			if err := u.permits.Acquire(ctx, 1); err != nil {
				recordErr(&mu, &firstErr, &UploadError{Path: path, Cause: err})
				return
			}
			defer u.permits.Release(1)

			if err := u.putFileWithRetry(ctx, path, key); err != nil {
				recordErr(&mu, &firstErr, &UploadError{Path: path, Cause: err})
				cancel()
				return
			}
			mu.Lock()
			uploaded++
			done, all := uploaded, total
			mu.Unlock()
			if sink != nil {
				sink(done, all)
			}
		}(path, key)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

// UploadFile PUTs a single local file under key, holding one upload permit.
func (u *Uploader) UploadFile(ctx context.Context, localPath, key string) error {
	if err := u.permits.Acquire(ctx, 1); err != nil {
		return &UploadError{Path: localPath, Cause: err}
	}
	defer u.permits.Release(1)
	if err := u.putFileWithRetry(ctx, localPath, key); err != nil {
		return &UploadError{Path: localPath, Cause: err}
	}
	return nil
}

func (u *Uploader) putFileWithRetry(ctx context.Context, path, key string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	contentType := ContentTypeFor(path)

	var lastErr error
	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		if attempt > 0 {
			if err := u.sleep(ctx, backoffDelay(attempt)); err != nil {
				return err
			}
		}
		u.metrics.UploadStarted()
		err := u.client.Put(ctx, key, contentType, body)
		u.metrics.UploadFinished(int64(len(body)), err == nil)
		if err == nil {
			u.logger.Debug("uploaded object", "key", key, "bytes", len(body))
			return nil
		}
		lastErr = err
		if !retriable(err) {
			return err
		}
		u.logger.Warn("transient upload failure, retrying", "key", key, "attempt", attempt+1, "error", err)
	}
	return lastErr
}

func retriable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retriable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Network-level failures (connection reset, timeout) surface as URL
	// errors and are worth retrying.
	return true
}

// backoffDelay is 100ms doubled per attempt with ±25% jitter.
func backoffDelay(attempt int) time.Duration {
	base := retryBaseDelay << (attempt - 1)
	jitter := 1 + retryJitterFrac*(2*rand.Float64()-1)
	return time.Duration(float64(base) * jitter)
}

func recordErr(mu *sync.Mutex, slot *error, err error) {
	mu.Lock()
	defer mu.Unlock()
	if *slot == nil {
		*slot = err
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
