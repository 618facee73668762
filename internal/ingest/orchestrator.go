// Package ingest runs the per-upload state machine: staging, probe, encode,
// object-store upload, sidecar extraction, metadata commit, and cleanup. It
// owns the two global permit pools and each upload's progress lifecycle.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"akane/internal/encoder"
	"akane/internal/media"
	"akane/internal/models"
	"akane/internal/objectstore"
	"akane/internal/observability/metrics"
	"akane/internal/progress"
	"akane/internal/storage"
)

// Prober abstracts media.Prober for tests.
type Prober interface {
	Probe(ctx context.Context, path string) (media.Info, error)
}

// MediaEncoder abstracts encoder.Encoder for tests.
type MediaEncoder interface {
	Encode(ctx context.Context, input, outDir string, durationSeconds float64, sourceHeight int, onProgress encoder.ProgressFunc) (encoder.Result, error)
	ExtractSubtitle(ctx context.Context, input string, track media.SubtitleTrack, outPath string) error
	ExtractAttachments(ctx context.Context, input, outDir string) error
}

// ObjectStore abstracts objectstore.Uploader for tests.
type ObjectStore interface {
	UploadTree(ctx context.Context, localRoot, remotePrefix string, sink objectstore.ProgressSink) error
	UploadFile(ctx context.Context, localPath, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,128}$`)

// ValidateUploadID enforces the opaque-token contract on client-supplied ids.
func ValidateUploadID(id string) error {
	if !uploadIDPattern.MatchString(id) {
		return NewError(KindInvalidRequest, "upload id must be 1-128 characters of [A-Za-z0-9-]")
	}
	return nil
}

const (
	minEncodeTimeout       = 10 * time.Minute
	encodeTimeoutPerSecond = 10 * time.Second
)

// Config wires the orchestrator's collaborators and permit ceilings.
type Config struct {
	Store      storage.Repository
	Bus        *progress.Registry
	Prober     Prober
	Encoder    MediaEncoder
	Objects    ObjectStore
	StagingDir string

	MaxConcurrentEncodes int64

	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Scrubber *Scrubber
}

// Orchestrator admits uploads and drives each through the pipeline in its
// own goroutine. A given upload id is processed at most once concurrently.
type Orchestrator struct {
	store   storage.Repository
	bus     *progress.Registry
	prober  Prober
	encoder MediaEncoder
	objects ObjectStore

	stagingDir    string
	encodePermits *semaphore.Weighted

	logger   *slog.Logger
	metrics  *metrics.Recorder
	scrubber *Scrubber
	newID    func() string

	mu     sync.Mutex
	active map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New constructs the orchestrator and its encode permit pool.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Scrubber == nil {
		cfg.Scrubber = NewScrubber(2048)
	}
	encodes := cfg.MaxConcurrentEncodes
	if encodes <= 0 {
		encodes = 1
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	return &Orchestrator{
		store:         cfg.Store,
		bus:           cfg.Bus,
		prober:        cfg.Prober,
		encoder:       cfg.Encoder,
		objects:       cfg.Objects,
		stagingDir:    cfg.StagingDir,
		encodePermits: semaphore.NewWeighted(encodes),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		scrubber:      cfg.Scrubber,
		newID:         uuid.NewString,
		active:        make(map[string]context.CancelFunc),
	}
}

// BeginParams describes one admitted upload.
type BeginParams struct {
	UploadID    string
	SourcePath  string
	DisplayName string
	Tags        []string
}

// Begin admits the upload and starts its pipeline goroutine. It fails with
// Conflict when the id is already being processed.
func (o *Orchestrator) Begin(params BeginParams) error {
	if err := ValidateUploadID(params.UploadID); err != nil {
		return err
	}
	if strings.TrimSpace(params.DisplayName) == "" {
		return NewError(KindInvalidRequest, "display name is required")
	}

	o.mu.Lock()
	if _, busy := o.active[params.UploadID]; busy {
		o.mu.Unlock()
		return NewError(KindConflict, "DuplicateUpload: upload id is already being processed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.active[params.UploadID] = cancel
	o.mu.Unlock()

	if err := o.ensureRecord(params.UploadID); err != nil {
		o.finishActive(params.UploadID)
		return err
	}

	o.metrics.IngestStarted()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx, params)
	}()
	return nil
}

// ensureRecord creates the progress record, reusing a live record left by
// the chunk-receiving phase and replacing an evictable terminal one.
func (o *Orchestrator) ensureRecord(uploadID string) error {
	err := o.bus.Create(uploadID)
	if err == nil {
		return nil
	}
	snap, snapErr := o.bus.Snapshot(uploadID)
	if snapErr != nil {
		return o.bus.Create(uploadID)
	}
	if snap.Status.Terminal() {
		o.bus.Evict(uploadID)
		return o.bus.Create(uploadID)
	}
	switch snap.Stage {
	case progress.StageInitializing, progress.StageReceivingChunks:
		return nil
	default:
		return NewError(KindConflict, "DuplicateUpload: upload id is already being processed")
	}
}

// Cancel requests cooperative cancellation of a running ingest. It reports
// whether a pipeline was active for the id.
func (o *Orchestrator) Cancel(uploadID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[uploadID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active reports whether the id currently has a running pipeline.
func (o *Orchestrator) Active(uploadID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[uploadID]
	return ok
}

// Shutdown waits for running pipelines to finish, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) finishActive(uploadID string) {
	o.mu.Lock()
	if cancel, ok := o.active[uploadID]; ok {
		delete(o.active, uploadID)
		cancel()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publish(uploadID string, delta progress.Delta) {
	if err := o.bus.Publish(uploadID, delta); err != nil {
		o.logger.Debug("progress publish dropped", "upload_id", uploadID, "error", err)
	}
}

func (o *Orchestrator) enterStage(uploadID string, stage progress.Stage, details string) {
	o.metrics.ObserveStage(string(stage), "enter")
	delta := progress.Delta{
		Stage:  progress.StagePtr(stage),
		Status: progress.StatusPtr(progress.StatusProcessing),
	}
	if details != "" {
		delta.Details = progress.StringPtr(details)
	}
	o.publish(uploadID, delta)
}

func (o *Orchestrator) run(ctx context.Context, params BeginParams) {
	logger := o.logger.With("upload_id", params.UploadID)
	videoID := o.newID()

	outDir := filepath.Join(o.stagingDir, "hls-"+videoID)
	sidecarDir := filepath.Join(o.stagingDir, "sidecars-"+videoID)

	result, err := o.pipeline(ctx, params, videoID, outDir, sidecarDir, logger)

	// Local staging is removed on every exit path; object-store cleanup
	// only on failure.
	_ = os.Remove(params.SourcePath)
	_ = os.RemoveAll(outDir)
	_ = os.RemoveAll(sidecarDir)

	if err != nil {
		kind := KindOf(err)
		message := o.scrubber.Scrub(err.Error())
		if kind == KindCancelled {
			message = "Cancelled by operator"
		}
		logger.Error("ingest failed", "kind", string(kind), "error", message)
		o.cleanupRemote(videoID)
		o.publish(params.UploadID, progress.Delta{
			Stage:  progress.StagePtr(progress.StageFinalizing),
			Status: progress.StatusPtr(progress.StatusFailed),
			Error:  progress.StringPtr(message),
		})
		o.metrics.IngestFailed()
	} else {
		o.publish(params.UploadID, progress.Delta{
			Stage:      progress.StagePtr(progress.StageFinalizing),
			Status:     progress.StatusPtr(progress.StatusCompleted),
			Percentage: progress.IntPtr(100),
			Details:    progress.StringPtr("Upload and processing complete"),
			Result:     result,
		})
		o.metrics.IngestCompleted()
		logger.Info("ingest completed", "video_id", videoID, "player_url", result.PlayerURL)
	}

	o.finishActive(params.UploadID)
}

// pipeline runs the ordered stages and returns the terminal result payload.
func (o *Orchestrator) pipeline(ctx context.Context, params BeginParams, videoID, outDir, sidecarDir string, logger *slog.Logger) (*progress.Result, error) {
	o.publish(params.UploadID, progress.Delta{
		VideoName: progress.StringPtr(params.DisplayName),
		Status:    progress.StatusPtr(progress.StatusProcessing),
	})

	// Staged -> Probed
	o.enterStage(params.UploadID, progress.StageProbing, "Inspecting source file")
	info, err := o.prober.Probe(ctx, params.SourcePath)
	if err != nil {
		return nil, err
	}
	variants := encoder.VariantsForHeight(info.Height)
	if len(variants) == 0 {
		return nil, NewError(KindProbeFailed, fmt.Sprintf("source height %d below smallest ladder rung", info.Height))
	}

	// Probed -> Encoded
	o.enterStage(params.UploadID, progress.StageEncoding, "Waiting for encode slot")
	if err := o.encodePermits.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	encodeCtx, cancelEncode := context.WithTimeout(ctx, encodeTimeout(info.DurationSeconds))
	encResult, err := o.encoder.Encode(encodeCtx, params.SourcePath, outDir, info.DurationSeconds, info.Height, func(variant string, pct int) {
		o.publish(params.UploadID, progress.Delta{
			Stage:       progress.StagePtr(progress.StageEncoding),
			Percentage:  progress.IntPtr(pct),
			Details:     progress.StringPtr("Encoding variant: " + variant),
			TotalChunks: progress.IntPtr(len(variants)),
		})
	})
	cancelEncode()
	o.encodePermits.Release(1)
	if err != nil {
		if ctx.Err() == nil && encodeCtx.Err() == context.DeadlineExceeded {
			return nil, WrapError(KindTimeout, fmt.Errorf("encode exceeded %s", encodeTimeout(info.DurationSeconds)))
		}
		return nil, err
	}

	// The thumbnail is uploaded under its own key, not with the HLS tree.
	thumbnailKey := ""
	thumbnailStaging := ""
	if encResult.ThumbnailPath != "" {
		thumbnailStaging = filepath.Join(o.stagingDir, "thumb-"+videoID+".jpg")
		if err := os.Rename(encResult.ThumbnailPath, thumbnailStaging); err != nil {
			logger.Warn("stage thumbnail", "error", err)
			thumbnailStaging = ""
		}
		defer func() {
			if thumbnailStaging != "" {
				_ = os.Remove(thumbnailStaging)
			}
		}()
	}

	// Encoded -> Uploaded
	o.enterStage(params.UploadID, progress.StageUploadingToObjectStore, "Uploading segments to storage")
	hlsPrefix := "hls/" + videoID
	err = o.objects.UploadTree(ctx, outDir, hlsPrefix, func(uploaded, total int) {
		pct := 0
		if total > 0 {
			pct = uploaded * 100 / total
		}
		o.publish(params.UploadID, progress.Delta{
			Stage:        progress.StagePtr(progress.StageUploadingToObjectStore),
			Percentage:   progress.IntPtr(pct),
			CurrentChunk: progress.IntPtr(uploaded),
			TotalChunks:  progress.IntPtr(total),
		})
	})
	if err != nil {
		return nil, err
	}
	if thumbnailStaging != "" {
		thumbnailKey = "thumbnails/" + videoID + ".jpg"
		if err := o.objects.UploadFile(ctx, thumbnailStaging, thumbnailKey); err != nil {
			return nil, err
		}
	}

	// Uploaded -> SidecarsExtracted
	o.enterStage(params.UploadID, progress.StageExtractingSidecars, "Extracting subtitles and fonts")
	subtitles, attachments, err := o.extractSidecars(ctx, params.SourcePath, videoID, sidecarDir, info, logger)
	if err != nil {
		return nil, err
	}
	chapters := make([]models.Chapter, 0, len(info.Chapters))
	for idx, ch := range info.Chapters {
		chapters = append(chapters, models.Chapter{
			VideoID: videoID,
			Index:   idx,
			StartMS: int64(ch.Start * 1000),
			EndMS:   int64(ch.End * 1000),
			Title:   ch.Title,
		})
	}

	// SidecarsExtracted -> Committed. This transaction is the atomic point
	// of visibility: nothing is written to the object store after it.
	o.enterStage(params.UploadID, progress.StageCommittingMetadata, "Saving metadata")
	resolutions := make([]int, 0, len(variants))
	for _, v := range variants {
		resolutions = append(resolutions, v.Height)
	}
	playlistKey := hlsPrefix + "/master.m3u8"
	_, err = o.store.CreateVideo(ctx, storage.CreateVideoParams{
		ID:              videoID,
		Name:            params.DisplayName,
		Tags:            params.Tags,
		Resolutions:     resolutions,
		DurationSeconds: int(info.DurationSeconds + 0.5),
		Width:           info.Width,
		Height:          info.Height,
		ThumbnailKey:    thumbnailKey,
		PlaylistKey:     playlistKey,
		Subtitles:       subtitles,
		Attachments:     attachments,
		Chapters:        chapters,
	})
	if err != nil {
		return nil, WrapError(KindMetadataFailed, err)
	}

	return &progress.Result{
		PlayerURL:   "/player/" + videoID,
		PlaylistURL: "/hls/" + videoID + "/master.m3u8",
		UploadID:    params.UploadID,
	}, nil
}

func (o *Orchestrator) extractSidecars(ctx context.Context, source, videoID, sidecarDir string, info media.Info, logger *slog.Logger) ([]models.SubtitleTrack, []models.FontAttachment, error) {
	var subtitles []models.SubtitleTrack
	var attachments []models.FontAttachment

	if len(info.Subtitles) > 0 {
		subDir := filepath.Join(sidecarDir, "subtitles")
		if err := os.MkdirAll(subDir, 0o755); err != nil {
			return nil, nil, WrapError(KindInternal, err)
		}
		for trackIdx, track := range info.Subtitles {
			ext := media.SubtitleExtension(track.Codec)
			localPath := filepath.Join(subDir, fmt.Sprintf("%d.%s", trackIdx, ext))
			if err := o.encoder.ExtractSubtitle(ctx, source, track, localPath); err != nil {
				if ctx.Err() != nil {
					return nil, nil, ctx.Err()
				}
				// A single broken track does not fail the ingest.
				logger.Warn("subtitle extraction failed", "track", trackIdx, "error", err)
				continue
			}
			key := fmt.Sprintf("subtitles/%s/%d.%s", videoID, trackIdx, ext)
			if err := o.objects.UploadFile(ctx, localPath, key); err != nil {
				return nil, nil, err
			}
			subtitles = append(subtitles, models.SubtitleTrack{
				VideoID:  videoID,
				Track:    trackIdx,
				Codec:    track.Codec,
				Language: track.Language,
				Title:    track.Title,
				Default:  track.Default,
				Forced:   track.Forced,
				Key:      key,
			})
		}
	}

	if len(info.Attachments) > 0 {
		fontDir := filepath.Join(sidecarDir, "fonts")
		if err := o.encoder.ExtractAttachments(ctx, source, fontDir); err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			logger.Warn("attachment extraction failed", "error", err)
		} else {
			for _, att := range info.Attachments {
				localPath := filepath.Join(fontDir, att.Filename)
				if _, err := os.Stat(localPath); err != nil {
					logger.Warn("attachment missing after extraction", "filename", att.Filename)
					continue
				}
				key := fmt.Sprintf("attachments/%s/%s", videoID, att.Filename)
				if err := o.objects.UploadFile(ctx, localPath, key); err != nil {
					return nil, nil, err
				}
				attachments = append(attachments, models.FontAttachment{
					VideoID:  videoID,
					Filename: att.Filename,
					Mime:     att.MimeType,
					Key:      key,
				})
			}
		}
	}

	return subtitles, attachments, nil
}

// cleanupRemote best-effort deletes everything written for a failed ingest.
// Orphan keys are tolerated.
func (o *Orchestrator) cleanupRemote(videoID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	for _, prefix := range []string{
		"hls/" + videoID + "/",
		"subtitles/" + videoID + "/",
		"attachments/" + videoID + "/",
	} {
		if err := o.objects.DeletePrefix(ctx, prefix); err != nil {
			o.logger.Warn("object store cleanup failed", "prefix", prefix, "error", err)
		}
	}
	if err := o.objects.Delete(ctx, "thumbnails/"+videoID+".jpg"); err != nil {
		o.logger.Warn("object store cleanup failed", "key", "thumbnails/"+videoID+".jpg", "error", err)
	}
}

func encodeTimeout(durationSeconds float64) time.Duration {
	timeout := time.Duration(durationSeconds) * encodeTimeoutPerSecond
	if timeout < minEncodeTimeout {
		return minEncodeTimeout
	}
	return timeout
}
