// Package encoder drives the external ffmpeg binary to produce
// adaptive-bitrate HLS output: one variant playlist plus segments per
// eligible resolution, a master playlist, and a thumbnail frame.
package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"akane/internal/observability/metrics"
)

const (
	segmentSeconds = 6
	// GOP for 24fps content aligned to the segment duration.
	gopSize = 144

	killGrace = 3 * time.Second

	stderrTailLimit = 2048
)

// EncodingError reports a failed variant encode with the subprocess exit
// code and a bounded stderr tail.
type EncodingError struct {
	Variant    string
	ExitCode   int
	StderrTail string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("EncodingFailed(%s, exit %d): %s", e.Variant, e.ExitCode, e.StderrTail)
}

// Kind selects hardware acceleration behaviour from the configured codec.
type Kind int

const (
	KindCPU Kind = iota
	KindNvenc
	KindVaapi
	KindQsv
)

// KindOf maps a codec name to its acceleration kind.
func KindOf(codec string) Kind {
	switch {
	case strings.Contains(codec, "nvenc"):
		return KindNvenc
	case strings.Contains(codec, "vaapi"):
		return KindVaapi
	case strings.Contains(codec, "qsv"):
		return KindQsv
	default:
		return KindCPU
	}
}

// ProgressFunc receives normalized encode progress: the variant being
// encoded and the overall percentage across all variants.
type ProgressFunc func(variant string, percentage int)

// Result describes the encoder output tree.
type Result struct {
	OutputDir      string
	MasterPlaylist string
	ThumbnailPath  string
	Variants       []Variant
}

// Encoder invokes ffmpeg once per variant, serially, parsing its progress
// stream and republishing normalized percentages.
type Encoder struct {
	binary  string
	codec   string
	logger  *slog.Logger
	metrics *metrics.Recorder

	// runVariant is the subprocess hook; tests substitute it to avoid
	// spawning ffmpeg.
	runVariant func(ctx context.Context, args []string, onLine func(string)) error
	// runInDirHook lets tests intercept attachment dumps.
	runInDirHook func(ctx context.Context, dir string, args []string) error
}

// New constructs an Encoder for the configured codec.
func New(codec string, logger *slog.Logger, recorder *metrics.Recorder) *Encoder {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	e := &Encoder{
		binary:  "ffmpeg",
		codec:   codec,
		logger:  logger,
		metrics: recorder,
	}
	e.runVariant = e.runFFmpeg
	return e
}

// Encode transcodes input into outDir. durationSeconds and sourceHeight come
// from the probe; onProgress may be nil. Variants are encoded serially to
// bound per-ingest encoder pressure; the caller holds the global encode
// permit for the whole call.
func (e *Encoder) Encode(ctx context.Context, input, outDir string, durationSeconds float64, sourceHeight int, onProgress ProgressFunc) (Result, error) {
	variants := VariantsForHeight(sourceHeight)
	if len(variants) == 0 {
		return Result{}, fmt.Errorf("no ladder variant fits source height %d", sourceHeight)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("prepare output dir: %w", err)
	}

	total := len(variants)
	for i, variant := range variants {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		segDir := outDir
		playlist := filepath.Join(outDir, variant.Label+".m3u8")
		segmentPattern := filepath.Join(segDir, fmt.Sprintf("%s_%%03d.ts", variant.Label))
		args := BuildVariantArgs(e.codec, variant, input, playlist, segmentPattern)

		e.logger.Info("encoding variant", "variant", variant.Label, "height", variant.Height, "bitrate_kbps", variant.VideoBitrateKbps)
		if onProgress != nil {
			onProgress(variant.Label, overallPercent(i, 0, total))
		}

		completed := i
		onLine := func(line string) {
			us, ok := ParseProgressLine(line)
			if !ok || durationSeconds <= 0 {
				return
			}
			frac := float64(us) / (durationSeconds * 1e6)
			if onProgress != nil {
				onProgress(variant.Label, overallPercent(completed, frac, total))
			}
		}

		e.metrics.EncodeStarted()
		err := e.runVariant(ctx, args, onLine)
		e.metrics.EncodeFinished()
		if err != nil {
			// Partial output is deleted by the orchestrator's cleanup.
			return Result{}, err
		}
		if onProgress != nil {
			onProgress(variant.Label, overallPercent(i+1, 0, total))
		}
	}

	master := filepath.Join(outDir, "master.m3u8")
	if err := WriteMasterPlaylist(master, variants); err != nil {
		return Result{}, err
	}

	thumbnail := filepath.Join(outDir, "thumbnail.jpg")
	if err := e.generateThumbnail(ctx, input, thumbnail, durationSeconds); err != nil {
		// A missing thumbnail does not fail the ingest.
		e.logger.Warn("thumbnail generation failed", "error", err)
		thumbnail = ""
	}

	return Result{
		OutputDir:      outDir,
		MasterPlaylist: master,
		ThumbnailPath:  thumbnail,
		Variants:       variants,
	}, nil
}

func overallPercent(completedVariants int, currentFrac float64, total int) int {
	if total <= 0 {
		return 0
	}
	if currentFrac < 0 {
		currentFrac = 0
	}
	if currentFrac > 1 {
		currentFrac = 1
	}
	pct := (float64(completedVariants) + currentFrac) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}

// BuildVariantArgs assembles the ffmpeg argument list for a single variant.
// Progress is requested on stdout as key=value lines; stderr carries
// diagnostics only.
func BuildVariantArgs(codec string, v Variant, input, playlist, segmentPattern string) []string {
	kind := KindOf(codec)

	args := []string{"-loglevel", "error", "-y", "-progress", "pipe:1", "-nostats"}

	switch kind {
	case KindNvenc:
		args = append(args, "-hwaccel", "cuda", "-hwaccel_output_format", "cuda")
	case KindVaapi:
		args = append(args, "-hwaccel", "vaapi", "-hwaccel_output_format", "vaapi", "-vaapi_device", "/dev/dri/renderD128")
	case KindQsv:
		args = append(args, "-hwaccel", "qsv", "-hwaccel_output_format", "qsv")
	}

	args = append(args, "-i", input, "-c:v", codec)

	switch kind {
	case KindNvenc:
		args = append(args, "-preset", "p3", "-profile:v", "main", "-rc:v", "vbr")
	case KindVaapi:
		args = append(args, "-rc_mode", "VBR", "-profile:v", "main")
	case KindQsv:
		args = append(args, "-preset", "faster", "-profile:v", "main")
	default:
		args = append(args, "-preset", "veryfast", "-profile:v", "main", "-level:v", "4.0")
	}

	args = append(args,
		"-b:v", fmt.Sprintf("%dk", v.VideoBitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", v.VideoBitrateKbps*3/2),
		"-bufsize", fmt.Sprintf("%dk", v.VideoBitrateKbps*2),
		"-vf", scaleFilter(kind, v.Height),
	)

	switch kind {
	case KindNvenc:
		args = append(args, "-pix_fmt", "cuda")
	case KindVaapi:
		args = append(args, "-pix_fmt", "vaapi")
	case KindQsv:
		args = append(args, "-pix_fmt", "qsv")
	default:
		args = append(args, "-pix_fmt", "yuv420p")
	}

	args = append(args,
		"-g", strconv.Itoa(gopSize),
		"-keyint_min", strconv.Itoa(gopSize),
		"-sc_threshold", "0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", segmentSeconds),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", v.AudioBitrateKbps),
		"-ac", "2",
		// Subtitles are extracted separately, never muxed into HLS.
		"-sn",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_type", "mpegts",
		"-start_number", "0",
		"-hls_segment_filename", segmentPattern,
		playlist,
	)
	return args
}

func scaleFilter(kind Kind, height int) string {
	switch kind {
	case KindNvenc:
		return fmt.Sprintf("scale_cuda=-2:%d", height)
	case KindVaapi:
		return fmt.Sprintf("scale_vaapi=-2:%d", height)
	case KindQsv:
		return fmt.Sprintf("vpp_qsv=w=-2:h=%d", height)
	default:
		return fmt.Sprintf("scale=-2:%d", height)
	}
}

// ParseProgressLine extracts the out_time_ms value (microseconds despite the
// name) from one ffmpeg -progress line.
func ParseProgressLine(line string) (int64, bool) {
	const prefix = "out_time_ms="
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	value := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if value == "" || value == "N/A" {
		return 0, false
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	return us, true
}

// WriteMasterPlaylist renders the master playlist referencing every variant
// playlist by bandwidth.
func WriteMasterPlaylist(path string, variants []Variant) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, v := range variants {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n", v.Bandwidth(), v.Resolution())
		b.WriteString(v.Label + ".m3u8\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}
	return nil
}

// runFFmpeg starts the encoder subprocess, streams stdout progress lines to
// onLine, and supervises shutdown: SIGTERM on cancellation, SIGKILL after a
// grace period.
func (e *Encoder) runFFmpeg(ctx context.Context, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr := newTailBuffer(stderrTailLimit)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	// The reader goroutine owns the pipe until EOF.
	lines := make(chan struct{})
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
	}()

	err = cmd.Wait()
	<-lines
	if err != nil {
		variant := variantFromArgs(args)
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &EncodingError{Variant: variant, ExitCode: exitCode, StderrTail: stderr.String()}
	}
	return nil
}

func variantFromArgs(args []string) string {
	for i := len(args) - 1; i >= 0; i-- {
		base := filepath.Base(args[i])
		if strings.HasSuffix(base, ".m3u8") {
			return strings.TrimSuffix(base, ".m3u8")
		}
	}
	return "unknown"
}

func (e *Encoder) generateThumbnail(ctx context.Context, input, output string, durationSeconds float64) error {
	offset := durationSeconds * 0.10
	if offset < 0 {
		offset = 0
	}
	args := []string{
		"-loglevel", "error", "-y",
		"-ss", fmt.Sprintf("%.2f", offset),
		"-i", input,
		"-vframes", "1",
		"-vf", "scale=640:-2",
		"-q:v", "5",
		output,
	}
	return e.runVariant(ctx, args, nil)
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	limit int
	data  []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.data = append(t.data, p...)
	if len(t.data) > t.limit {
		t.data = t.data[len(t.data)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.data))
}

var _ io.Writer = (*tailBuffer)(nil)
