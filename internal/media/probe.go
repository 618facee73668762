// Package media inspects source files through the external ffprobe surface.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrProbeFailed wraps any probe subprocess or parse failure.
var ErrProbeFailed = errors.New("probe failed")

// Runner executes an external command and returns its stdout. Extracted so
// tests can substitute canned ffprobe output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

// Run executes the command, returning stdout. A non-zero exit carries a tail
// of stderr in the error.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, tail)
	}
	return stdout.Bytes(), nil
}

// SubtitleTrack describes one embedded subtitle stream. RelativeIndex is the
// position among all subtitle streams in the container, which is what
// ffmpeg's 0:s:N map selector expects.
type SubtitleTrack struct {
	StreamIndex   int
	RelativeIndex int
	Codec         string
	Language      string
	Title         string
	Default       bool
	Forced        bool
}

// Attachment describes one embedded font attachment.
type Attachment struct {
	Filename string
	MimeType string
}

// Chapter describes one chapter marker.
type Chapter struct {
	Start float64
	End   float64
	Title string
}

// Info is the probe result for a source file.
type Info struct {
	DurationSeconds float64
	Width           int
	Height          int
	AudioCodec      string
	Subtitles       []SubtitleTrack
	Attachments     []Attachment
	Chapters        []Chapter
}

const defaultProbeTimeout = 60 * time.Second

// Prober drives ffprobe against assembled source files.
type Prober struct {
	runner  Runner
	binary  string
	timeout time.Duration
}

// NewProber constructs a Prober. A nil runner falls back to os/exec.
func NewProber(runner Runner) *Prober {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Prober{runner: runner, binary: "ffprobe", timeout: defaultProbeTimeout}
}

type ffprobeStream struct {
	Index       int               `json:"index"`
	CodecType   string            `json:"codec_type"`
	CodecName   string            `json:"codec_name"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Tags        map[string]string `json:"tags"`
	Disposition struct {
		Default int `json:"default"`
		Forced  int `json:"forced"`
	} `json:"disposition"`
}

type ffprobeChapter struct {
	StartTime string            `json:"start_time"`
	EndTime   string            `json:"end_time"`
	Tags      map[string]string `json:"tags"`
}

type ffprobeOutput struct {
	Streams  []ffprobeStream  `json:"streams"`
	Chapters []ffprobeChapter `json:"chapters"`
	Format   struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

var subtitleCodecs = map[string]string{
	"ass":    "ass",
	"ssa":    "ssa",
	"subrip": "srt",
	"srt":    "srt",
}

// SubtitleExtension maps a probed subtitle codec to its sidecar file
// extension. Unknown codecs default to ass.
func SubtitleExtension(codec string) string {
	switch codec {
	case "subrip", "srt":
		return "srt"
	case "ssa":
		return "ssa"
	default:
		return "ass"
	}
}

// Probe inspects the file at path and returns duration, native resolution,
// subtitle tracks, font attachments, and chapters.
func (p *Prober) Probe(ctx context.Context, path string) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.runner.Run(ctx, p.binary,
		"-v", "error",
		"-show_streams",
		"-show_chapters",
		"-show_format",
		"-of", "json",
		path,
	)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}

	var raw ffprobeOutput
	if err := json.Unmarshal(out, &raw); err != nil {
		return Info{}, fmt.Errorf("%w: malformed ffprobe output: %v", ErrProbeFailed, err)
	}

	info := Info{}
	if raw.Format.Duration != "" {
		duration, err := strconv.ParseFloat(raw.Format.Duration, 64)
		if err != nil {
			return Info{}, fmt.Errorf("%w: bad duration %q", ErrProbeFailed, raw.Format.Duration)
		}
		info.DurationSeconds = duration
	}

	subtitleOrdinal := 0
	for _, stream := range raw.Streams {
		switch stream.CodecType {
		case "video":
			if info.Height == 0 {
				info.Width = stream.Width
				info.Height = stream.Height
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = stream.CodecName
			}
		case "subtitle":
			relative := subtitleOrdinal
			subtitleOrdinal++
			codec, ok := subtitleCodecs[stream.CodecName]
			if !ok {
				continue
			}
			info.Subtitles = append(info.Subtitles, SubtitleTrack{
				StreamIndex:   stream.Index,
				RelativeIndex: relative,
				Codec:         codec,
				Language:      stream.Tags["language"],
				Title:         stream.Tags["title"],
				Default:       stream.Disposition.Default == 1,
				Forced:        stream.Disposition.Forced == 1,
			})
		case "attachment":
			filename := stream.Tags["filename"]
			if filename == "" {
				continue
			}
			mime := stream.Tags["mimetype"]
			if mime == "" {
				mime = guessFontMime(filename)
			}
			if !isFontMime(mime) {
				continue
			}
			info.Attachments = append(info.Attachments, Attachment{Filename: filename, MimeType: mime})
		}
	}

	if info.Height == 0 {
		return Info{}, fmt.Errorf("%w: no video stream found", ErrProbeFailed)
	}
	if info.DurationSeconds <= 0 {
		return Info{}, fmt.Errorf("%w: no duration found", ErrProbeFailed)
	}

	for _, ch := range raw.Chapters {
		start, err1 := strconv.ParseFloat(ch.StartTime, 64)
		end, err2 := strconv.ParseFloat(ch.EndTime, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		info.Chapters = append(info.Chapters, Chapter{
			Start: start,
			End:   end,
			Title: ch.Tags["title"],
		})
	}

	return info, nil
}

func guessFontMime(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".ttf"):
		return "font/ttf"
	case strings.HasSuffix(lower, ".otf"):
		return "font/otf"
	case strings.HasSuffix(lower, ".woff"):
		return "font/woff"
	case strings.HasSuffix(lower, ".woff2"):
		return "font/woff2"
	default:
		return "application/octet-stream"
	}
}

func isFontMime(mime string) bool {
	lower := strings.ToLower(mime)
	if strings.HasPrefix(lower, "font/") {
		return true
	}
	switch lower {
	case "application/x-truetype-font", "application/x-font-ttf", "application/font-sfnt", "application/vnd.ms-opentype":
		return true
	}
	return false
}
