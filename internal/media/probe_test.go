package media

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type stubRunner struct {
	output []byte
	err    error
	calls  int
}

func (s *stubRunner) Run(_ context.Context, _ string, _ ...string) ([]byte, error) {
	s.calls++
	return s.output, s.err
}

const sampleProbeOutput = `{
  "streams": [
    {"index": 0, "codec_type": "video", "codec_name": "h264", "width": 1280, "height": 720},
    {"index": 1, "codec_type": "audio", "codec_name": "aac"},
    {"index": 2, "codec_type": "subtitle", "codec_name": "ass", "tags": {"language": "eng", "title": "English"}, "disposition": {"default": 1, "forced": 0}},
    {"index": 3, "codec_type": "subtitle", "codec_name": "subrip", "tags": {"language": "jpn"}},
    {"index": 4, "codec_type": "subtitle", "codec_name": "hdmv_pgs_subtitle"},
    {"index": 5, "codec_type": "attachment", "tags": {"filename": "Lato.ttf", "mimetype": "font/ttf"}},
    {"index": 6, "codec_type": "attachment", "tags": {"filename": "notes.txt", "mimetype": "text/plain"}}
  ],
  "chapters": [
    {"start_time": "0.000000", "end_time": "90.500000", "tags": {"title": "Opening"}},
    {"start_time": "90.500000", "end_time": "1380.000000", "tags": {"title": "Main"}}
  ],
  "format": {"duration": "1380.250000"}
}`

func TestProbeParsesFullOutput(t *testing.T) {
	prober := NewProber(&stubRunner{output: []byte(sampleProbeOutput)})
	info, err := prober.Probe(context.Background(), "/tmp/in.mkv")
	if err != nil {
		t.Fatalf("Probe error: %v", err)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Fatalf("unexpected resolution %dx%d", info.Width, info.Height)
	}
	if info.DurationSeconds != 1380.25 {
		t.Fatalf("unexpected duration %f", info.DurationSeconds)
	}
	if info.AudioCodec != "aac" {
		t.Fatalf("unexpected audio codec %q", info.AudioCodec)
	}
	if len(info.Subtitles) != 2 {
		t.Fatalf("expected 2 supported subtitle tracks, got %d", len(info.Subtitles))
	}
	if info.Subtitles[0].Codec != "ass" || !info.Subtitles[0].Default {
		t.Fatalf("unexpected first subtitle %+v", info.Subtitles[0])
	}
	if info.Subtitles[1].Codec != "srt" || info.Subtitles[1].Language != "jpn" {
		t.Fatalf("unexpected second subtitle %+v", info.Subtitles[1])
	}
	if info.Subtitles[0].RelativeIndex != 0 || info.Subtitles[1].RelativeIndex != 1 {
		t.Fatalf("unexpected relative indices %d/%d", info.Subtitles[0].RelativeIndex, info.Subtitles[1].RelativeIndex)
	}
	if len(info.Attachments) != 1 || info.Attachments[0].Filename != "Lato.ttf" {
		t.Fatalf("expected only font attachments, got %+v", info.Attachments)
	}
	if len(info.Chapters) != 2 || info.Chapters[1].Title != "Main" {
		t.Fatalf("unexpected chapters %+v", info.Chapters)
	}
}

func TestProbeFailsOnSubprocessError(t *testing.T) {
	prober := NewProber(&stubRunner{err: fmt.Errorf("exit status 1")})
	if _, err := prober.Probe(context.Background(), "/tmp/in.mkv"); !errors.Is(err, ErrProbeFailed) {
		t.Fatalf("expected ErrProbeFailed, got %v", err)
	}
}

func TestProbeFailsOnMalformedOutput(t *testing.T) {
	prober := NewProber(&stubRunner{output: []byte("not json")})
	if _, err := prober.Probe(context.Background(), "/tmp/in.mkv"); !errors.Is(err, ErrProbeFailed) {
		t.Fatalf("expected ErrProbeFailed, got %v", err)
	}
}

func TestProbeFailsWithoutVideoStream(t *testing.T) {
	prober := NewProber(&stubRunner{output: []byte(`{"streams":[{"index":0,"codec_type":"audio","codec_name":"aac"}],"format":{"duration":"10.0"}}`)})
	if _, err := prober.Probe(context.Background(), "/tmp/in.mkv"); !errors.Is(err, ErrProbeFailed) {
		t.Fatalf("expected ErrProbeFailed, got %v", err)
	}
}

func TestSubtitleExtension(t *testing.T) {
	cases := map[string]string{
		"ass":    "ass",
		"ssa":    "ssa",
		"subrip": "srt",
		"srt":    "srt",
		"other":  "ass",
	}
	for codec, want := range cases {
		if got := SubtitleExtension(codec); got != want {
			t.Errorf("SubtitleExtension(%q) = %q, want %q", codec, got, want)
		}
	}
}

func TestGuessFontMime(t *testing.T) {
	if guessFontMime("Font.OTF") != "font/otf" {
		t.Fatal("expected case-insensitive otf detection")
	}
	if guessFontMime("x.bin") != "application/octet-stream" {
		t.Fatal("expected fallback mime")
	}
}
