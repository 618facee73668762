package encoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVariantsForHeight(t *testing.T) {
	cases := []struct {
		height int
		want   []string
	}{
		{2160, []string{"1080p", "720p", "480p", "360p"}},
		{1080, []string{"1080p", "720p", "480p", "360p"}},
		{720, []string{"720p", "480p", "360p"}},
		{719, []string{"480p", "360p"}},
		{360, []string{"360p"}},
		{240, nil},
	}
	for _, tc := range cases {
		variants := VariantsForHeight(tc.height)
		var labels []string
		for _, v := range variants {
			labels = append(labels, v.Label)
		}
		if len(labels) != len(tc.want) {
			t.Errorf("height %d: got %v, want %v", tc.height, labels, tc.want)
			continue
		}
		for i := range labels {
			if labels[i] != tc.want[i] {
				t.Errorf("height %d: got %v, want %v", tc.height, labels, tc.want)
				break
			}
		}
	}
}

func TestParseProgressLine(t *testing.T) {
	cases := []struct {
		line string
		want int64
		ok   bool
	}{
		{"out_time_ms=1500000", 1500000, true},
		{"  out_time_ms=0 ", 0, true},
		{"out_time_ms=N/A", 0, false},
		{"frame=120", 0, false},
		{"out_time_ms=-5", 0, false},
		{"out_time=00:00:01.500000", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseProgressLine(tc.line)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseProgressLine(%q) = (%d, %v), want (%d, %v)", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func TestBuildVariantArgsCPU(t *testing.T) {
	v := Variant{Label: "720p", Height: 720, VideoBitrateKbps: 2800, AudioBitrateKbps: 128}
	args := BuildVariantArgs("libx264", v, "/in.mkv", "/out/720p.m3u8", "/out/720p_%03d.ts")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-c:v libx264",
		"-b:v 2800k",
		"-maxrate 4200k",
		"-bufsize 5600k",
		"-vf scale=-2:720",
		"-hls_time 6",
		"-hls_segment_type mpegts",
		"-progress pipe:1",
		"-sn",
		"/out/720p.m3u8",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected args to contain %q:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "-hwaccel") {
		t.Errorf("CPU encode must not request hwaccel:\n%s", joined)
	}
}

func TestBuildVariantArgsNvenc(t *testing.T) {
	v := Variant{Label: "1080p", Height: 1080, VideoBitrateKbps: 5000, AudioBitrateKbps: 192}
	args := BuildVariantArgs("h264_nvenc", v, "/in.mkv", "/out/1080p.m3u8", "/out/1080p_%03d.ts")
	joined := strings.Join(args, " ")
	for _, want := range []string{"-hwaccel cuda", "scale_cuda=-2:1080", "-c:v h264_nvenc"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected nvenc args to contain %q:\n%s", want, joined)
		}
	}
}

func TestWriteMasterPlaylist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.m3u8")
	variants := VariantsForHeight(720)
	if err := WriteMasterPlaylist(path, variants); err != nil {
		t.Fatalf("WriteMasterPlaylist error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read master: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "#EXTM3U\n#EXT-X-VERSION:3\n") {
		t.Fatalf("bad playlist header:\n%s", content)
	}
	for _, want := range []string{
		"BANDWIDTH=2928000,RESOLUTION=1280x720",
		"720p.m3u8",
		"480p.m3u8",
		"360p.m3u8",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("expected master playlist to contain %q:\n%s", want, content)
		}
	}
	if strings.Contains(content, "1080p") {
		t.Errorf("720p source must not reference 1080p:\n%s", content)
	}
}

func TestEncodeReportsNormalizedProgress(t *testing.T) {
	e := New("libx264", nil, nil)
	var runs [][]string
	e.runVariant = func(_ context.Context, args []string, onLine func(string)) error {
		runs = append(runs, args)
		if onLine != nil {
			onLine("out_time_ms=30000000") // halfway through a 60 s source
			onLine("out_time_ms=60000000")
		}
		return nil
	}

	var updates []struct {
		variant string
		pct     int
	}
	onProgress := func(variant string, pct int) {
		updates = append(updates, struct {
			variant string
			pct     int
		}{variant, pct})
	}

	out := t.TempDir()
	result, err := e.Encode(context.Background(), "/in.mkv", out, 60, 720, onProgress)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if len(result.Variants) != 3 {
		t.Fatalf("expected 3 variants for 720p source, got %d", len(result.Variants))
	}
	// 3 variant runs plus the thumbnail run.
	if len(runs) != 4 {
		t.Fatalf("expected 4 subprocess runs, got %d", len(runs))
	}
	if result.MasterPlaylist != filepath.Join(out, "master.m3u8") {
		t.Fatalf("unexpected master path %s", result.MasterPlaylist)
	}
	if _, err := os.Stat(result.MasterPlaylist); err != nil {
		t.Fatalf("master playlist not written: %v", err)
	}

	last := -1
	for _, u := range updates {
		if u.pct < 0 || u.pct > 100 {
			t.Fatalf("percentage out of range: %d", u.pct)
		}
		if u.pct < last {
			t.Fatalf("progress regressed: %d after %d", u.pct, last)
		}
		last = u.pct
	}
	if updates[0].variant != "720p" {
		t.Fatalf("expected first variant 720p, got %s", updates[0].variant)
	}
	sawMidpoint := false
	for _, u := range updates {
		if u.variant == "720p" && u.pct > 0 && u.pct < 34 {
			sawMidpoint = true
		}
	}
	if !sawMidpoint {
		t.Fatal("expected intra-variant progress from out_time_ms parsing")
	}
}

func TestEncodeAbortsOnVariantFailure(t *testing.T) {
	e := New("libx264", nil, nil)
	var runs int
	e.runVariant = func(_ context.Context, args []string, _ func(string)) error {
		runs++
		if runs == 2 {
			return &EncodingError{Variant: "480p", ExitCode: 1, StderrTail: "codec meltdown"}
		}
		return nil
	}

	_, err := e.Encode(context.Background(), "/in.mkv", t.TempDir(), 60, 720, nil)
	var encErr *EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("expected EncodingError, got %v", err)
	}
	if encErr.Variant != "480p" {
		t.Fatalf("expected failing variant 480p, got %s", encErr.Variant)
	}
	if !strings.Contains(err.Error(), "EncodingFailed(480p") {
		t.Fatalf("unexpected error text %q", err.Error())
	}
	if runs != 2 {
		t.Fatalf("expected remaining variants aborted after failure, got %d runs", runs)
	}
}

func TestEncodeFailsWhenNoVariantFits(t *testing.T) {
	e := New("libx264", nil, nil)
	e.runVariant = func(_ context.Context, _ []string, _ func(string)) error { return nil }
	if _, err := e.Encode(context.Background(), "/in.mkv", t.TempDir(), 60, 240, nil); err == nil {
		t.Fatal("expected error for 240p source")
	}
}

func TestEncodeHonorsCancellation(t *testing.T) {
	e := New("libx264", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	e.runVariant = func(ctx context.Context, _ []string, _ func(string)) error {
		cancel()
		return ctx.Err()
	}
	_, err := e.Encode(ctx, "/in.mkv", t.TempDir(), 60, 720, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	cases := map[string]Kind{
		"libx264":    KindCPU,
		"h264_nvenc": KindNvenc,
		"h264_vaapi": KindVaapi,
		"h264_qsv":   KindQsv,
	}
	for codec, want := range cases {
		if got := KindOf(codec); got != want {
			t.Errorf("KindOf(%q) = %v, want %v", codec, got, want)
		}
	}
}

func TestTailBufferKeepsTail(t *testing.T) {
	buf := newTailBuffer(8)
	fmt.Fprint(buf, "0123456789abcdef")
	if got := buf.String(); got != "89abcdef" {
		t.Fatalf("expected tail, got %q", got)
	}
}
