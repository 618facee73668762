package encoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"akane/internal/media"
)

// ExtractSubtitle stream-copies one embedded subtitle track to a sidecar
// file in its native text format.
func (e *Encoder) ExtractSubtitle(ctx context.Context, input string, track media.SubtitleTrack, outPath string) error {
	format := "ass"
	switch track.Codec {
	case "srt":
		format = "srt"
	case "ass", "ssa":
		format = "ass"
	}
	args := []string{
		"-loglevel", "error", "-y",
		"-i", input,
		"-map", fmt.Sprintf("0:s:%d", track.RelativeIndex),
		"-c:s", format,
		outPath,
	}
	if err := e.runVariant(ctx, args, nil); err != nil {
		return fmt.Errorf("extract subtitle track %d: %w", track.RelativeIndex, err)
	}
	return nil
}

// ExtractAttachments dumps every embedded attachment into outDir. ffmpeg
// exits non-zero even on success here, so failures are reported only when
// nothing was extracted.
func (e *Encoder) ExtractAttachments(ctx context.Context, input, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("prepare attachment dir: %w", err)
	}
	args := []string{
		"-loglevel", "error", "-y",
		"-dump_attachment:t", "",
		"-i", input,
	}
	if err := e.runInDir(ctx, outDir, args); err != nil {
		entries, readErr := os.ReadDir(outDir)
		if readErr == nil && len(entries) > 0 {
			e.logger.Debug("attachment dump exited non-zero but produced files", "count", len(entries))
			return nil
		}
		return fmt.Errorf("extract attachments: %w", err)
	}
	return nil
}

// runInDir mirrors runVariant with a working directory, used only for
// attachment dumps. Tests override runInDirHook.
func (e *Encoder) runInDir(ctx context.Context, dir string, args []string) error {
	if e.runInDirHook != nil {
		return e.runInDirHook(ctx, dir, args)
	}
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Dir = dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace
	stderr := newTailBuffer(stderrTailLimit)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}
