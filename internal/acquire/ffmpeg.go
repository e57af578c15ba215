package acquire

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Available reports the resolved ffmpeg path and whether it exists.
// When normalization is disabled ffmpeg is not required.
func (f *Fetcher) Available() (string, bool) {
	path, err := exec.LookPath(f.cfg.FFMPEGBin)
	if err != nil {
		return "", !f.cfg.Normalize
	}
	return path, true
}

func (f *Fetcher) normalize(ctx context.Context, src, dst string) error {
	bin, err := exec.LookPath(f.cfg.FFMPEGBin)
	if err != nil {
		return fmt.Errorf("ffmpeg not found (%s): %w", f.cfg.FFMPEGBin, err)
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ConvertTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-ac", "1", "-ar", "16000", "-c:a", "pcm_s16le",
		dst,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg timed out after %s", f.cfg.ConvertTimeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}
	return nil
}
