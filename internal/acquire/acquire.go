// Package acquire fetches call recordings into a scratch directory and
// normalizes them for speech-to-text.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Config controls downloads and normalization.
type Config struct {
	ScratchDir string
	Timeout    time.Duration
	FFMPEGBin  string
	Normalize  bool
	// ConvertTimeout bounds a single ffmpeg run.
	ConvertTimeout time.Duration
}

// Error is returned for any acquisition failure.
type Error struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("Download failed: unexpected status code %d for %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("Download failed: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent reports whether retrying the same URL is pointless.
func (e *Error) Permanent() bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
	}
	return errors.Is(e.Err, errBadURL)
}

var errBadURL = errors.New("unsupported recording url")

// Audio is a local copy of a recording. Cleanup removes every file created
// while acquiring it.
type Audio struct {
	Path  string
	files []string
}

// NewAudio wraps an existing file; files are removed by Cleanup.
func NewAudio(path string, files ...string) *Audio {
	return &Audio{Path: path, files: files}
}

// Cleanup removes the scratch files. It is safe to call more than once.
func (a *Audio) Cleanup() {
	if a == nil {
		return
	}
	for _, f := range a.files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", f).Msg("scratch cleanup failed")
		}
	}
	a.files = nil
}

// Fetcher downloads recordings over HTTP.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New builds a Fetcher. A nil client gets one with cfg.Timeout.
func New(cfg Config, client *http.Client) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ConvertTimeout <= 0 {
		cfg.ConvertTimeout = 5 * time.Minute
	}
	if cfg.FFMPEGBin == "" {
		cfg.FFMPEGBin = "ffmpeg"
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Fetcher{cfg: cfg, client: client}
}

// Acquire downloads rawURL and, when enabled, converts it to 16 kHz mono wav.
func (f *Fetcher) Acquire(ctx context.Context, callID, rawURL string) (*Audio, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &Error{Op: "parse", URL: rawURL, Err: errBadURL}
	}
	if err := os.MkdirAll(f.cfg.ScratchDir, 0o755); err != nil {
		return nil, &Error{Op: "prepare scratch", URL: rawURL, Err: err}
	}

	audio := &Audio{}
	ok := false
	defer func() {
		if !ok {
			audio.Cleanup()
		}
	}()

	base := fmt.Sprintf("%s-%s", safeName(callID), uuid.NewString()[:8])
	src := filepath.Join(f.cfg.ScratchDir, base+extension(u))
	audio.files = append(audio.files, src)
	if err := f.download(ctx, u.String(), src); err != nil {
		return nil, err
	}
	audio.Path = src

	if f.cfg.Normalize {
		dst := filepath.Join(f.cfg.ScratchDir, base+".16k.wav")
		audio.files = append(audio.files, dst)
		if err := f.normalize(ctx, src, dst); err != nil {
			return nil, &Error{Op: "normalize", URL: rawURL, Err: err}
		}
		audio.Path = dst
	}

	ok = true
	return audio, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL, dst string) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &Error{Op: "request", URL: rawURL, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return &Error{Op: "fetch", URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Op: "fetch", URL: rawURL, StatusCode: resp.StatusCode}
	}

	out, err := os.Create(dst)
	if err != nil {
		return &Error{Op: "create file", URL: rawURL, Err: err}
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &Error{Op: "write", URL: rawURL, Err: err}
	}
	if n == 0 {
		return &Error{Op: "fetch", URL: rawURL, Err: errors.New("empty response body")}
	}
	log.Debug().Str("url", rawURL).Int64("bytes", n).Str("path", dst).Msg("recording downloaded")
	return nil
}

func extension(u *url.URL) string {
	ext := strings.ToLower(path.Ext(u.Path))
	switch ext {
	case ".mp3", ".wav", ".m4a", ".aac", ".flac", ".ogg", ".opus", ".webm", ".mp4":
		return ext
	default:
		return ".audio"
	}
}

func safeName(id string) string {
	id = filepath.Base(strings.TrimSpace(id))
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "call"
	}
	return b.String()
}
