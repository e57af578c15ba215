// Package transcribe runs a local whisper binary to turn a recording into text.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"call_audit/internal/callstate"
	"github.com/rs/zerolog/log"
)

// Argument styles understood by Whisper.
const (
	StyleOpenAI = "openai"
	StyleCPP    = "cpp"
)

// Reason classifies a transcription failure.
type Reason string

const (
	ReasonMissing  Reason = "missing"
	ReasonTimeout  Reason = "timeout"
	ReasonTooShort Reason = "too_short"
	ReasonFailed   Reason = "failed"
)

// Error describes why a transcription did not produce usable text.
type Error struct {
	Reason Reason
	Hint   string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("transcription %s", e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent reports whether re-running the same audio would fail again.
func (e *Error) Permanent() bool { return e.Reason == ReasonTooShort }

// Config configures the whisper subprocess.
type Config struct {
	Bin      string
	Model    string
	Style    string
	Language string
	Timeout  time.Duration
}

// Health describes transcription readiness.
type Health struct {
	Method    string `json:"method"`
	Binary    string `json:"binary,omitempty"`
	Available bool   `json:"available"`
	Hint      string `json:"hint,omitempty"`
}

// Whisper shells out to the openai-whisper CLI or whisper.cpp.
type Whisper struct {
	cfg Config
}

// NewWhisper applies defaults and returns the adapter.
func NewWhisper(cfg Config) *Whisper {
	if cfg.Bin == "" {
		cfg.Bin = "whisper"
	}
	if cfg.Model == "" {
		cfg.Model = "base"
	}
	if cfg.Style == "" {
		cfg.Style = StyleOpenAI
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Whisper{cfg: cfg}
}

// Method names the transcription engine.
func (w *Whisper) Method() string {
	if w.cfg.Style == StyleCPP {
		return "whisper.cpp"
	}
	return "whisper-cli"
}

func (w *Whisper) hint() string {
	if w.cfg.Style == StyleCPP {
		return "build whisper.cpp and set WHISPER_BIN to the whisper-cli binary"
	}
	return "install openai-whisper: pip install -U openai-whisper"
}

// Health resolves the binary without running it.
func (w *Whisper) Health() Health {
	h := Health{Method: w.Method()}
	bin, err := exec.LookPath(w.cfg.Bin)
	if err != nil {
		h.Hint = w.hint()
		return h
	}
	h.Binary = bin
	h.Available = true
	return h
}

// Transcribe runs whisper on audioPath and returns the trimmed transcript.
// Output artifacts are removed before returning.
func (w *Whisper) Transcribe(ctx context.Context, audioPath string) (string, error) {
	bin, err := exec.LookPath(w.cfg.Bin)
	if err != nil {
		return "", &Error{Reason: ReasonMissing, Hint: w.hint(), Err: fmt.Errorf("whisper binary %q not found", w.cfg.Bin)}
	}

	outDir, err := os.MkdirTemp(filepath.Dir(audioPath), "transcript-")
	if err != nil {
		return "", &Error{Reason: ReasonFailed, Err: err}
	}
	defer os.RemoveAll(outDir)

	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	args, outFile := w.buildArgs(audioPath, outDir, base)

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	// Whisper spawns helpers; kill the whole group when the deadline hits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &Error{Reason: ReasonTimeout, Err: fmt.Errorf("whisper timed out after %s", w.cfg.Timeout)}
		}
		if ctx.Err() != nil {
			return "", &Error{Reason: ReasonFailed, Err: ctx.Err()}
		}
		return "", &Error{Reason: ReasonFailed, Err: fmt.Errorf("whisper exited: %w: %s", runErr, tail(stderr.String(), 300))}
	}

	text := stdout.String()
	if data, err := os.ReadFile(outFile); err == nil {
		text = string(data)
	}
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < callstate.MinTranscriptLength {
		return "", &Error{Reason: ReasonTooShort, Err: callstate.ErrTranscriptTooShort}
	}

	log.Debug().Str("method", w.Method()).Str("audio", audioPath).
		Dur("elapsed", time.Since(start)).Int("chars", utf8.RuneCountInString(text)).Msg("transcription finished")
	return text, nil
}

func (w *Whisper) buildArgs(audioPath, outDir, base string) ([]string, string) {
	if w.cfg.Style == StyleCPP {
		prefix := filepath.Join(outDir, base)
		args := []string{"-m", w.cfg.Model, "-f", audioPath, "-otxt", "-of", prefix, "-np"}
		if w.cfg.Language != "" {
			args = append(args, "-l", w.cfg.Language)
		}
		return args, prefix + ".txt"
	}
	args := []string{audioPath, "--model", w.cfg.Model, "--output_format", "txt", "--output_dir", outDir, "--verbose", "False"}
	if w.cfg.Language != "" {
		args = append(args, "--language", w.cfg.Language)
	}
	return args, filepath.Join(outDir, base+".txt")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
