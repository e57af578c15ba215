// Package callstate defines the call lifecycle and the guards that keep
// status changes monotonic.
package callstate

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Status is the processing state of a call.
type Status string

const (
	Pending     Status = "pending"
	Transcribed Status = "transcribed"
	Audited     Status = "audited"
	Failed      Status = "failed"
)

// MinTranscriptLength is the shortest trimmed transcript, in characters,
// accepted as real speech.
const MinTranscriptLength = 50

// Duration bounds, in seconds, for calls eligible for batch processing.
const (
	MinDurationSeconds = 30
	MaxDurationSeconds = 600
)

// ErrTranscriptTooShort is returned when a transcript is too short to audit.
var ErrTranscriptTooShort = fmt.Errorf("transcript shorter than %d characters", MinTranscriptLength)

// ErrMissingAuditResult guards transcribed -> audited without a stored result.
var ErrMissingAuditResult = errors.New("audited status requires a persisted audit result")

// TransitionError reports an illegal status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

var allowed = map[Status][]Status{
	Pending:     {Transcribed, Failed},
	Transcribed: {Audited, Failed},
	Failed:      {Pending},
}

// Parse converts a stored string to a Status.
func Parse(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown call status %q", s)
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Pending, Transcribed, Audited, Failed:
		return true
	}
	return false
}

// CanTransition reports whether moving from -> to is permitted.
func CanTransition(from, to Status) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a status change.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// CheckTranscript trims text and enforces MinTranscriptLength.
func CheckTranscript(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < MinTranscriptLength {
		return "", ErrTranscriptTooShort
	}
	return trimmed, nil
}

// CheckAudited guards transcribed -> audited.
func CheckAudited(from Status, auditResultID int64) error {
	if err := Transition(from, Audited); err != nil {
		return err
	}
	if auditResultID <= 0 {
		return ErrMissingAuditResult
	}
	return nil
}

// Eligible reports whether a call can be picked up by a batch.
func Eligible(status Status, recordingURL string, durationSeconds int) bool {
	return status == Pending &&
		strings.TrimSpace(recordingURL) != "" &&
		durationSeconds >= MinDurationSeconds &&
		durationSeconds <= MaxDurationSeconds
}
