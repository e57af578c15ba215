package callstate

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{Pending, Transcribed, true},
		{Transcribed, Audited, true},
		{Pending, Failed, true},
		{Transcribed, Failed, true},
		{Failed, Pending, true},
		{Pending, Audited, false},
		{Audited, Pending, false},
		{Audited, Failed, false},
		{Transcribed, Pending, false},
		{Pending, Pending, false},
		{Failed, Audited, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionReturnsTypedError(t *testing.T) {
	err := Transition(Audited, Transcribed)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, Audited, te.From)
	assert.Equal(t, Transcribed, te.To)
}

func TestCheckTranscript(t *testing.T) {
	_, err := CheckTranscript("   too short   ")
	assert.ErrorIs(t, err, ErrTranscriptTooShort)

	long := "  " + strings.Repeat("word ", 12) + "  "
	got, err := CheckTranscript(long)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(long), got)

	// Multi-byte runes count as one character each.
	_, err = CheckTranscript(strings.Repeat("é", 49))
	assert.ErrorIs(t, err, ErrTranscriptTooShort)
	_, err = CheckTranscript(strings.Repeat("é", 50))
	assert.NoError(t, err)
}

func TestCheckAudited(t *testing.T) {
	assert.ErrorIs(t, CheckAudited(Transcribed, 0), ErrMissingAuditResult)
	assert.NoError(t, CheckAudited(Transcribed, 7))
	assert.Error(t, CheckAudited(Pending, 7))
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		url      string
		duration int
		want     bool
	}{
		{"pending in range", Pending, "https://x/a.mp3", 120, true},
		{"lower bound", Pending, "https://x/a.mp3", 30, true},
		{"upper bound", Pending, "https://x/a.mp3", 600, true},
		{"too short", Pending, "https://x/a.mp3", 29, false},
		{"too long", Pending, "https://x/a.mp3", 601, false},
		{"no url", Pending, "", 120, false},
		{"blank url", Pending, "   ", 120, false},
		{"transcribed", Transcribed, "https://x/a.mp3", 120, false},
		{"audited", Audited, "https://x/a.mp3", 120, false},
		{"failed", Failed, "https://x/a.mp3", 120, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eligible(tt.status, tt.url, tt.duration))
		})
	}
}

func TestParse(t *testing.T) {
	st, err := Parse(" Audited ")
	require.NoError(t, err)
	assert.Equal(t, Audited, st)

	_, err = Parse("archived")
	assert.Error(t, err)
}
