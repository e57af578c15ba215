package audit

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTranscriptChars bounds the transcript excerpt sent to the model.
const MaxTranscriptChars = 6000

const systemPrompt = `You are a call-center quality assurance auditor.
Score the call transcript against every criterion you are given.
Respond with a single JSON object and nothing else, using exactly these keys:
{
  "overall_score": number from 0 to 100,
  "category_scores": {"<category>": number from 0 to 100},
  "criteria_results": [{"code": "<criterion code>", "result": "pass" | "partial" | "fail", "explanation": "<one sentence>"}],
  "feedback": "<coaching feedback for the agent>",
  "strengths": ["<short phrase>"],
  "improvements": ["<short phrase>"],
  "summary": "<two sentence summary of the call>"
}`

// SystemPrompt returns the instruction shared by every provider.
func SystemPrompt() string { return systemPrompt }

// BuildPrompt renders the user message for one call.
func BuildPrompt(transcript string, criteria []Criterion) string {
	var b strings.Builder
	b.WriteString("Criteria:\n")
	for _, c := range criteria {
		fmt.Fprintf(&b, "- %s (%s, category %s): %s\n", c.Code, c.Name, c.Category, c.Description)
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(excerpt(strings.TrimSpace(transcript), MaxTranscriptChars))
	b.WriteString("\n")
	return b.String()
}

// excerpt truncates s to at most max runes, marking the cut with an ellipsis.
func excerpt(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
