package audit

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"call_audit/internal/store"
)

// FallbackSummary is the summary stored when the model output is unusable.
const FallbackSummary = "Automatic scoring unavailable: model response could not be parsed"

// FallbackScore is the neutral score assigned with FallbackSummary.
const FallbackScore = 50.0

// Kind tags how an Outcome was produced.
type Kind int

const (
	Parsed Kind = iota
	Fallback
)

func (k Kind) String() string {
	if k == Fallback {
		return "fallback"
	}
	return "parsed"
}

// Outcome is the result of interpreting a model response. Result is never nil.
type Outcome struct {
	Kind   Kind
	Result *store.AuditResult
	// Reason explains a fallback.
	Reason string
}

// DefaultResult is the neutral result used when parsing fails.
func DefaultResult() *store.AuditResult {
	return &store.AuditResult{
		OverallScore:    FallbackScore,
		CategoryScores:  map[string]float64{},
		CriteriaResults: []store.CriterionResult{},
		Strengths:       []string{},
		Improvements:    []string{},
		Summary:         FallbackSummary,
		Fallback:        true,
	}
}

func fallback(reason string) *Outcome {
	return &Outcome{Kind: Fallback, Result: DefaultResult(), Reason: reason}
}

type criterionVerdict struct {
	Code        flexText `json:"code"`
	Name        flexText `json:"name"`
	Result      flexText `json:"result"`
	Explanation flexText `json:"explanation"`
}

type modelResponse struct {
	OverallScore    flexNumber            `json:"overall_score"`
	CategoryScores  map[string]flexNumber `json:"category_scores"`
	CriteriaResults []criterionVerdict    `json:"criteria_results"`
	Feedback        flexText              `json:"feedback"`
	Strengths       flexList              `json:"strengths"`
	Improvements    flexList              `json:"improvements"`
	Summary         flexText              `json:"summary"`
}

// Parse interprets raw model output. It never fails: anything it cannot make
// sense of becomes a Fallback outcome.
func Parse(raw string, criteria []Criterion) (out *Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = fallback("parser panic")
		}
	}()

	resp, reason := decodeFirstObject(StripCodeFences(raw))
	if resp == nil {
		return fallback(reason)
	}

	byCode := make(map[string]Criterion, len(criteria))
	for _, c := range criteria {
		byCode[strings.ToLower(c.Code)] = c
	}

	res := &store.AuditResult{
		CategoryScores:  map[string]float64{},
		CriteriaResults: []store.CriterionResult{},
		Feedback:        strings.TrimSpace(resp.Feedback.s),
		Strengths:       resp.Strengths.items(),
		Improvements:    resp.Improvements.items(),
		Summary:         strings.TrimSpace(resp.Summary.s),
	}
	for _, v := range resp.CriteriaResults {
		code := strings.TrimSpace(v.Code.s)
		name := strings.TrimSpace(v.Name.s)
		if code == "" && name == "" {
			continue
		}
		if known, ok := byCode[strings.ToLower(code)]; ok {
			code = known.Code
			if name == "" {
				name = known.Name
			}
		}
		if code == "" {
			code = name
		}
		res.CriteriaResults = append(res.CriteriaResults, store.CriterionResult{
			Code:        code,
			Name:        name,
			Result:      normalizeVerdict(v.Result.s),
			Explanation: strings.TrimSpace(v.Explanation.s),
		})
	}
	for name, score := range resp.CategoryScores {
		if score.ok && strings.TrimSpace(name) != "" {
			res.CategoryScores[strings.TrimSpace(name)] = clampScore(score.v)
		}
	}

	switch {
	case resp.OverallScore.ok:
		res.OverallScore = clampScore(resp.OverallScore.v)
	case len(res.CriteriaResults) > 0:
		res.OverallScore = verdictAverage(res.CriteriaResults)
	default:
		return fallback("missing overall_score")
	}
	if len(res.CategoryScores) == 0 {
		res.CategoryScores = categoryAverages(res.CriteriaResults, byCode)
	}
	return &Outcome{Kind: Parsed, Result: res}
}

// decodeFirstObject decodes the first balanced object in text that is valid
// JSON, skipping brace-delimited prose. A span that fails to decode is skipped
// whole so a nested fragment is never mistaken for the response.
func decodeFirstObject(text string) (*modelResponse, string) {
	reason := "no json object found"
	for offset := 0; offset < len(text); {
		obj, start := nextObject(text, offset)
		if obj == "" {
			break
		}
		var resp modelResponse
		err := json.Unmarshal([]byte(obj), &resp)
		if err == nil {
			return &resp, ""
		}
		reason = "invalid json: " + err.Error()
		offset = start + len(obj)
	}
	return nil, reason
}

// StripCodeFences removes a surrounding ```json ... ``` block.
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return strings.Trim(text, "`")
	}
	end := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	return strings.Join(lines[1:end], "\n")
}

// ExtractJSONObject returns the first balanced {...} in input, honoring
// string literals and escapes, or "" when there is none.
func ExtractJSONObject(input string) string {
	obj, _ := nextObject(input, 0)
	return obj
}

func nextObject(input string, offset int) (string, int) {
	for offset < len(input) {
		rel := strings.IndexByte(input[offset:], '{')
		if rel == -1 {
			return "", -1
		}
		start := offset + rel
		if end := matchBrace(input, start); end != -1 {
			return input[start : end+1], start
		}
		offset = start + 1
	}
	return "", -1
}

func matchBrace(input string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(input); i++ {
		ch := input[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func normalizeVerdict(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "pass", "passed", "yes", "y", "met", "true", "1", "compliant", "achieved":
		return "pass"
	case "partial", "partially", "partially met", "partial pass", "needs improvement", "somewhat", "0.5":
		return "partial"
	default:
		return "fail"
	}
}

func verdictPoints(result string) float64 {
	switch result {
	case "pass":
		return 100
	case "partial":
		return 50
	default:
		return 0
	}
}

func verdictAverage(results []store.CriterionResult) float64 {
	total := 0.0
	for _, r := range results {
		total += verdictPoints(r.Result)
	}
	return math.Round(total/float64(len(results))*10) / 10
}

func categoryAverages(results []store.CriterionResult, byCode map[string]Criterion) map[string]float64 {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, r := range results {
		c, ok := byCode[strings.ToLower(r.Code)]
		if !ok || c.Category == "" {
			continue
		}
		sums[c.Category] += verdictPoints(r.Result)
		counts[c.Category]++
	}
	out := make(map[string]float64, len(sums))
	for cat, sum := range sums {
		out[cat] = math.Round(sum/float64(counts[cat])*10) / 10
	}
	return out
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// flexNumber accepts 87, 87.5, "87" or "87%". Anything else leaves ok false.
type flexNumber struct {
	v  float64
	ok bool
}

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		n.v, n.ok = f, isFinite(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			n.v, n.ok = f, isFinite(f)
		}
	}
	return nil
}

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// flexText accepts a string, a scalar, or a list of strings (joined).
type flexText struct {
	s string
}

func (t *flexText) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.s = s
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		t.s = strings.Join(list, " ")
		return nil
	}
	raw := strings.TrimSpace(string(data))
	if raw != "null" {
		t.s = strings.Trim(raw, `"`)
	}
	return nil
}

// flexList accepts a list of strings or a single string.
type flexList struct {
	list []string
}

func (l *flexList) UnmarshalJSON(data []byte) error {
	var items []flexText
	if err := json.Unmarshal(data, &items); err == nil {
		for _, it := range items {
			l.list = append(l.list, it.s)
		}
		return nil
	}
	var one flexText
	_ = one.UnmarshalJSON(data)
	if one.s != "" {
		l.list = []string{one.s}
	}
	return nil
}

func (l flexList) items() []string {
	out := []string{}
	for _, s := range l.list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
