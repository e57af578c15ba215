package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

const transcript = "Agent: Thank you for calling Acme, this is Sam. Customer: Hi, I have a billing question about my invoice."

func chatServer(t *testing.T, content string, status int) (*httptest.Server, *chatRequest) {
	t.Helper()
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat/completions":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			if status != http.StatusOK {
				http.Error(w, "model overloaded", status)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"model": "qwen2.5-7b",
				"choices": []map[string]any{
					{"message": map[string]string{"role": "assistant", "content": content}},
				},
			})
		case "/v1/models":
			w.Write([]byte(`{"data":[{"id":"qwen2.5-7b"},{"id":"llama-3"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestLocalScorerParsesResponse(t *testing.T) {
	srv, req := chatServer(t, `{"overall_score": 87, "summary": "ok"}`, http.StatusOK)
	s := NewLocalScorer(LocalConfig{BaseURL: srv.URL + "/", Model: "local-model", Timeout: time.Second}, nil)

	out, err := s.Score(context.Background(), transcript, DefaultCriteria())
	require.NoError(t, err)
	assert.Equal(t, Parsed, out.Kind)
	assert.Equal(t, 87.0, out.Result.OverallScore)
	assert.Equal(t, "qwen2.5-7b", out.Result.Model)
	assert.Equal(t, ProviderLocal, out.Result.Provider)

	assert.Equal(t, "local-model", req.Model)
	assert.Equal(t, 0.2, req.Temperature)
	assert.Equal(t, "json_object", req.ResponseFormat["type"])
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[1].Content, "billing question")
	assert.Zero(t, s.InterCallDelay())
}

func TestLocalScorerFallsBackOnGarbage(t *testing.T) {
	srv, _ := chatServer(t, "not json at all", http.StatusOK)
	s := NewLocalScorer(LocalConfig{BaseURL: srv.URL, Model: "m"}, nil)

	out, err := s.Score(context.Background(), transcript, DefaultCriteria())
	require.NoError(t, err)
	assert.Equal(t, Fallback, out.Kind)
	assert.Equal(t, 50.0, out.Result.OverallScore)
	assert.Equal(t, ProviderLocal, out.Result.Provider)
}

func TestLocalScorerTransportError(t *testing.T) {
	srv, _ := chatServer(t, "", http.StatusServiceUnavailable)
	s := NewLocalScorer(LocalConfig{BaseURL: srv.URL, Model: "m"}, nil)

	_, err := s.Score(context.Background(), transcript, DefaultCriteria())
	var aerr *Error
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, http.StatusServiceUnavailable, aerr.StatusCode)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestLocalScorerHealth(t *testing.T) {
	srv, _ := chatServer(t, "", http.StatusOK)
	h := NewLocalScorer(LocalConfig{BaseURL: srv.URL}, nil).Health(context.Background())
	assert.True(t, h.Available)
	assert.Equal(t, []string{"qwen2.5-7b", "llama-3"}, h.Models)

	srv.Close()
	h = NewLocalScorer(LocalConfig{BaseURL: srv.URL}, nil).Health(context.Background())
	assert.False(t, h.Available)
	assert.Contains(t, h.Hint, "LOCAL_LLM_BASE_URL")
}

type fakeGenerator struct {
	text   string
	err    error
	model  string
	config *genai.GenerateContentConfig
	prompt string
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.config = config
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.prompt = contents[0].Parts[0].Text
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: f.text}}}},
		},
	}, nil
}

func TestCloudScorerScores(t *testing.T) {
	gen := &fakeGenerator{text: "```json\n{\"overall_score\": 64}\n```"}
	s := newCloudScorerWith(CloudConfig{Model: "gemini-2.5-flash", Delay: 4 * time.Second}, gen)

	out, err := s.Score(context.Background(), transcript, DefaultCriteria())
	require.NoError(t, err)
	assert.Equal(t, Parsed, out.Kind)
	assert.Equal(t, 64.0, out.Result.OverallScore)
	assert.Equal(t, ProviderCloud, out.Result.Provider)
	assert.Equal(t, "gemini-2.5-flash", out.Result.Model)

	assert.Equal(t, "gemini-2.5-flash", gen.model)
	assert.Equal(t, "application/json", gen.config.ResponseMIMEType)
	require.NotNil(t, gen.config.SystemInstruction)
	assert.Contains(t, gen.prompt, "billing question")
	assert.Equal(t, 4*time.Second, s.InterCallDelay())
}

func TestCloudScorerErrors(t *testing.T) {
	s := newCloudScorerWith(CloudConfig{Model: "m"}, &fakeGenerator{err: errors.New("quota exceeded")})
	_, err := s.Score(context.Background(), transcript, nil)
	var aerr *Error
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, ProviderCloud, aerr.Provider)
}

func TestCloudScorerWithoutKey(t *testing.T) {
	s, err := NewCloudScorer(context.Background(), CloudConfig{})
	require.NoError(t, err)

	h := s.Health(context.Background())
	assert.False(t, h.Available)
	assert.Contains(t, h.Hint, "GEMINI_API_KEY")

	_, err = s.Score(context.Background(), transcript, nil)
	assert.Error(t, err)
}

func TestProviders(t *testing.T) {
	local := NewLocalScorer(LocalConfig{BaseURL: "http://localhost:1"}, nil)
	p := Providers{ProviderLocal: local}

	got, err := p.Get(" LOCAL ")
	require.NoError(t, err)
	assert.Equal(t, local, got)

	_, err = p.Get("cloud")
	assert.ErrorContains(t, err, "unknown audit provider")
}

func TestLoadCriteria(t *testing.T) {
	def, err := LoadCriteria("")
	require.NoError(t, err)
	require.Len(t, def, 7)
	assert.Equal(t, "greeting", def[0].Code)
	assert.Equal(t, "closing", def[6].Code)

	path := filepath.Join(t.TempDir(), "criteria.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`criteria:
  - code: hold_etiquette
    description: Asks before placing the customer on hold.
  - code: upsell
    name: Upsell offer
    category: sales
`), 0o644))
	custom, err := LoadCriteria(path)
	require.NoError(t, err)
	require.Len(t, custom, 2)
	assert.Equal(t, "hold_etiquette", custom[0].Name)
	assert.Equal(t, "general", custom[0].Category)
	assert.Equal(t, "sales", custom[1].Category)

	dup := filepath.Join(t.TempDir(), "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("criteria:\n  - code: a\n  - code: a\n"), 0o644))
	_, err = LoadCriteria(dup)
	assert.ErrorContains(t, err, "duplicate")
}
