package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalConfig points at an OpenAI-compatible server (LM Studio, llama.cpp, vLLM).
type LocalConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// LocalScorer scores through a chat-completions endpoint.
type LocalScorer struct {
	cfg    LocalConfig
	client *http.Client
}

// NewLocalScorer builds the scorer. A nil client gets one with cfg.Timeout.
func NewLocalScorer(cfg LocalConfig, client *http.Client) *LocalScorer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &LocalScorer{cfg: cfg, client: client}
}

func (s *LocalScorer) Name() string { return ProviderLocal }

func (s *LocalScorer) InterCallDelay() time.Duration { return 0 }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
	Messages       []chatMessage     `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Score sends the transcript and parses the first choice.
func (s *LocalScorer) Score(ctx context.Context, transcript string, criteria []Criterion) (*Outcome, error) {
	payload := chatRequest{
		Model:          s.cfg.Model,
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: BuildPrompt(transcript, criteria)},
		},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Provider: ProviderLocal, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return nil, &Error{Provider: ProviderLocal, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &Error{Provider: ProviderLocal, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &Error{Provider: ProviderLocal, Err: err}
	}
	if resp.StatusCode >= 300 {
		return nil, &Error{Provider: ProviderLocal, StatusCode: resp.StatusCode, Err: errors.New(snippet(string(body)))}
	}

	model := s.cfg.Model
	var wrapper chatResponse
	if err := json.Unmarshal(body, &wrapper); err != nil {
		log.Warn().Err(err).Str("provider", ProviderLocal).Msg("chat response is not json, using fallback score")
		return stamp(fallback("invalid chat response: "+err.Error()), model, ProviderLocal), nil
	}
	if wrapper.Model != "" {
		model = wrapper.Model
	}
	if len(wrapper.Choices) == 0 {
		return stamp(fallback("empty choices"), model, ProviderLocal), nil
	}
	out := Parse(wrapper.Choices[0].Message.Content, criteria)
	if out.Kind == Fallback {
		log.Warn().Str("provider", ProviderLocal).Str("reason", out.Reason).Msg("model output unusable, using fallback score")
	}
	return stamp(out, model, ProviderLocal), nil
}

// Health lists models served at /v1/models.
func (s *LocalScorer) Health(ctx context.Context) Health {
	h := Health{Provider: ProviderLocal}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		h.Hint = err.Error()
		return h
	}
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		h.Hint = fmt.Sprintf("start a local OpenAI-compatible server at %s (LOCAL_LLM_BASE_URL)", s.cfg.BaseURL)
		return h
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		h.Hint = fmt.Sprintf("model server at %s returned status %d", s.cfg.BaseURL, resp.StatusCode)
		return h
	}
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		h.Hint = "model server returned an unreadable model list"
		return h
	}
	for _, m := range list.Data {
		h.Models = append(h.Models, m.ID)
	}
	if len(h.Models) == 0 {
		h.Hint = "load a model in the local server"
		return h
	}
	h.Available = true
	return h
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
