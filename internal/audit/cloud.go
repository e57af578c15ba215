package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// CloudConfig configures the Gemini provider.
type CloudConfig struct {
	APIKey  string
	Model   string
	Delay   time.Duration
	Timeout time.Duration
}

// contentGenerator is the slice of *genai.Models the scorer uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// CloudScorer scores through Google Gemini.
type CloudScorer struct {
	cfg    CloudConfig
	models contentGenerator
}

// NewCloudScorer creates the Gemini client. Without an API key the scorer is
// still returned but reports itself unavailable.
func NewCloudScorer(ctx context.Context, cfg CloudConfig) (*CloudScorer, error) {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return &CloudScorer{cfg: cfg}, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &CloudScorer{cfg: cfg, models: client.Models}, nil
}

func newCloudScorerWith(cfg CloudConfig, models contentGenerator) *CloudScorer {
	return &CloudScorer{cfg: cfg, models: models}
}

func (s *CloudScorer) Name() string { return ProviderCloud }

// InterCallDelay keeps batches under the free-tier request rate.
func (s *CloudScorer) InterCallDelay() time.Duration { return s.cfg.Delay }

// Score sends one GenerateContent request with a JSON response type.
func (s *CloudScorer) Score(ctx context.Context, transcript string, criteria []Criterion) (*Outcome, error) {
	if s.models == nil {
		return nil, &Error{Provider: ProviderCloud, Err: errors.New("GEMINI_API_KEY is not set")}
	}
	temperature := float32(0.2)
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		},
		ResponseMIMEType: "application/json",
		Temperature:      &temperature,
	}

	resp, err := s.models.GenerateContent(ctx, s.cfg.Model, genai.Text(BuildPrompt(transcript, criteria)), config)
	if err != nil {
		e := &Error{Provider: ProviderCloud, Err: err}
		var apiErr *genai.APIError
		if errors.As(err, &apiErr) {
			e.StatusCode = apiErr.Code
		}
		return nil, e
	}
	if resp == nil {
		return stamp(fallback("empty gemini response"), s.cfg.Model, ProviderCloud), nil
	}

	out := Parse(resp.Text(), criteria)
	if out.Kind == Fallback {
		log.Warn().Str("provider", ProviderCloud).Str("reason", out.Reason).Msg("model output unusable, using fallback score")
	}
	return stamp(out, s.cfg.Model, ProviderCloud), nil
}

// Health reports the provider as available when an API key is configured.
func (s *CloudScorer) Health(context.Context) Health {
	h := Health{Provider: ProviderCloud}
	if s.models == nil {
		h.Hint = "set GEMINI_API_KEY to enable cloud scoring"
		return h
	}
	h.Available = true
	h.Models = []string{s.cfg.Model}
	return h
}
