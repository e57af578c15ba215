package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Provider names accepted by Providers.Get.
const (
	ProviderLocal = "local"
	ProviderCloud = "cloud"
)

// Scorer asks a language model to grade a transcript. Transport failures are
// returned as errors; unusable model output is a Fallback outcome instead.
type Scorer interface {
	Name() string
	Score(ctx context.Context, transcript string, criteria []Criterion) (*Outcome, error)
	// InterCallDelay is the pause a batch inserts between two scoring calls.
	InterCallDelay() time.Duration
	Health(ctx context.Context) Health
}

// Health describes whether a provider can take work.
type Health struct {
	Provider  string   `json:"provider"`
	Available bool     `json:"available"`
	Models    []string `json:"models,omitempty"`
	Hint      string   `json:"hint,omitempty"`
}

// Error is a failed request to a scoring provider.
type Error struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s scoring request returned status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s scoring request failed: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Providers maps provider names to scorers.
type Providers map[string]Scorer

// Get returns the scorer registered under name.
func (p Providers) Get(name string) (Scorer, error) {
	s, ok := p[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown audit provider %q (known: %s)", name, strings.Join(p.Names(), ", "))
	}
	return s, nil
}

// Names lists the registered providers in sorted order.
func (p Providers) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func stamp(out *Outcome, model, provider string) *Outcome {
	out.Result.Model = model
	out.Result.Provider = provider
	return out
}
