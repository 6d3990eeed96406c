package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"mailtriage/internal/apperr"
	"mailtriage/internal/domain"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultGeminiModel    = "gemini-2.5-flash"
	defaultMaxTokens      = 4096
)

// Request is one call to the classification service. Prompt carries the
// rendered batch; System carries the fixed directive.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Provider is the classification/generation service. Implementations return
// the raw reply text, expected to be JSON.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, domain.Usage, error)
}

// NewProvider builds the provider named in settings. An empty key is a
// missing credential.
func NewProvider(ctx context.Context, settings domain.Settings, hc *http.Client) (Provider, error) {
	if strings.TrimSpace(settings.APIKey) == "" {
		return nil, fmt.Errorf("llm provider %q: %w", providerName(settings.Provider), apperr.ErrMissingCredential)
	}
	switch providerName(settings.Provider) {
	case "openai":
		return newOpenAI(settings.APIKey, settings.Model, hc), nil
	case "gemini":
		return newGemini(ctx, settings.APIKey, settings.Model, hc)
	case "anthropic":
		return newAnthropic(settings.APIKey, settings.Model, hc), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", settings.Provider)
	}
}

func providerName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "anthropic", "claude":
		return "anthropic"
	case "openai", "gpt":
		return "openai"
	case "gemini", "google":
		return "gemini"
	default:
		return strings.ToLower(strings.TrimSpace(name))
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
