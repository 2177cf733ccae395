// Package guardian is the LLM layer behind the semantic stage. A Provider
// turns one prompt into one response; the Client adds timeouts, retries for
// transient failures and parsing of the structured judgment.
//
// Architecture:
//
//	Provider (interface)
//	  ├── anthropicProvider    Messages API
//	  ├── openaiProvider       Chat Completions, any compatible base URL
//	  ├── geminiProvider       Gemini API
//	  └── Fake                 scripted responses for tests
//
//	Client                     timeout + retry-go + judgment parsing
package guardian

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Default models per provider.
var defaultModels = map[string]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-latest",
	ProviderGemini:    "gemini-2.0-flash",
}

// ErrNoProvider is returned by Detect when no credentials are configured.
var ErrNoProvider = errors.New("no LLM provider configured")

// Request is one prompt sent to a provider.
type Request struct {
	// Kind is "area" or "intent"; it selects the response schema.
	Kind   string
	System string
	Prompt string
}

// Provider sends a request and returns the raw text of the response.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai").
	Name() string
	// Model returns the model requests are sent to.
	Model() string
	// Complete performs one call. It must honour ctx cancellation.
	Complete(ctx context.Context, req Request) (string, error)
}

// Settings select and configure a provider.
type Settings struct {
	// Provider forces a provider; empty means detect from the environment.
	Provider string
	Model    string
	// BaseURL points the OpenAI provider at a compatible endpoint.
	BaseURL string
}

// Getenv is the environment lookup used by Detect; tests replace it.
type Getenv func(string) string

// Detect picks a provider from settings and environment credentials:
// OPENAI_API_KEY, then ANTHROPIC_API_KEY, then GEMINI_API_KEY or
// GOOGLE_API_KEY. A forced provider without its key is an error.
func Detect(ctx context.Context, s Settings, getenv Getenv) (Provider, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	keys := map[string]string{
		ProviderOpenAI:    getenv("OPENAI_API_KEY"),
		ProviderAnthropic: getenv("ANTHROPIC_API_KEY"),
		ProviderGemini:    firstNonEmpty(getenv("GEMINI_API_KEY"), getenv("GOOGLE_API_KEY")),
	}

	name := strings.ToLower(strings.TrimSpace(s.Provider))
	if name == "" {
		for _, p := range []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini} {
			if keys[p] != "" {
				name = p
				break
			}
		}
		if name == "" {
			return nil, ErrNoProvider
		}
	}

	key, known := keys[name]
	if !known {
		return nil, errors.Errorf("unknown provider %q", s.Provider)
	}
	// A custom OpenAI-compatible endpoint may run without a key.
	if key == "" && !(name == ProviderOpenAI && s.BaseURL != "") {
		return nil, errors.Wrapf(ErrNoProvider, "%s selected but its API key is not set", name)
	}
	model := s.Model
	if model == "" {
		model = defaultModels[name]
	}

	switch name {
	case ProviderOpenAI:
		return newOpenAIProvider(key, model, s.BaseURL), nil
	case ProviderAnthropic:
		return newAnthropicProvider(key, model), nil
	default:
		return newGeminiProvider(ctx, key, model)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// APIError is a provider failure with an HTTP status when one is known.
type APIError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }
