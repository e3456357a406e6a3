// Package llm puts the supported model providers behind one completion call
// used by the gap filler.
package llm

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/cityranker/citystats/internal/resilience"
	"github.com/cityranker/citystats/pkg/anthropic"
	"github.com/cityranker/citystats/pkg/openrouter"
)

// Provider names.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
)

// Request is a single-turn completion.
type Request struct {
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   int
}

// Client produces the text of one completion.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Options configures a provider.
type Options struct {
	APIKey      string
	Model       string
	BaseURL     string
	AppName     string
	Temperature float64
	MaxTokens   int
}

// New builds the client for provider.
func New(provider string, opts Options) (Client, error) {
	if opts.APIKey == "" {
		return nil, eris.Errorf("llm: %s api key is empty", provider)
	}
	switch provider {
	case ProviderAnthropic:
		return NewAnthropic(opts), nil
	case ProviderOpenRouter:
		return NewOpenRouter(opts), nil
	default:
		return nil, eris.Errorf("llm: unknown provider %q", provider)
	}
}

// statusOverloaded is returned by Anthropic when the API is saturated.
const statusOverloaded = 529

// classify marks errors carrying a retryable API status as transient so
// resilience.Do retries them.
func classify(err error, status int) error {
	if err == nil {
		return nil
	}
	if status == statusOverloaded || resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(err, status)
	}
	return err
}

func anthropicStatus(err error) int {
	return anthropic.StatusCode(err)
}

func openRouterStatus(err error) int {
	var apiErr *openrouter.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
