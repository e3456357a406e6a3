package llm

import (
	"context"

	"github.com/cityranker/citystats/pkg/openrouter"
)

// OpenRouter completes requests through an OpenAI-compatible chat API.
type OpenRouter struct {
	client      openrouter.Client
	temperature float64
	maxTokens   int
}

// NewOpenRouter builds an OpenRouter provider from opts.
func NewOpenRouter(opts Options) *OpenRouter {
	var orOpts []openrouter.Option
	if opts.BaseURL != "" {
		orOpts = append(orOpts, openrouter.WithBaseURL(opts.BaseURL))
	}
	if opts.Model != "" {
		orOpts = append(orOpts, openrouter.WithModel(opts.Model))
	}
	if opts.AppName != "" {
		orOpts = append(orOpts, openrouter.WithAppName(opts.AppName))
	}
	return NewOpenRouterWithClient(openrouter.NewClient(opts.APIKey, orOpts...), opts)
}

// NewOpenRouterWithClient wraps an existing client.
func NewOpenRouterWithClient(client openrouter.Client, opts Options) *OpenRouter {
	return &OpenRouter{client: client, temperature: opts.Temperature, maxTokens: opts.MaxTokens}
}

func (o *OpenRouter) Complete(ctx context.Context, req Request) (string, error) {
	temp := o.temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	var maxTokens *int
	if req.MaxTokens > 0 {
		maxTokens = &req.MaxTokens
	} else if o.maxTokens > 0 {
		mt := o.maxTokens
		maxTokens = &mt
	}

	var msgs []openrouter.Message
	if req.System != "" {
		msgs = append(msgs, openrouter.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, openrouter.Message{Role: "user", Content: req.Prompt})

	resp, err := o.client.ChatCompletion(ctx, openrouter.ChatCompletionRequest{
		Messages:    msgs,
		Temperature: &temp,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", classify(err, openRouterStatus(err))
	}
	return resp.Content(), nil
}
