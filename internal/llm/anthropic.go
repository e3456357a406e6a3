package llm

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cityranker/citystats/pkg/anthropic"
)

// Anthropic completes requests with the Messages API.
type Anthropic struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewAnthropic builds an Anthropic provider from opts.
func NewAnthropic(opts Options) *Anthropic {
	var reqOpts []option.RequestOption
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return NewAnthropicWithClient(anthropic.NewClient(opts.APIKey, reqOpts...), opts)
}

// NewAnthropicWithClient wraps an existing client.
func NewAnthropicWithClient(client anthropic.Client, opts Options) *Anthropic {
	model := opts.Model
	if model == "" {
		model = anthropic.DefaultModel
	}
	return &Anthropic{
		client:      client,
		model:       model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}
}

func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	temp := a.temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   int64(maxTokens),
		System:      req.System,
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return "", classify(err, anthropicStatus(err))
	}
	resp.Usage.LogCost(a.model, "gapfill")
	return resp.Text(), nil
}
