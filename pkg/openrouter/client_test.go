package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const okBody = `{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}],"usage":{}}`

func TestChatCompletion(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    string
		wantStatus int
		wantID     string
		wantTokens int
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body: `{
				"id": "gen-123",
				"model": "openai/gpt-4o-mini",
				"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"France\": 1.2}"}, "finish_reason": "stop"}],
				"usage": {"prompt_tokens": 40, "completion_tokens": 9}
			}`,
			wantID:     "gen-123",
			wantTokens: 9,
		},
		{
			name:       "rate_limit",
			status:     http.StatusTooManyRequests,
			body:       `{"error": {"message": "rate limit exceeded"}}`,
			wantErr:    "unexpected status 429",
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "server_error",
			status:     http.StatusInternalServerError,
			body:       `{"error": "internal server error"}`,
			wantErr:    "unexpected status 500",
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "error_in_200_body",
			status:     http.StatusOK,
			body:       `{"error": {"code": 503, "message": "upstream provider unavailable"}}`,
			wantErr:    "upstream provider unavailable",
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:    "malformed_response",
			status:  http.StatusOK,
			body:    `{invalid json`,
			wantErr: "unmarshal response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/chat/completions", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient("test-key", WithBaseURL(srv.URL))

			resp, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{
				Messages: []Message{{Role: "user", Content: "Hi"}},
			})

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, resp)
				if tt.wantStatus != 0 {
					var apiErr *APIError
					require.True(t, errors.As(err, &apiErr))
					assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
				}
				return
			}

			require.NoError(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantID, resp.ID)
			assert.Equal(t, `{"France": 1.2}`, resp.Content())
			assert.Equal(t, tt.wantTokens, resp.Usage.CompletionTokens)
		})
	}
}

func TestDefaultModelAndAppName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, defaultModel, req.Model)
		assert.Equal(t, "citystats", r.Header.Get("X-Title"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithAppName("citystats"))
	_, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{
		Messages: []Message{{Role: "user", Content: "test"}},
	})
	require.NoError(t, err)
}

func TestModelPrecedence(t *testing.T) {
	tests := []struct {
		name      string
		option    string
		requested string
		want      string
	}{
		{"client option", "anthropic/claude-3.5-haiku", "", "anthropic/claude-3.5-haiku"},
		{"request wins", "anthropic/claude-3.5-haiku", "mistralai/mistral-small", "mistralai/mistral-small"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req ChatCompletionRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, tt.want, req.Model)
				_, _ = w.Write([]byte(okBody))
			}))
			defer srv.Close()

			client := NewClient("test-key", WithBaseURL(srv.URL), WithModel(tt.option))
			_, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{
				Model:    tt.requested,
				Messages: []Message{{Role: "user", Content: "test"}},
			})
			require.NoError(t, err)
		})
	}
}

func TestOptionalSamplingFields(t *testing.T) {
	temp, maxTokens := 0.2, 500
	tests := []struct {
		name string
		req  ChatCompletionRequest
		set  bool
	}{
		{"set", ChatCompletionRequest{Temperature: &temp, MaxTokens: &maxTokens}, true},
		{"unset", ChatCompletionRequest{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, err := io.ReadAll(r.Body)
				require.NoError(t, err)

				var raw map[string]any
				require.NoError(t, json.Unmarshal(body, &raw))
				if tt.set {
					assert.InDelta(t, 0.2, raw["temperature"], 0.001)
					assert.InDelta(t, 500, raw["max_tokens"], 0.001)
				} else {
					assert.NotContains(t, raw, "temperature")
					assert.NotContains(t, raw, "max_tokens")
				}
				_, _ = w.Write([]byte(okBody))
			}))
			defer srv.Close()

			req := tt.req
			req.Messages = []Message{{Role: "user", Content: "test"}}
			_, err := NewClient("k", WithBaseURL(srv.URL)).ChatCompletion(context.Background(), req)
			require.NoError(t, err)
		})
	}
}

func TestContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ChatCompletion(ctx, ChatCompletionRequest{
		Messages: []Message{{Role: "user", Content: "test"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send request")
}

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()
	c := NewClient("my-key")
	hc := c.(*httpClient)
	assert.Equal(t, "my-key", hc.apiKey)
	assert.Equal(t, defaultBaseURL, hc.baseURL)
	assert.Equal(t, defaultModel, hc.model)
	assert.NotNil(t, hc.http.Transport)

	custom := &http.Client{}
	hc = NewClient("k", WithHTTPClient(custom)).(*httpClient)
	assert.Same(t, custom, hc.http)
}

func TestContent_Empty(t *testing.T) {
	var r *ChatCompletionResponse
	assert.Equal(t, "", r.Content())
	assert.Equal(t, "", (&ChatCompletionResponse{}).Content())
}
