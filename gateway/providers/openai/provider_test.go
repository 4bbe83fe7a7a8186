package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/gateway/providers"
	"github.com/BaSui01/modelgate/types"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(providers.Config{
		Name:    "openai-test",
		Type:    providers.TypeOpenAI,
		APIKey:  "sk-test",
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	}, nil)
}

func chatReq() *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model:    "gpt-4o",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "hello"}},
	}
}

func TestCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body providers.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body.Model)
		assert.False(t, body.Stream)

		json.NewEncoder(w).Encode(providers.ChatResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o-2024-05-13",
			Choices: []providers.ChatChoice{{
				Message:      providers.ChatMessage{Role: "assistant", Content: "hi there"},
				FinishReason: "stop",
			}},
			Usage: &providers.ChatUsage{PromptTokens: 8, CompletionTokens: 3, TotalTokens: 11},
		})
	})

	resp, err := p.Completion(context.Background(), chatReq())
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Text())
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, 11, resp.Usage.TotalTokens)
}

func TestCompletionUsesConfiguredBackendModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body providers.ChatRequest
		json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		json.NewEncoder(w).Encode(providers.ChatResponse{Choices: []providers.ChatChoice{{}}})
	}))
	defer srv.Close()

	p := New(providers.Config{
		Name: "p", Type: providers.TypeOpenAI, APIKey: "k",
		BaseURL: srv.URL, Model: "deepseek-chat",
	}, nil)

	_, err := p.Completion(context.Background(), chatReq())
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", gotModel)
}

func TestCompletionMapsUpstreamErrors(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
	})

	_, err := p.Completion(context.Background(), chatReq())
	require.Error(t, err)
	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrRateLimited, terr.Code)
	assert.True(t, terr.Retryable)
	assert.Equal(t, "openai-test", terr.Provider)
	assert.Contains(t, terr.Message, "rate limited")
}

func TestCompletionConnectionRefused(t *testing.T) {
	p := New(providers.Config{
		Name: "p", Type: providers.TypeOpenAI, APIKey: "k",
		BaseURL: "http://127.0.0.1:1", Timeout: time.Second,
	}, nil)

	_, err := p.Completion(context.Background(), chatReq())
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
}

func TestStream(t *testing.T) {
	frames := []string{
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":8,"completion_tokens":2,"total_tokens":10}}`,
	}

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body providers.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		require.NotNil(t, body.StreamOptions)
		assert.True(t, body.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, f := range frames {
			w.Write([]byte("data: " + f + "\n\n"))
			fl.Flush()
		}
		w.Write([]byte("data: [DONE]\n\n"))
	})

	req := chatReq()
	req.Stream = true
	ch, err := p.Stream(context.Background(), req)
	require.NoError(t, err)

	var chunks []gateway.StreamChunk
	for c := range ch {
		require.NoError(t, c.Err)
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 3)

	// Frames pass through verbatim.
	assert.JSONEq(t, frames[0], string(chunks[0].Raw))
	assert.Equal(t, "Hel", chunks[0].Content)
	assert.Equal(t, "lo", chunks[1].Content)
	assert.Equal(t, "stop", chunks[2].FinishReason)
	require.NotNil(t, chunks[2].Usage)
	assert.Equal(t, 10, chunks[2].Usage.TotalTokens)
}

func TestStreamUpstreamErrorBeforeBody(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"down"}}`))
	})

	req := chatReq()
	req.Stream = true
	_, err := p.Stream(context.Background(), req)
	require.Error(t, err)
	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrUpstreamError, terr.Code)
	assert.True(t, terr.Retryable)
}

func TestStreamContextCancel(t *testing.T) {
	release := make(chan struct{})
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		w.Write([]byte(`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"x"},"finish_reason":null}]}` + "\n\n"))
		fl.Flush()
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	req := chatReq()
	req.Stream = true
	ch, err := p.Stream(ctx, req)
	require.NoError(t, err)

	<-ch
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// One in-flight chunk may still arrive; the channel must
			// close right after.
			_, ok = <-ch
			assert.False(t, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream channel not closed after cancel")
	}
}

func TestHealthCheck(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body providers.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 5, body.MaxTokens)
		require.NotNil(t, body.Temperature)
		assert.Zero(t, *body.Temperature)

		json.NewEncoder(w).Encode(providers.ChatResponse{
			Choices: []providers.ChatChoice{{Message: providers.ChatMessage{Content: "Hi!"}}},
		})
	})

	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Greater(t, status.Latency, time.Duration(0))
}

func TestHealthCheckFailure(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	})

	status, err := p.HealthCheck(context.Background())
	require.Error(t, err)
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Message, "bad key")
}

func TestListModels(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`))
	})

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, models)
}

func TestExtraHeaders(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Org")
		json.NewEncoder(w).Encode(providers.ChatResponse{Choices: []providers.ChatChoice{{}}})
	}))
	defer srv.Close()

	p := New(providers.Config{
		Name: "p", Type: providers.TypeOpenAI, APIKey: "k", BaseURL: srv.URL,
		ExtraHeaders: map[string]string{"X-Org": "org-42"},
	}, nil)

	_, err := p.Completion(context.Background(), chatReq())
	require.NoError(t, err)
	assert.Equal(t, "org-42", got)
}
