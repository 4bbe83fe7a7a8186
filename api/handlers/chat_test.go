package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/modelgate/api"
	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/internal/ctxkeys"
	"github.com/BaSui01/modelgate/types"
)

type fakeDispatcher struct {
	completion func(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
	stream     func(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error)
}

func (f *fakeDispatcher) Completion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	return f.completion(ctx, req)
}

func (f *fakeDispatcher) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	return f.stream(ctx, req)
}

func chunksChannel(chunks ...gateway.StreamChunk) <-chan gateway.StreamChunk {
	ch := make(chan gateway.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func postChat(t *testing.T, h *ChatHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req = req.WithContext(ctxkeys.WithRequestID(req.Context(), "req-test"))
	rec := httptest.NewRecorder()
	h.HandleCompletion(rec, req)
	return rec
}

func TestChatUnarySuccess(t *testing.T) {
	var got *gateway.ChatRequest
	d := &fakeDispatcher{
		completion: func(_ context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
			got = req
			return &gateway.ChatResponse{
				ID:      "chatcmpl-1",
				Object:  "chat.completion",
				Model:   req.Model,
				Choices: []gateway.ChatChoice{{Message: gateway.Message{Role: gateway.RoleAssistant, Content: "hi"}, FinishReason: "stop"}},
				Usage:   gateway.ChatUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
				Provider: "openai-main",
			}, nil
		},
	}
	h := NewChatHandler(d, nil)

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}],"fallback_providers":["openai-main"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, got)
	assert.Equal(t, "req-test", got.RequestID)
	assert.Equal(t, []string{"openai-main"}, got.FallbackProviders)

	var resp gateway.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "openai-main", resp.Provider)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestChatValidation(t *testing.T) {
	h := NewChatHandler(&fakeDispatcher{}, nil)

	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`, "model is required"},
		{"empty messages", `{"model":"gpt-4o","messages":[]}`, "messages cannot be empty"},
		{"bad role", `{"model":"gpt-4o","messages":[{"role":"robot","content":"x"}]}`, "role must be"},
		{"bad temperature", `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"temperature":3}`, "temperature"},
		{"bad top_p", `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"top_p":2}`, "top_p"},
		{"unknown field", `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"bogus":1}`, "invalid JSON body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postChat(t, h, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var env api.ErrorEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, "invalid_request_error", env.Error.Type)
			assert.Contains(t, env.Error.Message, tc.want)
		})
	}
}

func TestChatToolAndFunctionRoles(t *testing.T) {
	d := &fakeDispatcher{
		completion: func(_ context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
			return &gateway.ChatResponse{ID: "chatcmpl-2", Model: req.Model}, nil
		},
	}
	h := NewChatHandler(d, nil)

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[`+
		`{"role":"user","content":"look this up"},`+
		`{"role":"assistant","content":""},`+
		`{"role":"tool","content":"42"},`+
		`{"role":"function","content":"42"}]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatDispatchErrorEnvelope(t *testing.T) {
	d := &fakeDispatcher{
		completion: func(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
			return nil, &types.Error{Code: types.ErrAllProvidersFailed,
				Message: "all providers failed: down", HTTPStatus: 503, Retryable: true}
		},
	}
	h := NewChatHandler(d, nil)

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var env api.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "api_error", env.Error.Type)
	assert.Equal(t, "ALL_PROVIDERS_FAILED", env.Error.Code)
	assert.Contains(t, env.Error.Message, "down")
}

func TestChatMethodNotAllowed(t *testing.T) {
	h := NewChatHandler(&fakeDispatcher{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.HandleCompletion(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestChatStreamFraming(t *testing.T) {
	d := &fakeDispatcher{
		stream: func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
			return chunksChannel(
				gateway.StreamChunk{Raw: []byte(`{"id":"c1","choices":[{"delta":{"content":"Hel"}}]}`), Content: "Hel"},
				gateway.StreamChunk{Raw: []byte(`{"id":"c1","choices":[{"delta":{"content":"lo"}}]}`), Content: "lo"},
				gateway.StreamChunk{Raw: []byte(`{"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}]}`), FinishReason: "stop"},
			), nil
		},
	}
	h := NewChatHandler(d, nil)

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}],"stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	var dataLines []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}
	require.Len(t, dataLines, 4)
	assert.JSONEq(t, `{"id":"c1","choices":[{"delta":{"content":"Hel"}}]}`, dataLines[0])
	assert.Equal(t, "[DONE]", dataLines[3])
}

func TestChatStreamErrorEvent(t *testing.T) {
	d := &fakeDispatcher{
		stream: func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
			return chunksChannel(
				gateway.StreamChunk{Raw: []byte(`{"id":"c1"}`), Content: "part"},
				gateway.StreamChunk{Err: &types.Error{Code: types.ErrStreamInterrupted,
					Message: "connection reset", HTTPStatus: 502, Retryable: true}},
			), nil
		},
	}
	h := NewChatHandler(d, nil)

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "event: error\n")
	assert.Contains(t, body, "connection reset")
	// The terminal [DONE] is not sent after an error event.
	assert.NotContains(t, body, "[DONE]")
}

func TestChatStreamOpenFailure(t *testing.T) {
	d := &fakeDispatcher{
		stream: func(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
			return nil, &types.Error{Code: types.ErrProviderUnavailable,
				Message: "no healthy providers", HTTPStatus: 503, Retryable: true}
		},
	}
	h := NewChatHandler(d, nil)

	rec := postChat(t, h, `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"stream":true}`)
	// A stream that never opened reports a plain JSON error.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}
