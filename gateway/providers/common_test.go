package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/types"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		msg       string
		wantCode  types.ErrorCode
		retryable bool
	}{
		{"unauthorized", 401, "bad key", types.ErrAuthentication, false},
		{"forbidden", 403, "nope", types.ErrForbidden, false},
		{"not found", 404, "no such model", types.ErrModelNotFound, false},
		{"rate limited", 429, "slow down", types.ErrRateLimited, true},
		{"request timeout", 408, "timeout", types.ErrUpstreamTimeout, true},
		{"gateway timeout", 504, "timeout", types.ErrUpstreamTimeout, true},
		{"bad request", 400, "missing field", types.ErrInvalidRequest, false},
		{"quota as 400", 400, "You exceeded your current quota", types.ErrQuotaExceeded, false},
		{"credit as 400", 400, "insufficient credit balance", types.ErrQuotaExceeded, false},
		{"bad gateway", 502, "upstream gone", types.ErrUpstreamError, true},
		{"unavailable", 503, "maintenance", types.ErrUpstreamError, true},
		{"overloaded", 529, "overloaded_error", types.ErrModelOverloaded, true},
		{"teapot", 418, "short and stout", types.ErrUpstreamError, false},
		{"unknown 5xx", 599, "???", types.ErrUpstreamError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapHTTPError(tt.status, tt.msg, "prov")
			assert.Equal(t, tt.wantCode, err.Code)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, tt.status, err.HTTPStatus)
			assert.Equal(t, "prov", err.Provider)
			assert.Equal(t, tt.msg, err.Message)
		})
	}
}

func TestWrapTransportError(t *testing.T) {
	err := WrapTransportError(errors.New("dial tcp: connection refused"), "prov")
	assert.Equal(t, types.ErrUpstreamError, err.Code)
	assert.True(t, err.Retryable)
	assert.Equal(t, http.StatusBadGateway, err.HTTPStatus)

	err = WrapTransportError(context.DeadlineExceeded, "prov")
	assert.Equal(t, types.ErrUpstreamTimeout, err.Code)
	assert.True(t, err.Retryable)
}

func TestReadErrorMessage(t *testing.T) {
	msg := ReadErrorMessage(strings.NewReader(
		`{"error":{"message":"model overloaded","type":"overloaded_error"}}`))
	assert.Equal(t, "model overloaded (type: overloaded_error)", msg)

	msg = ReadErrorMessage(strings.NewReader(`{"error":{"message":"plain"}}`))
	assert.Equal(t, "plain", msg)

	msg = ReadErrorMessage(strings.NewReader("502 Bad Gateway"))
	assert.Equal(t, "502 Bad Gateway", msg)
}

func TestScanSSE(t *testing.T) {
	input := "data: {\"a\":1}\n\n: comment\ndata: {\"a\":2}\n\ndata: [DONE]\n"
	var got []string
	err := ScanSSE(context.Background(), strings.NewReader(input), func(data []byte) bool {
		got = append(got, string(data))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"a":1}`, `{"a":2}`, "[DONE]"}, got)
}

func TestScanSSEStopsWhenCallbackReturnsFalse(t *testing.T) {
	input := "data: one\ndata: two\ndata: three\n"
	var got []string
	err := ScanSSE(context.Background(), strings.NewReader(input), func(data []byte) bool {
		got = append(got, string(data))
		return len(got) < 2
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestScanSSECancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ScanSSE(ctx, strings.NewReader("data: x\n"), func([]byte) bool { return true })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConvertMessages(t *testing.T) {
	msgs := ConvertMessages([]gateway.Message{
		{Role: gateway.RoleSystem, Content: "be brief"},
		{Role: gateway.RoleUser, Content: "hi", Name: "alice"},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, ChatMessage{Role: "user", Content: "hi", Name: "alice"}, msgs[1])
}

func TestToCanonicalResponse(t *testing.T) {
	wire := ChatResponse{
		ID:      "chatcmpl-1",
		Created: 1700000000,
		Model:   "gpt-4o-2024-05-13",
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: "hello"},
			FinishReason: "stop",
		}},
		Usage: &ChatUsage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
	}

	resp := ToCanonicalResponse(wire, "gpt-4o")
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "chat.completion", resp.Object)
	// The logical model name the client asked for, not the backend alias.
	assert.Equal(t, "gpt-4o", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Text())
	assert.Equal(t, gateway.FinishStop, resp.Choices[0].FinishReason)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestEncodeChunkRoundTrip(t *testing.T) {
	stop := "stop"
	raw := EncodeChunk(StreamChunk{
		ID:      "c1",
		Object:  "chat.completion.chunk",
		Model:   "gpt-4o",
		Choices: []StreamChoice{{Delta: StreamDelta{Content: "hi"}, FinishReason: &stop}},
	})

	var decoded StreamChunk
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "hi", decoded.Choices[0].Delta.Content)
	require.NotNil(t, decoded.Choices[0].FinishReason)
	assert.Equal(t, "stop", *decoded.Choices[0].FinishReason)
}

func TestProbeRequest(t *testing.T) {
	req := ProbeRequest()
	assert.Equal(t, "test", req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "Hi", req.Messages[0].Content)
	assert.Equal(t, 5, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.Zero(t, *req.Temperature)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Name: "p", Type: TypeOpenAI, APIKey: "sk-x"}
	assert.NoError(t, cfg.Validate())

	assert.Error(t, (&Config{Type: TypeOpenAI, APIKey: "k"}).Validate())
	assert.Error(t, (&Config{Name: "p", Type: "cohere", APIKey: "k"}).Validate())
	assert.Error(t, (&Config{Name: "p", Type: TypeGemini}).Validate())
}

func TestConfigEndpoint(t *testing.T) {
	cfg := Config{BaseURL: "https://api.example.com/"}
	assert.Equal(t, "https://api.example.com/v1/chat/completions",
		cfg.Endpoint("/v1/chat/completions"))
}

func TestChooseModel(t *testing.T) {
	assert.Equal(t, "backend-model", ChooseModel("gpt-4o", "backend-model", "fb"))
	assert.Equal(t, "gpt-4o", ChooseModel("gpt-4o", "", "fb"))
	assert.Equal(t, "fb", ChooseModel("", "", "fb"))
}
