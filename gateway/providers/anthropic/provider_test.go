package anthropic

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
		Name:    "claude-test",
		Type:    providers.TypeAnthropic,
		APIKey:  "sk-ant-test",
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	}, nil)
}

func TestResolveModel(t *testing.T) {
	assert.Equal(t, "claude-3-opus-20240229", ResolveModel("claude-3-opus"))
	assert.Equal(t, "claude-3-5-sonnet-20240620", ResolveModel("claude-3.5-sonnet"))
	assert.Equal(t, "claude-2.1", ResolveModel("claude-2"))
	// Unknown names pass through.
	assert.Equal(t, "claude-3-7-sonnet-latest", ResolveModel("claude-3-7-sonnet-latest"))
}

func TestCompletionTranslation(t *testing.T) {
	var got wireRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(wireResponse{
			ID:         "msg_01",
			Model:      "claude-3-opus-20240229",
			Content:    []wireContentBlock{{Type: "text", Text: "Hello "}, {Type: "text", Text: "world"}},
			StopReason: "end_turn",
			Usage:      wireUsage{InputTokens: 12, OutputTokens: 4},
		})
	})

	temp := 0.7
	resp, err := p.Completion(context.Background(), &gateway.ChatRequest{
		Model: "claude-3-opus",
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: "be concise"},
			{Role: gateway.RoleUser, Content: "hi"},
			{Role: gateway.RoleAssistant, Content: "hello"},
			{Role: gateway.RoleUser, Content: "again"},
		},
		Temperature: &temp,
		Stop:        []string{"END"},
	})
	require.NoError(t, err)

	// System message hoisted out of the messages array.
	assert.Equal(t, "be concise", got.System)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	assert.Equal(t, "claude-3-opus-20240229", got.Model)
	assert.Equal(t, 4096, got.MaxTokens)
	assert.Equal(t, []string{"END"}, got.StopSequences)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.7, *got.Temperature)

	assert.Equal(t, "Hello world", resp.Text())
	assert.Equal(t, "claude-3-opus", resp.Model)
	assert.Equal(t, gateway.FinishStop, resp.Choices[0].FinishReason)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
}

func TestCompletionMaxTokensFinish(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireResponse{
			ID:         "msg_02",
			Content:    []wireContentBlock{{Type: "text", Text: "truncat"}},
			StopReason: "max_tokens",
		})
	})

	resp, err := p.Completion(context.Background(), &gateway.ChatRequest{
		Model:    "claude-3-haiku",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, gateway.FinishLength, resp.Choices[0].FinishReason)
}

func TestCompletionOverloaded(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		w.Write([]byte(`{"error":{"message":"Overloaded","type":"overloaded_error"}}`))
	})

	_, err := p.Completion(context.Background(), &gateway.ChatRequest{
		Model:    "claude-3-haiku",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "hi"}},
	})
	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrModelOverloaded, terr.Code)
	assert.True(t, terr.Retryable)
}

func TestStreamEventTranslation(t *testing.T) {
	events := []string{
		`event: message_start` + "\n" +
			`data: {"type":"message_start","message":{"id":"msg_03","usage":{"input_tokens":9,"output_tokens":0}}}`,
		`event: content_block_delta` + "\n" +
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`event: content_block_delta` + "\n" +
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`event: message_delta` + "\n" +
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		`event: message_stop` + "\n" +
			`data: {"type":"message_stop"}`,
	}

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, ev := range events {
			w.Write([]byte(ev + "\n\n"))
			fl.Flush()
		}
	})

	ch, err := p.Stream(context.Background(), &gateway.ChatRequest{
		Model:    "claude-3.5-sonnet",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "hi"}},
		Stream:   true,
	})
	require.NoError(t, err)

	var chunks []gateway.StreamChunk
	for c := range ch {
		require.NoError(t, c.Err)
		chunks = append(chunks, c)
	}
	// role open + two deltas + finish.
	require.Len(t, chunks, 4)

	// Every chunk is valid OpenAI chunk JSON carrying the client model name.
	for _, c := range chunks {
		var wire providers.StreamChunk
		require.NoError(t, json.Unmarshal(c.Raw, &wire))
		assert.Equal(t, "msg_03", wire.ID)
		assert.Equal(t, "chat.completion.chunk", wire.Object)
		assert.Equal(t, "claude-3.5-sonnet", wire.Model)
	}

	assert.Equal(t, "Hel", chunks[1].Content)
	assert.Equal(t, "lo", chunks[2].Content)
	assert.Equal(t, gateway.FinishStop, chunks[3].FinishReason)
	require.NotNil(t, chunks[3].Usage)
	assert.Equal(t, 9, chunks[3].Usage.PromptTokens)
	assert.Equal(t, 2, chunks[3].Usage.CompletionTokens)
	assert.Equal(t, 11, chunks[3].Usage.TotalTokens)
}

func TestStreamAuthError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid x-api-key","type":"authentication_error"}}`))
	})

	_, err := p.Stream(context.Background(), &gateway.ChatRequest{
		Model:    "claude-3-haiku",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "hi"}},
		Stream:   true,
	})
	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrAuthentication, terr.Code)
	assert.False(t, terr.Retryable)
}

func TestHealthCheckProbesHaiku(t *testing.T) {
	var got wireRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(wireResponse{
			ID:         "msg_04",
			Content:    []wireContentBlock{{Type: "text", Text: "Hi!"}},
			StopReason: "end_turn",
		})
	})

	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, "claude-3-haiku-20240307", got.Model)
	assert.Equal(t, 5, got.MaxTokens)
}

func TestListModelsStatic(t *testing.T) {
	p := New(providers.Config{Name: "c", Type: providers.TypeAnthropic, APIKey: "k"}, nil)
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Contains(t, models, "claude-3-opus-20240229")
	assert.Contains(t, models, "claude-3-5-sonnet-20240620")
}
