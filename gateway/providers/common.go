// Package providers holds the shared wire types and helpers used by all
// upstream adapters: HTTP error mapping, SSE scanning, and the
// OpenAI-compatible request/response shapes.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/types"
)

// MapHTTPError maps an upstream HTTP status to a typed error with the
// retryable flag the dispatcher keys failover on. 429, 5xx, and
// timeouts are transient; auth and validation failures are permanent.
func MapHTTPError(status int, msg string, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return &types.Error{
			Code:       types.ErrAuthentication,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusForbidden:
		return &types.Error{
			Code:       types.ErrForbidden,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusNotFound:
		return &types.Error{
			Code:       types.ErrModelNotFound,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusTooManyRequests:
		return &types.Error{
			Code:       types.ErrRateLimited,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   provider,
		}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &types.Error{
			Code:       types.ErrUpstreamTimeout,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   provider,
		}
	case http.StatusBadRequest:
		// Some backends report exhausted quota as a 400.
		msgLower := strings.ToLower(msg)
		if strings.Contains(msgLower, "quota") ||
			strings.Contains(msgLower, "credit") ||
			strings.Contains(msgLower, "limit") {
			return &types.Error{
				Code:       types.ErrQuotaExceeded,
				Message:    msg,
				HTTPStatus: status,
				Provider:   provider,
			}
		}
		return &types.Error{
			Code:       types.ErrInvalidRequest,
			Message:    msg,
			HTTPStatus: status,
			Provider:   provider,
		}
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return &types.Error{
			Code:       types.ErrUpstreamError,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   provider,
		}
	case 529: // model overloaded (Anthropic and friends)
		return &types.Error{
			Code:       types.ErrModelOverloaded,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   provider,
		}
	default:
		return &types.Error{
			Code:       types.ErrUpstreamError,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  status >= 500,
			Provider:   provider,
		}
	}
}

// WrapTransportError converts a network-level failure (connect refused,
// DNS, context deadline) into a retryable upstream error.
func WrapTransportError(err error, provider string) *types.Error {
	code := types.ErrUpstreamError
	if strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(err.Error(), "Client.Timeout") {
		code = types.ErrUpstreamTimeout
	}
	return &types.Error{
		Code:       code,
		Message:    err.Error(),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   provider,
		Cause:      err,
	}
}

// ReadErrorMessage extracts a human-readable message from an upstream
// error body. Falls back to the raw text when the body is not the usual
// {"error": {...}} JSON shape.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}

	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}

	return string(data)
}

// SafeCloseBody closes an HTTP response body, ignoring errors.
func SafeCloseBody(body io.ReadCloser) {
	if body != nil {
		_ = body.Close()
	}
}

// BearerTokenHeaders sets standard Bearer auth headers.
func BearerTokenHeaders(r *http.Request, apiKey string) {
	r.Header.Set("Authorization", "Bearer "+apiKey)
	r.Header.Set("Content-Type", "application/json")
}

var ssePrefix = []byte("data:")

// ScanSSE reads server-sent events from body, invoking fn with each
// non-empty data payload ("[DONE]" included). It returns when the
// stream ends, fn returns false, or ctx is cancelled. The buffer is
// sized generously because providers emit whole JSON chunks per line.
func ScanSSE(ctx context.Context, body io.Reader, fn func(data []byte) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if !bytes.HasPrefix(line, ssePrefix) {
			continue
		}
		data := bytes.TrimSpace(line[len(ssePrefix):])
		if len(data) == 0 {
			continue
		}
		if !fn(data) {
			return nil
		}
	}
	return scanner.Err()
}

// OpenAI-compatible wire types. The openai adapter speaks this shape
// natively; the anthropic and gemini adapters synthesize it for their
// outgoing stream chunks so clients always see one dialect.

// ChatMessage is an OpenAI-compatible message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	N           int           `json:"n,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	User        string        `json:"user,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

// StreamOptions requests usage reporting on the final stream chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatChoice is one OpenAI-compatible choice.
type ChatChoice struct {
	Index        int          `json:"index"`
	Message      ChatMessage  `json:"message"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// ChatUsage is OpenAI-compatible token usage.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// StreamDelta is the delta payload of one streaming choice.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamChoice is one choice of a streaming chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamChunk is an OpenAI-compatible streaming chunk.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *ChatUsage     `json:"usage,omitempty"`
}

// ConvertMessages converts canonical messages to the OpenAI wire shape.
func ConvertMessages(msgs []gateway.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.Name,
		})
	}
	return out
}

// ToCanonicalResponse converts an OpenAI wire response to the canonical
// dialect, preserving the logical model name the client asked for.
func ToCanonicalResponse(wire ChatResponse, model string) *gateway.ChatResponse {
	choices := make([]gateway.ChatChoice, 0, len(wire.Choices))
	for _, c := range wire.Choices {
		choices = append(choices, gateway.ChatChoice{
			Index: c.Index,
			Message: gateway.Message{
				Role:    gateway.RoleAssistant,
				Content: c.Message.Content,
			},
			FinishReason: c.FinishReason,
		})
	}
	resp := &gateway.ChatResponse{
		ID:      wire.ID,
		Object:  "chat.completion",
		Created: wire.Created,
		Model:   model,
		Choices: choices,
	}
	if wire.Usage != nil {
		resp.Usage = gateway.ChatUsage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	return resp
}

// EncodeChunk marshals an OpenAI-format chunk for SSE passthrough.
// Marshalling a struct this package defines cannot fail; the error is
// swallowed to keep adapter stream loops simple.
func EncodeChunk(chunk StreamChunk) []byte {
	data, _ := json.Marshal(chunk)
	return data
}

// ProbeRequest returns the minimal completion used by health checks and
// credential validation.
func ProbeRequest() *gateway.ChatRequest {
	temp := 0.0
	return &gateway.ChatRequest{
		Model:       "test",
		Messages:    []gateway.Message{{Role: gateway.RoleUser, Content: "Hi"}},
		MaxTokens:   5,
		Temperature: &temp,
	}
}
