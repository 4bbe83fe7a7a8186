// Package gateway defines the canonical chat dialect and the provider
// contract every upstream adapter implements. Requests arrive in
// OpenAI-compatible form; adapters translate to and from each backend's
// native dialect so the rest of the gateway never sees one.
package gateway

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleFunction  Role = "function"
)

// Message is one chat turn in the canonical dialect.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the canonical chat completion request. The routing
// hints (Provider, FallbackProviders, Timeout, RetryCount) are consumed
// by the dispatcher and never forwarded upstream.
type ChatRequest struct {
	RequestID   string    `json:"-"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	N           int       `json:"n,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	User        string    `json:"user,omitempty"`

	// Routing hints.
	Provider          string        `json:"-"`
	FallbackProviders []string      `json:"-"`
	Timeout           time.Duration `json:"-"`
	RetryCount        *int          `json:"-"`
}

// ChatUsage carries token accounting for a completed request.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChoice is one generated alternative.
type ChatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// ChatResponse is the canonical chat completion response. Provider and
// LatencyMS are annotations added by the dispatcher; upstream adapters
// leave them zero.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`

	Provider  string `json:"provider,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

// StreamChunk is one SSE frame of a streaming response. Raw holds the
// exact OpenAI-format chunk JSON forwarded to the client; the parsed
// fields exist so the accountant can accumulate content and usage
// without re-decoding every frame. A non-nil Err terminates the stream.
type StreamChunk struct {
	Raw          []byte
	Content      string
	FinishReason string
	Usage        *ChatUsage
	Err          error
}

// FinishReason values in the canonical dialect.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
)

// HealthStatus is the result of a provider health probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

// LastMessage returns the content of the final message, or "".
func (r *ChatRequest) LastMessage() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// Text returns the content of the first choice, or "".
func (r *ChatResponse) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}
