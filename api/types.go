// Package api defines the ingress wire schema. The surface is OpenAI
// chat-completions v1 plus a few routing extensions the dispatcher
// understands; everything here marshals exactly like the upstream
// OpenAI shapes so existing client SDKs work unchanged.
package api

import (
	"time"

	"github.com/BaSui01/modelgate/gateway"
)

// ChatCompletionRequest is the ingress request body for
// POST /v1/chat/completions. Unknown fields are rejected.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	N           int       `json:"n,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	User        string    `json:"user,omitempty"`

	// Routing extensions beyond the OpenAI schema.
	Provider          string   `json:"provider,omitempty"`
	FallbackProviders []string `json:"fallback_providers,omitempty"`
	RetryCount        *int     `json:"retry_count,omitempty"`
	TimeoutSeconds    int      `json:"timeout_seconds,omitempty"`
}

// Message is one ingress chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ToCanonical converts the ingress request into the gateway dialect.
// The request ID comes from middleware, not the body.
func (r *ChatCompletionRequest) ToCanonical(requestID string) *gateway.ChatRequest {
	msgs := make([]gateway.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = gateway.Message{Role: gateway.Role(m.Role), Content: m.Content, Name: m.Name}
	}
	return &gateway.ChatRequest{
		RequestID:         requestID,
		Model:             r.Model,
		Messages:          msgs,
		MaxTokens:         r.MaxTokens,
		Temperature:       r.Temperature,
		TopP:              r.TopP,
		N:                 r.N,
		Stream:            r.Stream,
		Stop:              r.Stop,
		User:              r.User,
		Provider:          r.Provider,
		FallbackProviders: r.FallbackProviders,
		RetryCount:        r.RetryCount,
		Timeout:           time.Duration(r.TimeoutSeconds) * time.Second,
	}
}

// ModelObject is one entry of the GET /v1/models listing.
type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /v1/models response.
type ModelList struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

// ErrorDetail is the OpenAI-style error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope wraps ErrorDetail the way OpenAI clients expect.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}
