// Package anthropic implements the adapter for the Anthropic Messages
// API. It translates between the canonical OpenAI-style dialect and
// Anthropic's native one: system messages become the top-level system
// field, stop sequences and finish reasons are renamed, and the SSE
// event stream is rewritten into OpenAI-format chunks.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/gateway/providers"
	"github.com/BaSui01/modelgate/internal/tlsutil"
)

const (
	defaultBaseURL  = "https://api.anthropic.com"
	messagesPath    = "/v1/messages"
	apiVersion      = "2023-06-01"
	defaultMaxTokens = 4096
	probeModel      = "claude-3-haiku"
)

// modelAliases maps short client-facing names to dated API model IDs.
// Unknown names pass through unchanged.
var modelAliases = map[string]string{
	"claude-3-opus":     "claude-3-opus-20240229",
	"claude-3-sonnet":   "claude-3-sonnet-20240229",
	"claude-3-haiku":    "claude-3-haiku-20240307",
	"claude-3.5-sonnet": "claude-3-5-sonnet-20240620",
	"claude-2":          "claude-2.1",
	"claude-2.1":        "claude-2.1",
	"claude-2.0":        "claude-2.0",
}

// staticModels is returned by ListModels; Anthropic has no listing
// endpoint.
var staticModels = []string{
	"claude-3-opus-20240229",
	"claude-3-sonnet-20240229",
	"claude-3-haiku-20240307",
	"claude-3-5-sonnet-20240620",
	"claude-2.1",
	"claude-2.0",
}

// ResolveModel applies the alias map.
func ResolveModel(model string) string {
	if mapped, ok := modelAliases[model]; ok {
		return mapped
	}
	return model
}

// Anthropic wire types.

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	System        string        `json:"system,omitempty"`
	MaxTokens     int           `json:"max_tokens"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
}

type wireContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []wireContentBlock `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      wireUsage          `json:"usage"`
}

// streamEvent covers every SSE event type we act on. The type field
// discriminates; unused fields stay zero.
type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string    `json:"id"`
		Usage wireUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage wireUsage `json:"usage"`
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return gateway.FinishStop
	case "max_tokens":
		return gateway.FinishLength
	default:
		return gateway.FinishStop
	}
}

// Provider talks to the Anthropic Messages API.
type Provider struct {
	cfg          providers.Config
	client       *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// New builds the adapter.
func New(cfg providers.Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:          cfg,
		client:       tlsutil.SecureHTTPClient(cfg.EffectiveTimeout()),
		streamClient: tlsutil.StreamingHTTPClient(),
		logger:       logger.With(zap.String("component", "provider"), zap.String("provider", cfg.Name)),
	}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) headers(r *http.Request) {
	r.Header.Set("x-api-key", p.cfg.APIKey)
	r.Header.Set("anthropic-version", apiVersion)
	r.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.ExtraHeaders {
		r.Header.Set(k, v)
	}
}

// buildBody translates a canonical request: the system message is
// hoisted to the top-level field, max_tokens is mandatory upstream so
// a default is applied, and the model alias is resolved.
func (p *Provider) buildBody(req *gateway.ChatRequest, stream bool) wireRequest {
	var system string
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == gateway.RoleSystem {
			system = m.Content
			continue
		}
		role := "assistant"
		if m.Role == gateway.RoleUser {
			role = "user"
		}
		messages = append(messages, wireMessage{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return wireRequest{
		Model:         ResolveModel(providers.ChooseModel(req.Model, p.cfg.Model, probeModel)),
		Messages:      messages,
		System:        system,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
}

func (p *Provider) post(ctx context.Context, client *http.Client, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.Endpoint(messagesPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.headers(httpReq)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, providers.WrapTransportError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer providers.SafeCloseBody(resp.Body)
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}
	return resp, nil
}

// Completion performs a synchronous chat completion.
func (p *Provider) Completion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	resp, err := p.post(ctx, p.client, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer providers.SafeCloseBody(resp.Body)

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, providers.WrapTransportError(fmt.Errorf("decode response: %w", err), p.Name())
	}

	var content string
	for _, block := range wire.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &gateway.ChatResponse{
		ID:      wire.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []gateway.ChatChoice{{
			Message:      gateway.Message{Role: gateway.RoleAssistant, Content: content},
			FinishReason: mapStopReason(wire.StopReason),
		}},
		Usage: gateway.ChatUsage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
	}, nil
}

// Stream performs a streaming completion, rewriting Anthropic's event
// stream into OpenAI-format chunks: message_start opens the assistant
// turn, content_block_delta carries text, message_delta closes with the
// stop reason and final usage.
func (p *Provider) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	resp, err := p.post(ctx, p.streamClient, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamChunk)
	go func() {
		defer providers.SafeCloseBody(resp.Body)
		defer close(ch)

		var (
			messageID    string
			inputTokens  int
			outputTokens int
			created      = time.Now().Unix()
		)

		emit := func(chunk gateway.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}

		err := providers.ScanSSE(ctx, resp.Body, func(data []byte) bool {
			var ev streamEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				p.logger.Warn("malformed stream event dropped", zap.Error(err))
				return true
			}

			switch ev.Type {
			case "message_start":
				messageID = ev.Message.ID
				inputTokens = ev.Message.Usage.InputTokens
				return emit(gateway.StreamChunk{Raw: providers.EncodeChunk(providers.StreamChunk{
					ID:      messageID,
					Object:  "chat.completion.chunk",
					Created: created,
					Model:   req.Model,
					Choices: []providers.StreamChoice{{Delta: providers.StreamDelta{Role: "assistant"}}},
				})})

			case "content_block_delta":
				if ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
					return true
				}
				return emit(gateway.StreamChunk{
					Raw: providers.EncodeChunk(providers.StreamChunk{
						ID:      messageID,
						Object:  "chat.completion.chunk",
						Created: created,
						Model:   req.Model,
						Choices: []providers.StreamChoice{{Delta: providers.StreamDelta{Content: ev.Delta.Text}}},
					}),
					Content: ev.Delta.Text,
				})

			case "message_delta":
				outputTokens = ev.Usage.OutputTokens
				finish := mapStopReason(ev.Delta.StopReason)
				usage := &gateway.ChatUsage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
				}
				return emit(gateway.StreamChunk{
					Raw: providers.EncodeChunk(providers.StreamChunk{
						ID:      messageID,
						Object:  "chat.completion.chunk",
						Created: created,
						Model:   req.Model,
						Choices: []providers.StreamChoice{{Delta: providers.StreamDelta{}, FinishReason: &finish}},
						Usage: &providers.ChatUsage{
							PromptTokens:     usage.PromptTokens,
							CompletionTokens: usage.CompletionTokens,
							TotalTokens:      usage.TotalTokens,
						},
					}),
					FinishReason: finish,
					Usage:        usage,
				})

			case "message_stop":
				return false

			case "error":
				emit(gateway.StreamChunk{Err: providers.MapHTTPError(
					http.StatusBadGateway, string(data), p.Name())})
				return false
			}
			return true
		})
		if err != nil && ctx.Err() == nil {
			select {
			case ch <- gateway.StreamChunk{Err: providers.WrapTransportError(err, p.Name())}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// HealthCheck issues the minimal probe completion against claude-3-haiku.
func (p *Provider) HealthCheck(ctx context.Context) (*gateway.HealthStatus, error) {
	probe := providers.ProbeRequest()
	probe.Model = probeModel

	start := time.Now()
	_, err := p.Completion(ctx, probe)
	latency := time.Since(start)
	if err != nil {
		return &gateway.HealthStatus{Healthy: false, Latency: latency, Message: err.Error()}, err
	}
	return &gateway.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels returns the static model set; there is no listing endpoint.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	return append([]string(nil), staticModels...), nil
}
