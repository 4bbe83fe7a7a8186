// Package openai implements the adapter for OpenAI and every
// OpenAI-compatible backend (DeepSeek, Qwen, Moonshot, vLLM, ...).
// The wire dialect is already canonical, so this adapter is mostly
// transport: auth headers, error mapping, and SSE passthrough.
package openai

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
	completionsPath = "/v1/chat/completions"
	modelsPath      = "/v1/models"
	defaultBaseURL  = "https://api.openai.com"
)

// Provider talks to an OpenAI-compatible chat completions endpoint.
type Provider struct {
	cfg          providers.Config
	client       *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// New builds the adapter. A nil logger is replaced with a nop logger.
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
	providers.BearerTokenHeaders(r, p.cfg.APIKey)
	for k, v := range p.cfg.ExtraHeaders {
		r.Header.Set(k, v)
	}
}

func (p *Provider) buildBody(req *gateway.ChatRequest, stream bool) providers.ChatRequest {
	body := providers.ChatRequest{
		Model:       providers.ChooseModel(req.Model, p.cfg.Model, "gpt-4o-mini"),
		Messages:    providers.ConvertMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		N:           req.N,
		Stop:        req.Stop,
		User:        req.User,
		Stream:      stream,
	}
	if stream {
		body.StreamOptions = &providers.StreamOptions{IncludeUsage: true}
	}
	return body
}

// Completion performs a synchronous chat completion.
func (p *Provider) Completion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	payload, err := json.Marshal(p.buildBody(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.Endpoint(completionsPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.headers(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.WrapTransportError(err, p.Name())
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var wire providers.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, providers.WrapTransportError(fmt.Errorf("decode response: %w", err), p.Name())
	}
	return providers.ToCanonicalResponse(wire, req.Model), nil
}

// Stream performs a streaming chat completion. Frames are forwarded
// verbatim; only choice zero's delta content and the trailing usage
// block are parsed out for accounting.
func (p *Provider) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	payload, err := json.Marshal(p.buildBody(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.Endpoint(completionsPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.headers(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.streamClient.Do(httpReq)
	if err != nil {
		return nil, providers.WrapTransportError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer providers.SafeCloseBody(resp.Body)
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	ch := make(chan gateway.StreamChunk)
	go func() {
		defer providers.SafeCloseBody(resp.Body)
		defer close(ch)

		err := providers.ScanSSE(ctx, resp.Body, func(data []byte) bool {
			if bytes.Equal(data, []byte("[DONE]")) {
				return false
			}

			var wire providers.StreamChunk
			if err := json.Unmarshal(data, &wire); err != nil {
				p.logger.Warn("malformed stream chunk dropped", zap.Error(err))
				return true
			}

			chunk := gateway.StreamChunk{Raw: append([]byte(nil), data...)}
			if len(wire.Choices) > 0 {
				chunk.Content = wire.Choices[0].Delta.Content
				if fr := wire.Choices[0].FinishReason; fr != nil {
					chunk.FinishReason = *fr
				}
			}
			if wire.Usage != nil {
				chunk.Usage = &gateway.ChatUsage{
					PromptTokens:     wire.Usage.PromptTokens,
					CompletionTokens: wire.Usage.CompletionTokens,
					TotalTokens:      wire.Usage.TotalTokens,
				}
			}

			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
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

// HealthCheck issues the minimal probe completion and reports latency.
func (p *Provider) HealthCheck(ctx context.Context) (*gateway.HealthStatus, error) {
	start := time.Now()
	_, err := p.Completion(ctx, providers.ProbeRequest())
	latency := time.Since(start)
	if err != nil {
		return &gateway.HealthStatus{Healthy: false, Latency: latency, Message: err.Error()}, err
	}
	return &gateway.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels queries the backend's model listing endpoint.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint(modelsPath), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.headers(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.WrapTransportError(err, p.Name())
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, providers.WrapTransportError(fmt.Errorf("decode models: %w", err), p.Name())
	}

	models := make([]string, 0, len(listing.Data))
	for _, m := range listing.Data {
		models = append(models, m.ID)
	}
	return models, nil
}
