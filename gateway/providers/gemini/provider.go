// Package gemini implements the adapter for the Google Generative
// Language API. System messages map to systemInstruction, assistant
// turns to the "model" role, and sampling parameters into
// generationConfig. Streaming uses the SSE variant of
// streamGenerateContent and rewrites each chunk into OpenAI format.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/gateway/providers"
	"github.com/BaSui01/modelgate/internal/tlsutil"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	apiVersion     = "v1beta"
	probeModel     = "gemini-1.5-flash"
)

// modelAliases maps stable client-facing names to API model IDs.
var modelAliases = map[string]string{
	"gemini-1.5-pro":   "gemini-1.5-pro-latest",
	"gemini-1.5-flash": "gemini-1.5-flash-latest",
}

var staticModels = []string{
	"gemini-pro",
	"gemini-1.5-pro-latest",
	"gemini-1.5-flash-latest",
	"gemini-2.0-flash",
}

// ResolveModel applies the alias map.
func ResolveModel(model string) string {
	if mapped, ok := modelAliases[model]; ok {
		return mapped
	}
	return model
}

// Gemini wire types.

type wirePart struct {
	Text string `json:"text"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type wireRequest struct {
	Contents          []wireContent         `json:"contents"`
	SystemInstruction *wireContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
}

type wireCandidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason"`
}

type wireUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type wireResponse struct {
	Candidates    []wireCandidate `json:"candidates"`
	UsageMetadata *wireUsage      `json:"usageMetadata"`
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP", "OTHER":
		return gateway.FinishStop
	case "MAX_TOKENS":
		return gateway.FinishLength
	case "SAFETY", "RECITATION":
		return gateway.FinishContentFilter
	default:
		return gateway.FinishStop
	}
}

// Provider talks to the Gemini generateContent API.
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

// endpoint builds the model-scoped URL with the API key as query
// parameter, the way the Generative Language API authenticates.
func (p *Provider) endpoint(model, action string, stream bool) string {
	q := url.Values{"key": {p.cfg.APIKey}}
	if stream {
		q.Set("alt", "sse")
	}
	return fmt.Sprintf("%s/%s/models/%s:%s?%s",
		p.cfg.Endpoint(""), apiVersion, model, action, q.Encode())
}

func (p *Provider) buildBody(req *gateway.ChatRequest) wireRequest {
	var system *wireContent
	contents := make([]wireContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == gateway.RoleSystem {
			system = &wireContent{Parts: []wirePart{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == gateway.RoleAssistant {
			role = "model"
		}
		contents = append(contents, wireContent{Role: role, Parts: []wirePart{{Text: m.Content}}})
	}

	body := wireRequest{Contents: contents, SystemInstruction: system}

	gc := wireGenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.Stop,
	}
	if gc.Temperature != nil || gc.TopP != nil || gc.MaxOutputTokens > 0 || len(gc.StopSequences) > 0 {
		body.GenerationConfig = &gc
	}
	return body
}

func (p *Provider) model(req *gateway.ChatRequest) string {
	return ResolveModel(providers.ChooseModel(req.Model, p.cfg.Model, probeModel))
}

func (p *Provider) post(ctx context.Context, client *http.Client, endpoint string, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

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

func candidateText(c wireCandidate) string {
	var text string
	for _, part := range c.Content.Parts {
		text += part.Text
	}
	return text
}

// Completion performs a synchronous chat completion.
func (p *Provider) Completion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	endpoint := p.endpoint(p.model(req), "generateContent", false)
	resp, err := p.post(ctx, p.client, endpoint, p.buildBody(req))
	if err != nil {
		return nil, err
	}
	defer providers.SafeCloseBody(resp.Body)

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, providers.WrapTransportError(fmt.Errorf("decode response: %w", err), p.Name())
	}

	var content, finish string
	if len(wire.Candidates) > 0 {
		content = candidateText(wire.Candidates[0])
		finish = mapFinishReason(wire.Candidates[0].FinishReason)
	} else {
		finish = gateway.FinishStop
	}

	out := &gateway.ChatResponse{
		ID:      "gemini-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []gateway.ChatChoice{{
			Message:      gateway.Message{Role: gateway.RoleAssistant, Content: content},
			FinishReason: finish,
		}},
	}
	if wire.UsageMetadata != nil {
		out.Usage = gateway.ChatUsage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.PromptTokenCount + wire.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out, nil
}

// Stream performs a streaming completion via the SSE variant, rewriting
// each Gemini chunk into OpenAI format.
func (p *Provider) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	endpoint := p.endpoint(p.model(req), "streamGenerateContent", true)
	resp, err := p.post(ctx, p.streamClient, endpoint, p.buildBody(req))
	if err != nil {
		return nil, err
	}

	ch := make(chan gateway.StreamChunk)
	go func() {
		defer providers.SafeCloseBody(resp.Body)
		defer close(ch)

		streamID := "gemini-" + uuid.NewString()
		created := time.Now().Unix()

		err := providers.ScanSSE(ctx, resp.Body, func(data []byte) bool {
			var wire wireResponse
			if err := json.Unmarshal(data, &wire); err != nil {
				p.logger.Warn("malformed stream chunk dropped", zap.Error(err))
				return true
			}
			if len(wire.Candidates) == 0 {
				return true
			}

			cand := wire.Candidates[0]
			chunk := gateway.StreamChunk{Content: candidateText(cand)}

			oai := providers.StreamChunk{
				ID:      streamID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   req.Model,
				Choices: []providers.StreamChoice{{Delta: providers.StreamDelta{Content: chunk.Content}}},
			}
			if cand.FinishReason != "" {
				finish := mapFinishReason(cand.FinishReason)
				chunk.FinishReason = finish
				oai.Choices[0].FinishReason = &finish
				if wire.UsageMetadata != nil {
					chunk.Usage = &gateway.ChatUsage{
						PromptTokens:     wire.UsageMetadata.PromptTokenCount,
						CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
						TotalTokens:      wire.UsageMetadata.PromptTokenCount + wire.UsageMetadata.CandidatesTokenCount,
					}
					oai.Usage = &providers.ChatUsage{
						PromptTokens:     chunk.Usage.PromptTokens,
						CompletionTokens: chunk.Usage.CompletionTokens,
						TotalTokens:      chunk.Usage.TotalTokens,
					}
				}
			}
			chunk.Raw = providers.EncodeChunk(oai)

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

// HealthCheck issues the minimal probe completion.
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

// ListModels returns the static model set.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	return append([]string(nil), staticModels...), nil
}
