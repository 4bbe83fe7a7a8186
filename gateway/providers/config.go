package providers

import (
	"fmt"
	"strings"
	"time"
)

// Backend types recognized by the factory.
const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
	TypeGemini    = "gemini"
)

// Config is the per-provider deployment configuration, normally
// hydrated from a providers table row joined with the model mapping.
type Config struct {
	// Name uniquely identifies this provider instance ("openai-primary",
	// "claude-backup"). It is the value recorded in logs and health rows.
	Name string `json:"name" yaml:"name"`

	// Type selects the adapter: openai, anthropic, or gemini. Any
	// OpenAI-compatible backend (DeepSeek, Qwen, vLLM, ...) uses openai
	// with its own BaseURL.
	Type string `json:"type" yaml:"type"`

	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Model is the backend-native model ID this instance serves. The
	// dispatcher sets it from the model_providers mapping before each
	// call, overriding the client-facing model name.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// ExtraHeaders are added verbatim to every upstream request.
	ExtraHeaders map[string]string `json:"extra_headers,omitempty" yaml:"extra_headers,omitempty"`
}

// Validate checks the fields every adapter needs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("provider name is required")
	}
	switch c.Type {
	case TypeOpenAI, TypeAnthropic, TypeGemini:
	default:
		return fmt.Errorf("unknown provider type %q", c.Type)
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("provider %s: api key is required", c.Name)
	}
	return nil
}

// Endpoint joins the base URL with a path, tolerating trailing slashes.
func (c *Config) Endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// EffectiveTimeout returns the configured timeout or the 30s default.
func (c *Config) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

// ChooseModel picks the backend model: the mapping's provider_model
// wins, then the request's model, then the fallback.
func ChooseModel(requested, configured, fallback string) string {
	if configured != "" {
		return configured
	}
	if requested != "" {
		return requested
	}
	return fallback
}
