// Package store is the persistence layer: provider and model routing
// configuration, provider health rows, and the request log, all backed
// by GORM with a Redis cache in front of the hot routing queries.
package store

import "time"

// Provider is one configured upstream backend deployment. Weight
// drives the balancer's weighted draw; priority orders candidates.
type Provider struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Name           string    `gorm:"uniqueIndex;not null" json:"name"`
	Type           string    `gorm:"not null" json:"type"`
	BaseURL        string    `gorm:"column:base_url;not null;default:''" json:"base_url"`
	APIKey         string    `gorm:"column:api_key;not null;default:''" json:"-"`
	Enabled        bool      `gorm:"not null;default:true" json:"enabled"`
	Priority       int       `gorm:"not null;default:0" json:"priority"`
	Weight         int       `gorm:"not null;default:1" json:"weight"`
	MaxRetries     int       `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	TimeoutSeconds int       `gorm:"column:timeout_seconds;not null;default:30" json:"timeout_seconds"`
	RateLimit      int       `gorm:"column:rate_limit;not null;default:0" json:"rate_limit"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Provider) TableName() string { return "providers" }

// Model is a client-facing logical model name.
type Model struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	DisplayName string    `gorm:"column:display_name;not null;default:''" json:"display_name"`
	Enabled     bool      `gorm:"not null;default:true" json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Model) TableName() string { return "models" }

// ModelProvider maps a logical model to one provider that serves it,
// optionally under a backend-native model name. The per-binding weight
// is persisted but selection draws on Provider.Weight.
type ModelProvider struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ModelID           uint      `gorm:"column:model_id;not null;uniqueIndex:uq_model_provider" json:"model_id"`
	ProviderID        uint      `gorm:"column:provider_id;not null;uniqueIndex:uq_model_provider" json:"provider_id"`
	ProviderModel     string    `gorm:"column:provider_model;not null;default:''" json:"provider_model"`
	Weight            int       `gorm:"not null;default:1" json:"weight"`
	SupportsStreaming bool      `gorm:"column:supports_streaming;not null;default:true" json:"supports_streaming"`
	SupportsFunctions bool      `gorm:"column:supports_functions;not null;default:false" json:"supports_functions"`
	SupportsVision    bool      `gorm:"column:supports_vision;not null;default:false" json:"supports_vision"`
	Enabled           bool      `gorm:"not null;default:true" json:"enabled"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (ModelProvider) TableName() string { return "model_providers" }

// ProviderHealth is the rolling health record for one provider,
// maintained by the prober and consulted by the balancer. A provider
// with no row yet counts as healthy.
type ProviderHealth struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	ProviderID          uint       `gorm:"column:provider_id;uniqueIndex;not null" json:"provider_id"`
	IsHealthy           bool       `gorm:"column:is_healthy;not null;default:true" json:"is_healthy"`
	ConsecutiveFailures int        `gorm:"column:consecutive_failures;not null;default:0" json:"consecutive_failures"`
	TotalChecks         int64      `gorm:"column:total_checks;not null;default:0" json:"total_checks"`
	SuccessfulChecks    int64      `gorm:"column:successful_checks;not null;default:0" json:"successful_checks"`
	SuccessRate         float64    `gorm:"column:success_rate;not null;default:0" json:"success_rate"`
	ResponseTimeMS      int64      `gorm:"column:response_time_ms;not null;default:0" json:"response_time_ms"`
	LastError           string     `gorm:"column:last_error;not null;default:''" json:"last_error,omitempty"`
	LastCheckAt         *time.Time `gorm:"column:last_check_at" json:"last_check_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (ProviderHealth) TableName() string { return "provider_health" }

// RequestLog records one terminal request outcome. The primary key is
// a UUID assigned by the gateway, distinct from the client-visible
// request ID header.
type RequestLog struct {
	ID               string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RequestID        string    `gorm:"column:request_id;not null;default:''" json:"request_id"`
	Endpoint         string    `gorm:"not null;default:''" json:"endpoint"`
	Method           string    `gorm:"not null;default:''" json:"method"`
	UserID           string    `gorm:"column:user_id;not null;default:''" json:"user_id,omitempty"`
	IPAddress        string    `gorm:"column:ip_address;not null;default:''" json:"ip_address,omitempty"`
	Model            string    `gorm:"not null" json:"model"`
	Provider         string    `gorm:"not null;default:''" json:"provider"`
	StatusCode       int       `gorm:"column:status_code;not null" json:"status_code"`
	LatencyMS        int64     `gorm:"column:latency_ms;not null;default:0" json:"latency_ms"`
	PromptTokens     int       `gorm:"column:prompt_tokens;not null;default:0" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"column:completion_tokens;not null;default:0" json:"completion_tokens"`
	TotalTokens      int       `gorm:"column:total_tokens;not null;default:0" json:"total_tokens"`
	IsStream         bool      `gorm:"column:is_stream;not null;default:false" json:"is_stream"`
	ErrorMessage     string    `gorm:"column:error_message;not null;default:''" json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func (RequestLog) TableName() string { return "request_logs" }
