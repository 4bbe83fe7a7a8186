package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/modelgate/internal/cache"
)

const (
	candidateKeyPrefix = "balancer:providers:"
	modelsListKey      = "models:list"
)

// Candidate is one provider eligible to serve a model, flattened from
// the providers/model_providers/provider_health join. This is what the
// balancer picks from and what gets cached.
type Candidate struct {
	ProviderID        uint   `json:"provider_id"`
	Name              string `json:"name"`
	Type              string `json:"type"`
	BaseURL           string `json:"base_url"`
	APIKey            string `json:"api_key"`
	Priority          int    `json:"priority"`
	Weight            int    `json:"weight"`
	ProviderModel     string `json:"provider_model"`
	SupportsStreaming bool   `json:"supports_streaming"`
	Healthy           bool   `json:"healthy"`
}

// ConfigStore serves routing configuration reads, caching the hot
// candidate and model list queries in Redis.
type ConfigStore struct {
	db     *gorm.DB
	cache  *cache.Manager
	ttl    time.Duration
	logger *zap.Logger
}

// NewConfigStore builds the store. cache may be nil; every read then
// goes to the database.
func NewConfigStore(db *gorm.DB, c *cache.Manager, ttl time.Duration, logger *zap.Logger) *ConfigStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ConfigStore{
		db:     db,
		cache:  c,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "config_store")),
	}
}

func candidateKey(model string) string {
	if model == "" {
		model = "default"
	}
	return candidateKeyPrefix + model
}

// candidateRow is the scan target for the join; is_healthy is a
// pointer so a missing health row is distinguishable from unhealthy.
type candidateRow struct {
	ProviderID        uint
	Name              string
	Type              string
	BaseURL           string
	APIKey            string
	Priority          int
	Weight            int
	ProviderModel     string
	SupportsStreaming bool
	IsHealthy         *bool
}

func (r candidateRow) toCandidate() Candidate {
	return Candidate{
		ProviderID:        r.ProviderID,
		Name:              r.Name,
		Type:              r.Type,
		BaseURL:           r.BaseURL,
		APIKey:            r.APIKey,
		Priority:          r.Priority,
		Weight:            r.Weight,
		ProviderModel:     r.ProviderModel,
		SupportsStreaming: r.SupportsStreaming,
		// No health row yet means the provider has never been probed
		// and is assumed healthy.
		Healthy: r.IsHealthy == nil || *r.IsHealthy,
	}
}

// CandidatesForModel returns the enabled providers that can serve
// model, honoring the cache. An empty model returns every enabled
// provider (the default pool).
func (s *ConfigStore) CandidatesForModel(ctx context.Context, model string) ([]Candidate, error) {
	key := candidateKey(model)
	if s.cache != nil {
		var cached []Candidate
		if err := s.cache.GetJSON(ctx, key, &cached); err == nil {
			return cached, nil
		} else if !cache.IsCacheMiss(err) {
			s.logger.Warn("candidate cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	candidates, err := s.queryCandidates(ctx, model)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, candidates, s.ttl); err != nil {
			s.logger.Warn("candidate cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return candidates, nil
}

func (s *ConfigStore) queryCandidates(ctx context.Context, model string) ([]Candidate, error) {
	var rows []candidateRow
	db := s.db.WithContext(ctx)

	// Selection weight always comes from the provider row; the
	// per-binding weight stays persisted but does not drive the draw.
	if model == "" {
		err := db.Table("providers p").
			Select("p.id AS provider_id, p.name, p.type, p.base_url AS base_url, p.api_key AS api_key, p.priority, p.weight, '' AS provider_model, TRUE AS supports_streaming, ph.is_healthy AS is_healthy").
			Joins("LEFT JOIN provider_health ph ON ph.provider_id = p.id").
			Where("p.enabled = ?", true).
			Order("p.priority DESC, p.weight DESC, p.name ASC").
			Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("query default candidates: %w", err)
		}
	} else {
		err := db.Table("model_providers mp").
			Select("p.id AS provider_id, p.name, p.type, p.base_url AS base_url, p.api_key AS api_key, p.priority, p.weight, mp.provider_model AS provider_model, mp.supports_streaming AS supports_streaming, ph.is_healthy AS is_healthy").
			Joins("JOIN models m ON m.id = mp.model_id").
			Joins("JOIN providers p ON p.id = mp.provider_id").
			Joins("LEFT JOIN provider_health ph ON ph.provider_id = p.id").
			Where("m.name = ? AND m.enabled = ? AND mp.enabled = ? AND p.enabled = ?", model, true, true, true).
			Order("p.priority DESC, p.weight DESC, p.name ASC").
			Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("query candidates for %s: %w", model, err)
		}
	}

	candidates := make([]Candidate, 0, len(rows))
	for _, r := range rows {
		candidates = append(candidates, r.toCandidate())
	}
	return candidates, nil
}

// ListModels returns the enabled logical models, cached under a single
// key with the same TTL as candidates.
func (s *ConfigStore) ListModels(ctx context.Context) ([]Model, error) {
	if s.cache != nil {
		var cached []Model
		if err := s.cache.GetJSON(ctx, modelsListKey, &cached); err == nil {
			return cached, nil
		} else if !cache.IsCacheMiss(err) {
			s.logger.Warn("model list cache read failed", zap.Error(err))
		}
	}

	var models []Model
	if err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("name ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, modelsListKey, models, s.ttl); err != nil {
			s.logger.Warn("model list cache write failed", zap.Error(err))
		}
	}
	return models, nil
}

// ListProviders returns all providers, enabled or not, for the admin
// surface. Not cached.
func (s *ConfigStore) ListProviders(ctx context.Context) ([]Provider, error) {
	var providers []Provider
	if err := s.db.WithContext(ctx).Order("priority DESC, name ASC").Find(&providers).Error; err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	return providers, nil
}

// Invalidate drops every cached routing entry. Called after
// configuration or health changes.
func (s *ConfigStore) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.DeletePattern(ctx, candidateKeyPrefix+"*"); err != nil {
		return err
	}
	return s.cache.Delete(ctx, modelsListKey)
}
