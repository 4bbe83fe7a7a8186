package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HealthStore maintains provider_health rows. Rows are created lazily
// the first time a provider is probed; until then the provider counts
// as healthy.
type HealthStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewHealthStore builds the store.
func NewHealthStore(db *gorm.DB, logger *zap.Logger) *HealthStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthStore{
		db:     db,
		logger: logger.With(zap.String("component", "health_store")),
	}
}

// Get returns the health row for a provider, or nil when it has never
// been probed.
func (s *HealthStore) Get(ctx context.Context, providerID uint) (*ProviderHealth, error) {
	var h ProviderHealth
	err := s.db.WithContext(ctx).Where("provider_id = ?", providerID).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query provider health: %w", err)
	}
	return &h, nil
}

// List returns every health row keyed by provider ID.
func (s *HealthStore) List(ctx context.Context) (map[uint]ProviderHealth, error) {
	var rows []ProviderHealth
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query provider health rows: %w", err)
	}
	out := make(map[uint]ProviderHealth, len(rows))
	for _, h := range rows {
		out[h.ProviderID] = h
	}
	return out, nil
}

func (s *HealthStore) ensure(ctx context.Context, providerID uint) (*ProviderHealth, error) {
	h, err := s.Get(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if h != nil {
		return h, nil
	}

	fresh := &ProviderHealth{ProviderID: providerID, IsHealthy: true}
	// A concurrent prober may have raced us to the insert.
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_id"}},
		DoNothing: true,
	}).Create(fresh).Error
	if err != nil {
		return nil, fmt.Errorf("create provider health row: %w", err)
	}
	return s.Get(ctx, providerID)
}

// RecordSuccess marks one successful probe: failures reset, the
// provider is healthy, and the rolling success rate advances.
func (s *HealthStore) RecordSuccess(ctx context.Context, providerID uint, latency time.Duration) (*ProviderHealth, error) {
	h, err := s.ensure(ctx, providerID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	h.TotalChecks++
	h.SuccessfulChecks++
	h.ConsecutiveFailures = 0
	h.IsHealthy = true
	h.SuccessRate = float64(h.SuccessfulChecks) / float64(h.TotalChecks) * 100
	h.ResponseTimeMS = latency.Milliseconds()
	h.LastError = ""
	h.LastCheckAt = &now

	if err := s.db.WithContext(ctx).Save(h).Error; err != nil {
		return nil, fmt.Errorf("update provider health: %w", err)
	}
	return h, nil
}

// RecordFailure marks one failed probe. The provider turns unhealthy
// once consecutive failures reach maxFailures; recovery requires a
// single success.
func (s *HealthStore) RecordFailure(ctx context.Context, providerID uint, probeErr error, maxFailures int) (*ProviderHealth, error) {
	h, err := s.ensure(ctx, providerID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	h.TotalChecks++
	h.ConsecutiveFailures++
	h.SuccessRate = float64(h.SuccessfulChecks) / float64(h.TotalChecks) * 100
	if probeErr != nil {
		h.LastError = probeErr.Error()
	}
	h.LastCheckAt = &now
	if h.ConsecutiveFailures >= maxFailures {
		h.IsHealthy = false
	}

	if err := s.db.WithContext(ctx).Save(h).Error; err != nil {
		return nil, fmt.Errorf("update provider health: %w", err)
	}
	return h, nil
}
