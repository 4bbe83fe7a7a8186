package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LogStore writes and queries the request log. Writes happen on the
// request path, so callers treat failures as non-fatal.
type LogStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewLogStore builds the store.
func NewLogStore(db *gorm.DB, logger *zap.Logger) *LogStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogStore{
		db:     db,
		logger: logger.With(zap.String("component", "log_store")),
	}
}

// Insert writes one request log row, assigning a UUID when unset.
func (s *LogStore) Insert(ctx context.Context, entry *RequestLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// Recent returns the newest rows up to limit, optionally filtered by
// provider name.
func (s *LogStore) Recent(ctx context.Context, provider string, limit int) ([]RequestLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	var rows []RequestLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query request logs: %w", err)
	}
	return rows, nil
}

// PurgeOlderThan deletes rows older than the retention window and
// returns how many went away.
func (s *LogStore) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&RequestLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge request logs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("purged request logs",
			zap.Int64("rows", res.RowsAffected),
			zap.Time("cutoff", cutoff))
	}
	return res.RowsAffected, nil
}

// ProviderStats is the aggregated request log view for one provider.
type ProviderStats struct {
	Provider      string  `json:"provider"`
	Requests      int64   `json:"requests"`
	Errors        int64   `json:"errors"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
	PromptTokens  int64   `json:"prompt_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	StreamedCount int64   `json:"streamed_count"`
}

// StatsSince aggregates the request log per provider for the admin
// stats endpoint.
func (s *LogStore) StatsSince(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	var stats []ProviderStats
	err := s.db.WithContext(ctx).
		Model(&RequestLog{}).
		Select(`provider,
			COUNT(*) AS requests,
			SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END) AS errors,
			AVG(latency_ms) AS avg_latency_ms,
			SUM(prompt_tokens) AS prompt_tokens,
			SUM(total_tokens) AS total_tokens,
			SUM(CASE WHEN is_stream THEN 1 ELSE 0 END) AS streamed_count`).
		Where("created_at >= ?", since).
		Group("provider").
		Order("requests DESC").
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate request logs: %w", err)
	}
	return stats, nil
}

// RunRetention deletes expired rows on a fixed interval until ctx is
// cancelled. Meant to run in its own goroutine.
func (s *LogStore) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeOlderThan(ctx, retention); err != nil && ctx.Err() == nil {
				s.logger.Error("request log retention failed", zap.Error(err))
			}
		}
	}
}

// Migrate creates the log table when migrations have not run, used by
// tests and the sqlite quick start path.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Provider{}, &Model{}, &ModelProvider{}, &ProviderHealth{}, &RequestLog{})
}
