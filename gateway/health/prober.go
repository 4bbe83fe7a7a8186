// Package health runs the background prober that keeps provider_health
// rows current. Each cycle sends a minimal completion to every enabled
// provider concurrently; sustained failures flip a provider unhealthy
// until a single probe succeeds again.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/gateway/factory"
	"github.com/BaSui01/modelgate/gateway/providers"
	"github.com/BaSui01/modelgate/gateway/store"
	"github.com/BaSui01/modelgate/internal/metrics"
)

const probeTimeout = 30 * time.Second

// ProberConfig tunes the probe loop.
type ProberConfig struct {
	// Interval between probe cycles.
	Interval time.Duration
	// MaxFailures is how many consecutive failed probes flip a
	// provider unhealthy.
	MaxFailures int
	// Concurrency caps parallel probes per cycle; zero means all at
	// once.
	Concurrency int
}

// Result is the outcome of probing one provider.
type Result struct {
	ProviderID          uint   `json:"provider_id"`
	Provider            string `json:"provider"`
	Healthy             bool   `json:"healthy"`
	ResponseTimeMS      int64  `json:"response_time_ms"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	SuccessRate         float64 `json:"success_rate"`
	Error               string `json:"error,omitempty"`
}

// newProviderFunc is swappable in tests to avoid real adapters.
type newProviderFunc func(cfg providers.Config, logger *zap.Logger) (gateway.Provider, error)

// Prober drives the periodic health checks.
type Prober struct {
	cfg       ProberConfig
	providers *store.ConfigStore
	health    *store.HealthStore
	collector *metrics.Collector
	logger    *zap.Logger

	newProvider newProviderFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewProber builds a prober. collector may be nil.
func NewProber(cfg ProberConfig, cfgStore *store.ConfigStore, healthStore *store.HealthStore,
	collector *metrics.Collector, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	return &Prober{
		cfg:         cfg,
		providers:   cfgStore,
		health:      healthStore,
		collector:   collector,
		logger:      logger.With(zap.String("component", "health_prober")),
		newProvider: factory.New,
	}
}

// Start launches the probe loop in its own goroutine. The first cycle
// runs immediately.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("prober already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})

	p.logger.Info("health prober started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("max_failures", p.cfg.MaxFailures))

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		p.runCycle(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.runCycle(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the loop and waits for the in-flight cycle to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("health prober stopped")
}

func (p *Prober) runCycle(ctx context.Context) {
	rows, err := p.providers.ListProviders(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("listing providers for probe failed", zap.Error(err))
		}
		return
	}

	enabled := rows[:0]
	for _, row := range rows {
		if row.Enabled {
			enabled = append(enabled, row)
		}
	}
	if len(enabled) == 0 {
		p.logger.Debug("no enabled providers to probe")
		return
	}

	p.logger.Info("probing providers", zap.Int("count", len(enabled)))

	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.Concurrency > 0 {
		g.SetLimit(p.cfg.Concurrency)
	}
	for _, row := range enabled {
		row := row
		g.Go(func() error {
			// Probe failures are recorded, never propagated; one bad
			// provider must not stop the cycle.
			if _, err := p.probeOne(gctx, row); err != nil && gctx.Err() == nil {
				p.logger.Error("probe bookkeeping failed",
					zap.String("provider", row.Name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// probeOne checks a single provider and updates its health row. The
// returned error covers bookkeeping failures only, not probe outcomes.
func (p *Prober) probeOne(ctx context.Context, row store.Provider) (*Result, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	probeErr := p.probe(probeCtx, row)
	latency := time.Since(start)

	var h *store.ProviderHealth
	var err error
	if probeErr == nil {
		h, err = p.health.RecordSuccess(ctx, row.ID, latency)
	} else {
		p.logger.Warn("provider probe failed",
			zap.String("provider", row.Name), zap.Error(probeErr))
		h, err = p.health.RecordFailure(ctx, row.ID, probeErr, p.cfg.MaxFailures)
	}
	if err != nil {
		return nil, err
	}

	if p.collector != nil {
		p.collector.RecordProviderHealth(row.Name, h.IsHealthy, latency)
	}

	res := &Result{
		ProviderID:          row.ID,
		Provider:            row.Name,
		Healthy:             h.IsHealthy,
		ResponseTimeMS:      h.ResponseTimeMS,
		ConsecutiveFailures: h.ConsecutiveFailures,
		SuccessRate:         h.SuccessRate,
		Error:               h.LastError,
	}
	return res, nil
}

func (p *Prober) probe(ctx context.Context, row store.Provider) error {
	adapter, err := p.newProvider(providers.Config{
		Name:    row.Name,
		Type:    row.Type,
		APIKey:  row.APIKey,
		BaseURL: row.BaseURL,
		Timeout: probeTimeout,
	}, p.logger)
	if err != nil {
		return err
	}
	_, err = adapter.HealthCheck(ctx)
	return err
}

// TriggerProbe runs an immediate check of one provider by name, used
// by the admin API. It bypasses the loop entirely.
func (p *Prober) TriggerProbe(ctx context.Context, providerName string) (*Result, error) {
	rows, err := p.providers.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Name == providerName {
			return p.probeOne(ctx, row)
		}
	}
	return nil, fmt.Errorf("provider %s not found", providerName)
}
