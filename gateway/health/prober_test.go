package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/gateway/providers"
	"github.com/BaSui01/modelgate/gateway/store"
)

type stubProvider struct {
	name string
	fail *atomic.Bool
}

func (s *stubProvider) Completion(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	return nil, errors.New("not used")
}

func (s *stubProvider) Stream(context.Context, *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	return nil, errors.New("not used")
}

func (s *stubProvider) HealthCheck(context.Context) (*gateway.HealthStatus, error) {
	if s.fail.Load() {
		return &gateway.HealthStatus{Healthy: false}, errors.New("probe refused")
	}
	return &gateway.HealthStatus{Healthy: true, Latency: time.Millisecond}, nil
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) ListModels(context.Context) ([]string, error) { return nil, nil }

func newTestProber(t *testing.T, cfg ProberConfig) (*Prober, *store.HealthStore, *gorm.DB, *atomic.Bool) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	require.NoError(t, db.Create(&store.Provider{
		Name: "probe-me", Type: "openai", APIKey: "k", Enabled: true,
	}).Error)
	require.NoError(t, db.Create(&store.Provider{
		Name: "disabled", Type: "openai", APIKey: "k", Enabled: false,
	}).Error)

	cfgStore := store.NewConfigStore(db, nil, time.Second, nil)
	healthStore := store.NewHealthStore(db, nil)

	fail := &atomic.Bool{}
	p := NewProber(cfg, cfgStore, healthStore, nil, nil)
	p.newProvider = func(cfg providers.Config, _ *zap.Logger) (gateway.Provider, error) {
		return &stubProvider{name: cfg.Name, fail: fail}, nil
	}
	return p, healthStore, db, fail
}

func TestTriggerProbeSuccess(t *testing.T) {
	p, healthStore, db, _ := newTestProber(t, ProberConfig{MaxFailures: 5})
	ctx := context.Background()

	res, err := p.TriggerProbe(ctx, "probe-me")
	require.NoError(t, err)
	assert.True(t, res.Healthy)
	assert.Equal(t, "probe-me", res.Provider)
	assert.InDelta(t, 100.0, res.SuccessRate, 0.01)

	var row store.Provider
	require.NoError(t, db.First(&row, "name = ?", "probe-me").Error)
	h, err := healthStore.Get(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, h.IsHealthy)
	assert.EqualValues(t, 1, h.TotalChecks)
}

func TestTriggerProbeUnknownProvider(t *testing.T) {
	p, _, _, _ := newTestProber(t, ProberConfig{})
	_, err := p.TriggerProbe(context.Background(), "nope")
	assert.ErrorContains(t, err, "not found")
}

func TestProbeFailureHysteresis(t *testing.T) {
	p, _, _, fail := newTestProber(t, ProberConfig{MaxFailures: 3})
	ctx := context.Background()
	fail.Store(true)

	// Healthy through the first two failures.
	for i := 0; i < 2; i++ {
		res, err := p.TriggerProbe(ctx, "probe-me")
		require.NoError(t, err)
		assert.True(t, res.Healthy)
	}

	// Third consecutive failure flips it.
	res, err := p.TriggerProbe(ctx, "probe-me")
	require.NoError(t, err)
	assert.False(t, res.Healthy)
	assert.Equal(t, 3, res.ConsecutiveFailures)
	assert.Contains(t, res.Error, "probe refused")

	// One success recovers.
	fail.Store(false)
	res, err = p.TriggerProbe(ctx, "probe-me")
	require.NoError(t, err)
	assert.True(t, res.Healthy)
	assert.Zero(t, res.ConsecutiveFailures)
}

func TestProbeLoopSkipsDisabled(t *testing.T) {
	p, healthStore, db, _ := newTestProber(t, ProberConfig{Interval: time.Hour, MaxFailures: 5})
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	// First cycle runs immediately; poll for its result.
	require.Eventually(t, func() bool {
		rows, err := healthStore.List(ctx)
		return err == nil && len(rows) == 1
	}, 3*time.Second, 10*time.Millisecond)
	p.Stop()

	var disabled store.Provider
	require.NoError(t, db.First(&disabled, "name = ?", "disabled").Error)
	h, err := healthStore.Get(ctx, disabled.ID)
	require.NoError(t, err)
	assert.Nil(t, h, "disabled providers are never probed")
}

func TestProberStartTwice(t *testing.T) {
	p, _, _, _ := newTestProber(t, ProberConfig{Interval: time.Hour})
	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))
	p.Stop()
	// Stop is idempotent.
	p.Stop()
}
