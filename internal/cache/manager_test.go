package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()

	m, err := NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return m, mr
}

func TestGetSet(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))

	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestGetMiss(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Get(context.Background(), "absent")
	require.Error(t, err)
	assert.True(t, IsCacheMiss(err))
}

func TestJSONRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	type candidate struct {
		Name   string `json:"name"`
		Weight int    `json:"weight"`
	}

	in := []candidate{{Name: "openai-main", Weight: 10}, {Name: "anthropic-backup", Weight: 5}}
	require.NoError(t, m.SetJSON(ctx, "balancer:providers:gpt-4", in, 30*time.Second))

	var out []candidate
	require.NoError(t, m.GetJSON(ctx, "balancer:providers:gpt-4", &out))
	assert.Equal(t, in, out)
}

func TestSetDefaultTTL(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	assert.Equal(t, DefaultConfig().DefaultTTL, mr.TTL("k"))
}

func TestDelete(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k1", "v", time.Minute))
	require.NoError(t, m.Set(ctx, "k2", "v", time.Minute))
	require.NoError(t, m.Delete(ctx, "k1", "k2"))

	n, err := m.Exists(ctx, "k1", "k2")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeletePattern(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "balancer:providers:gpt-4", "x", time.Minute))
	require.NoError(t, m.Set(ctx, "balancer:providers:default", "x", time.Minute))
	require.NoError(t, m.Set(ctx, "models:list", "x", time.Minute))

	require.NoError(t, m.DeletePattern(ctx, "balancer:providers:*"))

	n, err := m.Exists(ctx, "balancer:providers:gpt-4", "balancer:providers:default")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = m.Exists(ctx, "models:list")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestClosedManager(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Close())

	_, err := m.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, IsCacheMiss(err))

	// Close is idempotent.
	require.NoError(t, m.Close())
}
