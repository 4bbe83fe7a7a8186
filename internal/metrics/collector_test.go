package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{529, "5xx"},
		{99, "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.code))
	}
}

func TestCollectorRecords(t *testing.T) {
	// Unique namespace per test run keeps promauto's default registry happy.
	c := NewCollector("modelgate_test_collector", zap.NewNop())

	c.RecordHTTPRequest("POST", "/v1/chat/completions", 200, 120*time.Millisecond, 512, 2048)
	c.RecordUpstreamRequest("openai-main", "gpt-4", "success", time.Second, 100, 50)
	c.RecordUpstreamRequest("openai-main", "gpt-4", "error", time.Second, 0, 0)
	c.RecordRetry("openai-main")
	c.RecordFailover("openai-main")
	c.RecordProviderHealth("openai-main", true, 200*time.Millisecond)
	c.RecordProviderHealth("anthropic-backup", false, 30*time.Second)
	c.RecordCacheHit("balancer")
	c.RecordCacheMiss("balancer")
	c.RecordDBConnections("modelgate", 5, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.upstreamRequestsTotal.WithLabelValues("openai-main", "gpt-4", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.upstreamRequestsTotal.WithLabelValues("openai-main", "gpt-4", "error")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.tokensUsed.WithLabelValues("openai-main", "gpt-4", "prompt")))
	assert.Equal(t, 50.0, testutil.ToFloat64(c.tokensUsed.WithLabelValues("openai-main", "gpt-4", "completion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.upstreamRetriesTotal.WithLabelValues("openai-main")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.upstreamFailoversTotal.WithLabelValues("openai-main")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.providerHealthy.WithLabelValues("openai-main")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.providerHealthy.WithLabelValues("anthropic-backup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("balancer")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("modelgate")))
}
