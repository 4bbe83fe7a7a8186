package dispatch

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/gateway/store"
)

// Accountant tracks one streaming response for billing and logging.
// Frames pass through the dispatcher untouched; the accountant only
// accumulates choice-zero content and remembers the last usage block
// the upstream reported. Finalize settles the account exactly once:
// reported usage wins, otherwise the estimator fills it in.
type Accountant struct {
	d        *Dispatcher
	req      *gateway.ChatRequest
	provider string
	start    time.Time

	mu      sync.Mutex
	content strings.Builder
	usage   *gateway.ChatUsage
	done    bool
}

func newAccountant(d *Dispatcher, req *gateway.ChatRequest, provider string, start time.Time) *Accountant {
	return &Accountant{d: d, req: req, provider: provider, start: start}
}

// Observe records one forwarded frame.
func (a *Accountant) Observe(chunk gateway.StreamChunk) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return
	}
	a.content.WriteString(chunk.Content)
	if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
		u := *chunk.Usage
		a.usage = &u
	}
}

// Usage returns the settled usage. Valid only after Finalize.
func (a *Accountant) Usage() gateway.ChatUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.usage != nil {
		return *a.usage
	}
	return gateway.ChatUsage{}
}

// Finalize writes the request log row and metrics for the stream's
// terminal outcome. Subsequent calls are no-ops.
func (a *Accountant) Finalize(ctx context.Context, streamErr error) {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.done = true

	usage := a.usage
	if usage == nil {
		settled := a.d.estimator.EstimateUsage(a.req, a.content.String())
		usage = &settled
		a.usage = usage
	}
	a.mu.Unlock()

	latency := time.Since(a.start)
	status := http.StatusOK
	errMsg := ""
	if streamErr != nil {
		status = statusFromError(streamErr)
		errMsg = streamErr.Error()
	}

	a.d.recordUpstream(a.provider, a.req.Model, status, latency, *usage)
	a.d.writeLog(ctx, &store.RequestLog{
		RequestID:        a.req.RequestID,
		Model:            a.req.Model,
		Provider:         a.provider,
		StatusCode:       status,
		LatencyMS:        latency.Milliseconds(),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		IsStream:         true,
		ErrorMessage:     errMsg,
	})

	a.d.logger.Info("stream settled",
		zap.String("request_id", a.req.RequestID),
		zap.String("provider", a.provider),
		zap.Int("total_tokens", usage.TotalTokens),
		zap.Int("status", status),
		zap.Duration("latency", latency))
}
