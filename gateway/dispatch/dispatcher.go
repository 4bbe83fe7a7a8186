// Package dispatch executes chat requests against upstream providers:
// candidate resolution through the balancer, per-provider retries with
// exponential backoff on transient errors, immediate failover on
// permanent ones. The request log gets one success row for the winning
// provider, or one failure row for each provider that exhausted its
// attempts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/gateway/balancer"
	"github.com/BaSui01/modelgate/gateway/factory"
	"github.com/BaSui01/modelgate/gateway/providers"
	"github.com/BaSui01/modelgate/gateway/store"
	"github.com/BaSui01/modelgate/gateway/tokenizer"
	"github.com/BaSui01/modelgate/internal/ctxkeys"
	"github.com/BaSui01/modelgate/internal/metrics"
	"github.com/BaSui01/modelgate/types"
)

// Config tunes dispatch behavior.
type Config struct {
	// RequestTimeout bounds one whole dispatch including retries and
	// failover, unless the request carries its own.
	RequestTimeout time.Duration
	// MaxRetries is the per-provider retry budget for transient
	// errors, unless the request carries its own.
	MaxRetries int
}

// UsageEstimator fills in token usage when the upstream never reported
// it. Satisfied by *tokenizer.Counter and *tokenizer.Estimator.
type UsageEstimator interface {
	EstimateUsage(req *gateway.ChatRequest, completion string) gateway.ChatUsage
}

// Dispatcher routes requests to providers.
type Dispatcher struct {
	cfg       Config
	balancer  *balancer.Balancer
	logs      *store.LogStore
	estimator UsageEstimator
	collector *metrics.Collector
	logger    *zap.Logger

	// Swappable in tests.
	newProvider func(cfg providers.Config, logger *zap.Logger) (gateway.Provider, error)
	sleep       func(ctx context.Context, d time.Duration) error
}

// New builds a dispatcher. collector may be nil; estimator defaults to
// the tiktoken counter.
func New(cfg Config, b *balancer.Balancer, logs *store.LogStore,
	estimator UsageEstimator, collector *metrics.Collector, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if estimator == nil {
		estimator = tokenizer.NewCounter()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Dispatcher{
		cfg:         cfg,
		balancer:    b,
		logs:        logs,
		estimator:   estimator,
		collector:   collector,
		logger:      logger.With(zap.String("component", "dispatcher")),
		newProvider: factory.New,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoffDelay is the transient-retry wait: 1s, 2s, 4s, ... capped at
// 10s.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 10*time.Second {
		return 10 * time.Second
	}
	return d
}

func (d *Dispatcher) retryBudget(req *gateway.ChatRequest) int {
	if req.RetryCount != nil && *req.RetryCount >= 0 {
		return *req.RetryCount
	}
	return d.cfg.MaxRetries
}

func (d *Dispatcher) timeout(req *gateway.ChatRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return d.cfg.RequestTimeout
}

// resolveCandidates produces the failover order: the balancer's pick
// first, then the request's fallback providers in the order the client
// listed them. A request without fallbacks is committed to the single
// pick; a pinned provider restricts the order to that one provider.
func (d *Dispatcher) resolveCandidates(ctx context.Context, req *gateway.ChatRequest) ([]store.Candidate, error) {
	ordered, err := d.balancer.Candidates(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	if req.Provider != "" {
		for _, c := range ordered {
			if c.Name == req.Provider {
				return []store.Candidate{c}, nil
			}
		}
		return nil, &types.Error{
			Code:       types.ErrProviderUnavailable,
			Message:    fmt.Sprintf("provider %s is not available for model %s", req.Provider, req.Model),
			HTTPStatus: http.StatusServiceUnavailable,
			Retryable:  true,
		}
	}

	primary, err := d.balancer.Pick(ctx, req.Model, req.FallbackProviders)
	if err != nil {
		return nil, err
	}

	out := []store.Candidate{*primary}
	seen := map[string]bool{primary.Name: true}
	for _, name := range req.FallbackProviders {
		if seen[name] {
			continue
		}
		seen[name] = true
		for _, c := range ordered {
			if c.Name == name {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (d *Dispatcher) adapterFor(cand store.Candidate, req *gateway.ChatRequest) (gateway.Provider, error) {
	return d.newProvider(providers.Config{
		Name:    cand.Name,
		Type:    cand.Type,
		APIKey:  cand.APIKey,
		BaseURL: cand.BaseURL,
		Model:   cand.ProviderModel,
		Timeout: d.timeout(req),
	}, d.logger)
}

func statusFromError(err error) int {
	var terr *types.Error
	if errors.As(err, &terr) && terr.HTTPStatus != 0 {
		return terr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// writeLog records one terminal outcome row, filling caller identity
// and ingress metadata from the request context. Log failures never
// fail the request.
func (d *Dispatcher) writeLog(ctx context.Context, entry *store.RequestLog) {
	if d.logs == nil {
		return
	}
	if entry.Endpoint == "" {
		entry.Endpoint = "/v1/chat/completions"
	}
	if entry.Method == "" {
		entry.Method = http.MethodPost
	}
	if entry.UserID == "" {
		if caller, ok := ctxkeys.Caller(ctx); ok {
			entry.UserID = caller
		}
	}
	if entry.IPAddress == "" {
		if ip, ok := ctxkeys.ClientIP(ctx); ok {
			entry.IPAddress = ip
		}
	}
	// The request context may already be cancelled or expired.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.logs.Insert(logCtx, entry); err != nil {
		d.logger.Error("request log write failed",
			zap.String("request_id", entry.RequestID), zap.Error(err))
	}
}

func (d *Dispatcher) recordUpstream(provider, model string, status int, dur time.Duration, usage gateway.ChatUsage) {
	if d.collector == nil {
		return
	}
	d.collector.RecordUpstreamRequest(provider, model, strconv.Itoa(status), dur,
		usage.PromptTokens, usage.CompletionTokens)
}

// Completion dispatches a synchronous request, retrying transient
// errors per provider and failing over along the request's fallback
// list.
func (d *Dispatcher) Completion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout(req))
	defer cancel()

	candidates, err := d.resolveCandidates(ctx, req)
	if err != nil {
		d.writeLog(ctx, &store.RequestLog{
			RequestID:    req.RequestID,
			Model:        req.Model,
			StatusCode:   statusFromError(err),
			LatencyMS:    time.Since(start).Milliseconds(),
			ErrorMessage: err.Error(),
		})
		return nil, err
	}

	retries := d.retryBudget(req)
	var failures []providerFailure

	for ci, cand := range candidates {
		adapter, err := d.adapterFor(cand, req)
		if err != nil {
			d.logger.Error("building adapter failed",
				zap.String("provider", cand.Name), zap.Error(err))
			failures = append(failures, providerFailure{cand.Name, err})
			continue
		}

		var provErr error
		deadlineHit := false
		for attempt := 0; ; attempt++ {
			d.logger.Info("dispatching request",
				zap.String("request_id", req.RequestID),
				zap.String("provider", cand.Name),
				zap.String("model", req.Model),
				zap.Int("attempt", attempt+1))

			resp, err := adapter.Completion(ctx, req)
			if err == nil {
				latency := time.Since(start)
				resp.Provider = cand.Name
				resp.LatencyMS = latency.Milliseconds()
				if resp.Usage.TotalTokens == 0 {
					resp.Usage = d.estimator.EstimateUsage(req, resp.Text())
				}

				d.recordUpstream(cand.Name, req.Model, http.StatusOK, latency, resp.Usage)
				d.writeLog(ctx, &store.RequestLog{
					RequestID:        req.RequestID,
					Model:            req.Model,
					Provider:         cand.Name,
					StatusCode:       http.StatusOK,
					LatencyMS:        latency.Milliseconds(),
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				})
				return resp, nil
			}

			provErr = err
			d.logger.Warn("upstream request failed",
				zap.String("request_id", req.RequestID),
				zap.String("provider", cand.Name),
				zap.Int("attempt", attempt+1),
				zap.Error(err))

			if ctx.Err() != nil {
				provErr = deadlineError(ctx, provErr)
				deadlineHit = true
				break
			}
			// Permanent errors skip straight to the next provider.
			if !types.IsRetryable(err) || attempt >= retries {
				break
			}
			if d.collector != nil {
				d.collector.RecordRetry(cand.Name)
			}
			if err := d.sleep(ctx, backoffDelay(attempt)); err != nil {
				provErr = deadlineError(ctx, provErr)
				deadlineHit = true
				break
			}
		}

		d.logProviderFailure(ctx, req, start, cand.Name, provErr, false)
		failures = append(failures, providerFailure{cand.Name, provErr})
		if deadlineHit {
			break
		}

		if ci < len(candidates)-1 {
			d.logger.Info("failing over",
				zap.String("request_id", req.RequestID),
				zap.String("from_provider", cand.Name),
				zap.String("to_provider", candidates[ci+1].Name))
			if d.collector != nil {
				d.collector.RecordFailover(cand.Name)
			}
		}
	}

	return nil, d.allProvidersFailed(failures)
}

func deadlineError(ctx context.Context, lastErr error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &types.Error{
			Code:       types.ErrUpstreamTimeout,
			Message:    "request timed out",
			HTTPStatus: http.StatusGatewayTimeout,
			Retryable:  true,
			Cause:      lastErr,
		}
	}
	return lastErr
}

// providerFailure is one provider's terminal error within a failover
// chain.
type providerFailure struct {
	name string
	err  error
}

// logProviderFailure writes the failure row for one provider that
// exhausted its attempts.
func (d *Dispatcher) logProviderFailure(ctx context.Context, req *gateway.ChatRequest,
	start time.Time, provider string, err error, isStream bool) {
	latency := time.Since(start)
	status := statusFromError(err)
	d.recordUpstream(provider, req.Model, status, latency, gateway.ChatUsage{})
	d.writeLog(ctx, &store.RequestLog{
		RequestID:    req.RequestID,
		Model:        req.Model,
		Provider:     provider,
		StatusCode:   status,
		LatencyMS:    latency.Milliseconds(),
		IsStream:     isStream,
		ErrorMessage: err.Error(),
	})
}

func errMessage(err error) string {
	var terr *types.Error
	if errors.As(err, &terr) {
		return terr.Message
	}
	return err.Error()
}

// allProvidersFailed wraps the whole exhausted chain into one error.
// HTTP status and retryability come from the last provider's error.
func (d *Dispatcher) allProvidersFailed(failures []providerFailure) error {
	if len(failures) == 0 {
		return &types.Error{
			Code:       types.ErrProviderUnavailable,
			Message:    "no providers attempted",
			HTTPStatus: http.StatusServiceUnavailable,
			Retryable:  true,
		}
	}

	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.name, errMessage(f.err)))
	}
	last := failures[len(failures)-1]

	var terr *types.Error
	if errors.As(last.err, &terr) {
		return &types.Error{
			Code:       types.ErrAllProvidersFailed,
			Message:    "all providers failed: " + strings.Join(parts, "; "),
			HTTPStatus: terr.HTTPStatus,
			Retryable:  terr.Retryable,
			Provider:   last.name,
			Cause:      last.err,
		}
	}
	return &types.Error{
		Code:       types.ErrAllProvidersFailed,
		Message:    "all providers failed: " + strings.Join(parts, "; "),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   last.name,
		Cause:      last.err,
	}
}

// Stream dispatches a streaming request. Failover and retries apply
// only until the upstream stream opens; after the first frame is
// underway the stream is committed to that provider and errors
// terminate it. The returned channel carries verbatim OpenAI-format
// frames; accounting happens through the attached Accountant, which
// records the log row exactly once when the stream ends.
func (d *Dispatcher) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	start := time.Now()

	candidates, err := d.resolveCandidates(ctx, req)
	if err != nil {
		d.writeLog(ctx, &store.RequestLog{
			RequestID:    req.RequestID,
			Model:        req.Model,
			StatusCode:   statusFromError(err),
			LatencyMS:    time.Since(start).Milliseconds(),
			IsStream:     true,
			ErrorMessage: err.Error(),
		})
		return nil, err
	}

	retries := d.retryBudget(req)
	var failures []providerFailure

	for ci, cand := range candidates {
		// Never attempted, so no failure row; the skip still shows up
		// in the terminal error.
		if !cand.SupportsStreaming {
			failures = append(failures, providerFailure{cand.Name, &types.Error{
				Code:       types.ErrInvalidRequest,
				Message:    fmt.Sprintf("provider %s does not support streaming for %s", cand.Name, req.Model),
				HTTPStatus: http.StatusBadRequest,
				Provider:   cand.Name,
			}})
			continue
		}

		adapter, err := d.adapterFor(cand, req)
		if err != nil {
			failures = append(failures, providerFailure{cand.Name, err})
			continue
		}

		var provErr error
		for attempt := 0; ; attempt++ {
			upstream, err := adapter.Stream(ctx, req)
			if err == nil {
				acct := newAccountant(d, req, cand.Name, start)
				return d.pump(ctx, upstream, acct), nil
			}

			provErr = err
			d.logger.Warn("opening upstream stream failed",
				zap.String("request_id", req.RequestID),
				zap.String("provider", cand.Name),
				zap.Int("attempt", attempt+1),
				zap.Error(err))

			if ctx.Err() != nil || !types.IsRetryable(err) || attempt >= retries {
				break
			}
			if d.collector != nil {
				d.collector.RecordRetry(cand.Name)
			}
			if err := d.sleep(ctx, backoffDelay(attempt)); err != nil {
				break
			}
		}

		d.logProviderFailure(ctx, req, start, cand.Name, provErr, true)
		failures = append(failures, providerFailure{cand.Name, provErr})

		if ci < len(candidates)-1 && d.collector != nil {
			d.collector.RecordFailover(cand.Name)
		}
	}

	return nil, d.allProvidersFailed(failures)
}

// pump forwards upstream frames to the caller, feeding the accountant.
// The accountant is finalized exactly once, whether the stream ends
// normally, fails mid-flight, or the client goes away.
func (d *Dispatcher) pump(ctx context.Context, upstream <-chan gateway.StreamChunk, acct *Accountant) <-chan gateway.StreamChunk {
	out := make(chan gateway.StreamChunk)
	go func() {
		defer close(out)
		for chunk := range upstream {
			if chunk.Err != nil {
				acct.Finalize(ctx, chunk.Err)
				select {
				case out <- chunk:
				case <-ctx.Done():
				}
				return
			}
			acct.Observe(chunk)
			select {
			case out <- chunk:
			case <-ctx.Done():
				acct.Finalize(ctx, ctx.Err())
				return
			}
		}
		acct.Finalize(ctx, nil)
	}()
	return out
}
