// Package balancer selects which provider serves a request. Selection
// is weighted random over the healthy candidates for the model, with
// an explicit fallback list taking precedence when the client supplies
// one.
package balancer

import (
	"context"
	"math/rand/v2"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/gateway/store"
	"github.com/BaSui01/modelgate/types"
)

// CandidateSource yields the routing candidates for a model. Satisfied
// by *store.ConfigStore.
type CandidateSource interface {
	CandidatesForModel(ctx context.Context, model string) ([]store.Candidate, error)
}

// Balancer picks providers for requests.
type Balancer struct {
	source CandidateSource
	logger *zap.Logger

	// randFloat is swappable for deterministic tests.
	randFloat func() float64
}

// New builds a balancer over the given candidate source.
func New(source CandidateSource, logger *zap.Logger) *Balancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Balancer{
		source:    source,
		logger:    logger.With(zap.String("component", "balancer")),
		randFloat: rand.Float64,
	}
}

func noProvidersError(model string) *types.Error {
	msg := "no healthy providers available"
	if model != "" {
		msg += " for model " + model
	}
	return &types.Error{
		Code:       types.ErrProviderUnavailable,
		Message:    msg,
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
	}
}

func healthy(candidates []store.Candidate) []store.Candidate {
	out := make([]store.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Healthy {
			out = append(out, c)
		}
	}
	return out
}

// Pick selects one healthy candidate for model. An explicit fallback
// list is honored in order before weighted selection.
func (b *Balancer) Pick(ctx context.Context, model string, fallbacks []string) (*store.Candidate, error) {
	candidates, err := b.source.CandidatesForModel(ctx, model)
	if err != nil {
		return nil, err
	}

	pool := healthy(candidates)
	if len(pool) == 0 {
		return nil, noProvidersError(model)
	}

	for _, name := range fallbacks {
		for i := range pool {
			if pool[i].Name == name {
				b.logger.Info("using fallback provider",
					zap.String("provider", name), zap.String("model", model))
				return &pool[i], nil
			}
		}
	}

	picked := b.weightedPick(pool)
	b.logger.Debug("provider selected",
		zap.String("provider", picked.Name),
		zap.String("model", model),
		zap.Int("pool_size", len(pool)))
	return picked, nil
}

// Candidates returns the healthy candidates for model ordered by
// priority then weight, the order the dispatcher walks on failover.
func (b *Balancer) Candidates(ctx context.Context, model string) ([]store.Candidate, error) {
	candidates, err := b.source.CandidatesForModel(ctx, model)
	if err != nil {
		return nil, err
	}
	pool := healthy(candidates)
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Priority != pool[j].Priority {
			return pool[i].Priority > pool[j].Priority
		}
		return pool[i].Weight > pool[j].Weight
	})
	return pool, nil
}

func (b *Balancer) weightedPick(pool []store.Candidate) *store.Candidate {
	if len(pool) == 1 {
		return &pool[0]
	}

	total := 0
	for _, c := range pool {
		total += c.Weight
	}
	// All-zero weights degrade to uniform selection.
	if total <= 0 {
		return &pool[int(b.randFloat()*float64(len(pool)))%len(pool)]
	}

	r := b.randFloat() * float64(total)
	cumulative := 0.0
	for i := range pool {
		cumulative += float64(pool[i].Weight)
		if r <= cumulative {
			return &pool[i]
		}
	}
	return &pool[len(pool)-1]
}
