package gateway

import "context"

// Provider is the unified adapter contract for one upstream backend.
// Implementations translate the canonical dialect to their native wire
// format and map failures onto *types.Error so the dispatcher can tell
// transient from permanent.
type Provider interface {
	// Completion performs a synchronous chat request.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream performs a streaming chat request. The returned channel is
	// closed after the final chunk; a chunk with Err set terminates the
	// stream early.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck performs a minimal probe completion against the backend.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name returns the configured provider name (unique per deployment,
	// not per backend type).
	Name() string

	// ListModels returns the backend's advertised model IDs. Backends
	// without a listing endpoint return a static set.
	ListModels(ctx context.Context) ([]string, error)
}
