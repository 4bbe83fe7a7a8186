// Package types defines the structured error model shared across the
// gateway. It sits at the bottom of the dependency graph so that the
// dispatcher, stores, adapters, and HTTP handlers all speak the same
// error vocabulary.
//
// Error carries a stable machine code, an HTTP status, a retryable
// flag that drives dispatch retry-versus-failover decisions, and the
// name of the upstream provider that produced it. AsError normalizes
// arbitrary errors into this shape at package boundaries.
package types
