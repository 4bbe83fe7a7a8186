// Package handlers implements the HTTP endpoints: the OpenAI-style
// chat-completions ingress (unary and SSE streaming), the model
// listing, operator admin endpoints, and health probes. Handlers are
// plain http.HandlerFunc methods wired by the server; middleware
// (auth, request IDs, rate limits, metrics) lives in cmd/modelgate.
package handlers
