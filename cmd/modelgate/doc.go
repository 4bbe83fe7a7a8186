// Command modelgate runs the multi-backend LLM gateway.
//
// Subcommands:
//
//	modelgate serve                       start the gateway
//	modelgate serve --config config.yaml  start with a config file
//	modelgate migrate up                  apply database migrations
//	modelgate migrate status              show migration status
//	modelgate health                      probe a running instance
//	modelgate version                     print build information
//
// The serve command exposes the OpenAI-compatible ingress on the HTTP
// port, Prometheus metrics on the metrics port, and admin endpoints
// under /admin protected by the configured admin key.
package main
