// Package api implements the HTTP API for fvgateway.
//
// This package provides:
//   - Health and JSON metrics endpoints for monitoring
//   - Controller and register snapshots taken on the bus goroutine
//   - Observation queries against the SQLite recorder, when enabled
//   - The Prometheus scrape endpoint at /metrics
//
// # Architecture
//
// The bus is owned by the gateway loop. Handlers never touch it directly:
// anything that reads controller state runs through gateway.Do, so a
// request waits its turn behind the poll step or relay line in progress.
// Counters are read atomically and need no such hand-off.
//
// # Security
//
// The API is read-only and unauthenticated. It listens on localhost by
// default.
package api
