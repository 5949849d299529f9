// Package api defines the request and response types of the SchemaFlow HTTP API.
//
// # API Overview
//
// SchemaFlow provides a RESTful API for:
//   - Schema resources with append-only version history, restore, fork and compare
//   - Structured completions validated against a stored or inline JSON Schema
//   - Health monitoring
//
// # Identity
//
// Schema endpoints scope reads and writes to the caller named by the
// X-User-ID header:
//
//	X-User-ID: user-123
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// Prometheus metrics are served on a separate port (default 9091).
package api
