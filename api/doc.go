// Package api holds the request and response types of the AgentCanvas HTTP API.
//
// # API Overview
//
// AgentCanvas exposes a RESTful API for:
//   - Registering, validating and editing workflow definitions (JSON or YAML)
//   - Starting whole runs, synchronously or in the background
//   - Executing a single node, optionally continuing into its successors
//   - Cancelling a run and polling node states and the execution log
//   - Streaming state and log events over WebSocket
//   - Querying finished run records
//   - Health, readiness and version checks
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// Prometheus metrics are served on a separate port (default 9091) at /metrics.
//
// # Errors
//
// Every error body has the shape {"success": false, "error": {"code": ...}}.
// A run refused because another run is active returns 409 RUN_IN_PROGRESS; a
// definition that fails validation returns 422 VALIDATION_FAILED listing every
// violation, and no model call is made.
package api
