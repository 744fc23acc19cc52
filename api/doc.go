// Package api documents the chguard HTTP health surface.
//
// # API Overview
//
// chguard exposes a small read-mostly API over the ClickHouse connection
// manager. Every JSON response uses the envelope
//
//	{"success": bool, "data": ..., "error": {...}, "timestamp": "..."}
//
// Endpoints:
//   - GET  /healthz               liveness, always 200 while the process runs
//   - GET  /readyz                readiness, 503 unless the connection is usable
//   - GET  /version               build version
//   - GET  /health/metrics        connection counters and derived state
//   - GET  /health/dependencies   dependency report, 503 when overall_health is false
//   - GET  /health/analytics      analytics consistency report, 503 when inconsistent
//   - POST /health/reconnect      force a reconnect, rate limited (429)
//
// Report endpoints set X-Cache: HIT|MISS when the Redis report cache is enabled.
//
// # Base URL
//
//	http://localhost:8080
//
// Prometheus metrics are served separately on the metrics port at /metrics.
//
// # Error Codes
//
//	CONFIG_ERROR         500
//	CONNECTION_ERROR     503
//	CIRCUIT_OPEN         503
//	SERVICE_UNAVAILABLE  503
//	TIMEOUT              504
//	QUERY_ERROR          502
//	RATE_LIMITED         429
//	INTERNAL_ERROR       500
package api
