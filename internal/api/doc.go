// Package api hosts the HTTP server, middleware, and REST handlers. Routes are
// served at the root and again under /api:
//   - POST /session and GET /session/{sessionId} for sessions.
//   - POST /session/{sessionId}/question, GET /session/{sessionId}/question/{questionId}
//     and GET /session/{sessionId}/questions for questions.
//   - GET /healthz, /readyz (and /health) for probes.
//   - GET /metrics for Prometheus scraping.
package api
