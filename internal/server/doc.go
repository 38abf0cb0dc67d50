// Package server hosts the face-swap relay behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// metrics, audit, security headers, optional CORS, and bearer-token auth so
// handlers all share common protections and instrumentation. The health and
// metrics endpoints stay outside the auth gate so probes and scrapers need no
// token.
package server
