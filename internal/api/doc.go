// Package api exposes the crawler's status and metrics over HTTP.
//
// Routes:
//
//	GET /healthz             liveness
//	GET /readyz              store reachability
//	GET /metrics             Prometheus exposition
//	GET /v1/frontier/stats   frontier counts by status
//	GET /v1/worker           worker progress and backoff state
//	POST /v1/frontier/urls   enqueue seed URLs
package api
