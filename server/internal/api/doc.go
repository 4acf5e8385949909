// Package api implements the HTTP REST API of the relay server.
//
// New returns an http.Handler that serves:
//
//	GET  /api/v1/health                         connection and topic counts
//	GET  /api/v1/topics                         stats for every live topic
//	GET  /api/v1/topics/{topic}                 one topic; 404 if unknown
//	GET  /api/v1/topics/{topic}/messages?from=N replay; 410 if N was evicted
//	POST /api/v1/topics/{topic}/messages        publish the request body
//	GET  /api/v1/connections                    registered connections
//	GET  /api/v1/alerts                         firing and recent alerts
//	GET  /metrics                               Prometheus exposition
//
// Responses are JSON. Health and metrics are unauthenticated; every other
// route goes through the API key check when one is configured.
package api
