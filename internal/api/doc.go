// Package api exposes the workflow engine over HTTP.
//
//	POST /v1/workflows              start an instance: {"template_id": "...", "input": {...}}
//	GET  /v1/workflows/{id}         instance status, per-step state and result
//	POST /v1/workflows/{id}/cancel  cancel an instance
//	GET  /v1/templates              list templates
//	GET  /v1/templates/{id}         describe one template
//	GET  /healthz                   liveness
//	GET  /metrics                   Prometheus metrics
//
// Every JSON response uses the Response envelope.
package api
