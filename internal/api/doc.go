// Package api hosts the operator HTTP surface of a crawler process:
//   - GET /healthz and /readyz for probes; readiness pings the backing stores.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/seeds to enqueue depth-0 tasks, POST /v1/normalize to preview
//     canonical URLs and fingerprints.
//   - GET /v1/claims/{fingerprint} and /v1/results/{fingerprint} (plus a paged
//     /v1/results listing) to inspect the claim ledger and result documents.
//   - GET|DELETE /v1/robots/{domain} and GET /v1/hosts/{domain} to inspect the
//     process-local robots.txt and politeness caches.
package api
