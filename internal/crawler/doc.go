// Package crawler defines the domain model shared by the fleet crawler: crawl
// tasks, URL fingerprints, claim records, fetch results and the collaborator
// interfaces the worker pipeline is assembled from. It also hosts the pure
// pieces of the pipeline (URL normalization, outcome classification, claim
// backoff and charset resolution) so every adapter applies the same rules.
package crawler
