// Package events fans per-URL crawl records out to downstream sinks without
// blocking the workers that produce them.
package events
