// Package storage holds settings shared by the claim, result and frontier
// adapters in its subpackages.
package storage

import (
	"time"

	"github.com/JakeFAU/fleet-crawler/internal/clock/system"
	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

// DefaultLeaseTimeout bounds how long a claim may stay outstanding before it is
// considered abandoned.
const DefaultLeaseTimeout = 5 * time.Minute

// ClaimConfig controls lease expiry and failure backoff for claim stores.
type ClaimConfig struct {
	LeaseTimeout time.Duration
	Backoff      crawler.BackoffPolicy
	Clock        crawler.Clock
}

// WithDefaults fills zero values.
func (c ClaimConfig) WithDefaults() ClaimConfig {
	def := crawler.DefaultBackoffPolicy()
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = def.Base
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = def.Max
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = def.MaxAttempts
	}
	if c.Clock == nil {
		c.Clock = system.New()
	}
	return c
}

// Claim computes the record that a successful TryClaim writes over prev.
func Claim(prev crawler.ClaimRecord, fp crawler.Fingerprint, url, ownerID string, now time.Time) crawler.ClaimRecord {
	rec := prev
	rec.Fingerprint = fp
	if url != "" {
		rec.URL = url
	}
	rec.State = crawler.ClaimClaimed
	rec.OwnerID = ownerID
	rec.ClaimedAt = now
	rec.Note = ""
	return rec
}
