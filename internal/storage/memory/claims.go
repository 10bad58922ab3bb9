// Package memory provides in-process claim, result, frontier and blob stores
// for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/storage"
)

// ClaimStore keeps claim records in a map guarded by a mutex. It honors lease
// expiry and backoff exactly like the durable adapters.
type ClaimStore struct {
	mu      sync.Mutex
	records map[crawler.Fingerprint]crawler.ClaimRecord
	cfg     storage.ClaimConfig
}

// NewClaimStore constructs a ClaimStore.
func NewClaimStore(cfg storage.ClaimConfig) *ClaimStore {
	return &ClaimStore{
		records: make(map[crawler.Fingerprint]crawler.ClaimRecord),
		cfg:     cfg.WithDefaults(),
	}
}

// TryClaim claims fp for ownerID when the record is absent or eligible.
func (s *ClaimStore) TryClaim(
	_ context.Context,
	fp crawler.Fingerprint,
	url string,
	ownerID string,
) (crawler.ClaimOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Clock.Now()
	rec, ok := s.records[fp]
	if ok && !rec.EligibleAt(now, s.cfg.LeaseTimeout) {
		return crawler.OutcomeFor(rec), nil
	}
	s.records[fp] = storage.Claim(rec, fp, url, ownerID, now)
	return crawler.ClaimAcquired, nil
}

// Release ends the claim held by req.OwnerID.
func (s *ClaimStore) Release(_ context.Context, req crawler.ReleaseRequest) (crawler.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[req.Fingerprint]
	if !ok {
		return crawler.ClaimRecord{}, fmt.Errorf("release %s: %w", req.Fingerprint.Short(), crawler.ErrNotFound)
	}
	next, err := crawler.ApplyRelease(rec, req, s.cfg.Clock.Now(), s.cfg.Backoff)
	if err != nil {
		return rec, err
	}
	s.records[req.Fingerprint] = next
	return next, nil
}

// IsEligible reports whether fp may be claimed now. Unknown fingerprints are eligible.
func (s *ClaimStore) IsEligible(_ context.Context, fp crawler.Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fp]
	if !ok {
		return true, nil
	}
	return rec.EligibleAt(s.cfg.Clock.Now(), s.cfg.LeaseTimeout), nil
}

// Get returns a copy of the record for fp.
func (s *ClaimStore) Get(_ context.Context, fp crawler.Fingerprint) (crawler.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fp]
	if !ok {
		return crawler.ClaimRecord{}, fmt.Errorf("claim %s: %w", fp.Short(), crawler.ErrNotFound)
	}
	return rec, nil
}

// Len returns the number of known fingerprints.
func (s *ClaimStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
