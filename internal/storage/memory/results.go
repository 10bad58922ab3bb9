package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

// ResultStore keeps the latest result document per fingerprint.
type ResultStore struct {
	mu   sync.RWMutex
	docs map[crawler.Fingerprint]crawler.ResultDocument
}

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{docs: make(map[crawler.Fingerprint]crawler.ResultDocument)}
}

// RecordResult upserts doc under fp.
func (s *ResultStore) RecordResult(_ context.Context, fp crawler.Fingerprint, doc crawler.ResultDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Fingerprint = fp
	s.docs[fp] = doc
	return nil
}

// GetResult returns the stored document for fp.
func (s *ResultStore) GetResult(_ context.Context, fp crawler.Fingerprint) (crawler.ResultDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[fp]
	if !ok {
		return crawler.ResultDocument{}, fmt.Errorf("result %s: %w", fp.Short(), crawler.ErrNotFound)
	}
	return doc, nil
}

// List returns all documents ordered by timestamp.
func (s *ResultStore) List() []crawler.ResultDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.ResultDocument, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ListResults pages through documents newest first, optionally filtered by state.
func (s *ResultStore) ListResults(
	_ context.Context,
	state crawler.TaskState,
	limit, offset int,
) ([]crawler.ResultDocument, error) {
	all := s.List()
	out := make([]crawler.ResultDocument, 0, limit)
	skipped := 0
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if state != "" && all[i].State != state {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}
