package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

const frontierInsert = `
INSERT INTO %s (fingerprint, url, depth, discovered_from, attempt_count, not_before, enqueued_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Enqueue inserts task unless its fingerprint is already queued or leased.
func (s *Store) Enqueue(ctx context.Context, task crawler.CrawlTask) error {
	query := fmt.Sprintf(frontierInsert+`
ON CONFLICT (fingerprint) DO NOTHING`, s.tables.Frontier)
	if _, err := s.pool.Exec(ctx, query, s.frontierArgs(task)...); err != nil {
		return unavailable("enqueue", err)
	}
	return nil
}

// Requeue overwrites any queued or leased row for task and clears its lease.
func (s *Store) Requeue(ctx context.Context, task crawler.CrawlTask) error {
	query := fmt.Sprintf(frontierInsert+`
ON CONFLICT (fingerprint) DO UPDATE
SET url = EXCLUDED.url,
	depth = EXCLUDED.depth,
	discovered_from = EXCLUDED.discovered_from,
	attempt_count = EXCLUDED.attempt_count,
	not_before = EXCLUDED.not_before,
	enqueued_at = EXCLUDED.enqueued_at,
	leased_until = NULL`, s.tables.Frontier)
	if _, err := s.pool.Exec(ctx, query, s.frontierArgs(task)...); err != nil {
		return unavailable("requeue", err)
	}
	return nil
}

// Ack deletes the row for task.
func (s *Store) Ack(ctx context.Context, task crawler.CrawlTask) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE fingerprint = $1`, s.tables.Frontier)
	if _, err := s.pool.Exec(ctx, query, string(crawler.FingerprintOf(task.URL))); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

func (s *Store) frontierArgs(task crawler.CrawlTask) []any {
	now := s.claims.Clock.Now()
	notBefore := task.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}
	return []any{
		string(crawler.FingerprintOf(task.URL)),
		task.URL,
		task.Depth,
		string(task.DiscoveredFrom),
		task.AttemptCount,
		notBefore,
		now,
	}
}

// DequeueBatch leases up to limit ready tasks for the lease timeout. Rows stay
// in the table until acked or requeued; a row whose lease ran out is handed
// out again. SKIP LOCKED lets several processes dequeue concurrently without
// leasing the same row twice.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]crawler.CrawlTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.claims.Clock.Now()
	query := fmt.Sprintf(`
UPDATE %[1]s
SET leased_until = $3
WHERE id IN (
	SELECT id FROM %[1]s
	WHERE not_before <= $1
		AND (leased_until IS NULL OR leased_until <= $1)
	ORDER BY id
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING id, url, depth, discovered_from, attempt_count, not_before`, s.tables.Frontier)
	rows, err := s.pool.Query(ctx, query, now, limit, now.Add(s.claims.LeaseTimeout))
	if err != nil {
		return nil, unavailable("dequeue", err)
	}
	defer rows.Close()

	type queued struct {
		id   int64
		task crawler.CrawlTask
	}
	var batch []queued
	for rows.Next() {
		var (
			item      queued
			from      string
			notBefore time.Time
		)
		if err := rows.Scan(&item.id, &item.task.URL, &item.task.Depth, &from, &item.task.AttemptCount, &notBefore); err != nil {
			return nil, fmt.Errorf("scan frontier row: %w", err)
		}
		item.task.DiscoveredFrom = crawler.Fingerprint(from)
		item.task.NotBefore = notBefore.UTC()
		batch = append(batch, item)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("dequeue", err)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].id < batch[j].id })
	tasks := make([]crawler.CrawlTask, 0, len(batch))
	for _, item := range batch {
		tasks = append(tasks, item.task)
	}
	return tasks, nil
}
