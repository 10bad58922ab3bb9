package sqlite

import (
	"context"
	"fmt"
	"sort"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

const frontierInsert = `
INSERT INTO frontier (fingerprint, url, depth, discovered_from, attempt_count, not_before)
VALUES (?, ?, ?, ?, ?, ?)`

// Enqueue inserts task unless its fingerprint is already queued or leased.
func (s *Store) Enqueue(ctx context.Context, task crawler.CrawlTask) error {
	if _, err := s.db.ExecContext(ctx, frontierInsert+`
ON CONFLICT (fingerprint) DO NOTHING`, s.frontierArgs(task)...); err != nil {
		return unavailable("enqueue", err)
	}
	return nil
}

// Requeue overwrites any queued or leased row for task and clears its lease.
func (s *Store) Requeue(ctx context.Context, task crawler.CrawlTask) error {
	if _, err := s.db.ExecContext(ctx, frontierInsert+`
ON CONFLICT (fingerprint) DO UPDATE
SET url = excluded.url,
	depth = excluded.depth,
	discovered_from = excluded.discovered_from,
	attempt_count = excluded.attempt_count,
	not_before = excluded.not_before,
	leased_until = 0`, s.frontierArgs(task)...); err != nil {
		return unavailable("requeue", err)
	}
	return nil
}

// Ack deletes the row for task.
func (s *Store) Ack(ctx context.Context, task crawler.CrawlTask) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM frontier WHERE fingerprint = ?`,
		string(crawler.FingerprintOf(task.URL))); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

func (s *Store) frontierArgs(task crawler.CrawlTask) []any {
	notBefore := task.NotBefore
	if notBefore.IsZero() {
		notBefore = s.claims.Clock.Now()
	}
	return []any{
		string(crawler.FingerprintOf(task.URL)),
		task.URL,
		task.Depth,
		string(task.DiscoveredFrom),
		task.AttemptCount,
		toNanos(notBefore),
	}
}

// DequeueBatch leases up to limit ready tasks in insertion order. Rows stay in
// the table until acked or requeued and are handed out again once the lease
// timeout has passed.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]crawler.CrawlTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.claims.Clock.Now()
	rows, err := s.db.QueryContext(ctx, `
UPDATE frontier SET leased_until = ?
WHERE id IN (
	SELECT id FROM frontier
	WHERE not_before <= ? AND leased_until <= ?
	ORDER BY id LIMIT ?
)
RETURNING id, url, depth, discovered_from, attempt_count, not_before`,
		toNanos(now.Add(s.claims.LeaseTimeout)), toNanos(now), toNanos(now), limit)
	if err != nil {
		return nil, unavailable("dequeue", err)
	}
	defer func() { _ = rows.Close() }()

	type queued struct {
		id   int64
		task crawler.CrawlTask
	}
	var batch []queued
	for rows.Next() {
		var (
			item      queued
			from      string
			notBefore int64
		)
		if err := rows.Scan(&item.id, &item.task.URL, &item.task.Depth, &from, &item.task.AttemptCount, &notBefore); err != nil {
			return nil, fmt.Errorf("scan frontier row: %w", err)
		}
		item.task.DiscoveredFrom = crawler.Fingerprint(from)
		item.task.NotBefore = fromNanos(notBefore)
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
