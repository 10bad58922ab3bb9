package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

// RecordResult upserts the JSON document for fp.
func (s *Store) RecordResult(ctx context.Context, fp crawler.Fingerprint, doc crawler.ResultDocument) error {
	doc.Fingerprint = fp
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO results (fingerprint, url, state, document, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (fingerprint) DO UPDATE
SET url = excluded.url, state = excluded.state, document = excluded.document, updated_at = excluded.updated_at`,
		string(fp), doc.URL, string(doc.State), string(payload), toNanos(s.claims.Clock.Now()),
	); err != nil {
		return unavailable("record result", err)
	}
	return nil
}

// GetResult loads the document for fp.
func (s *Store) GetResult(ctx context.Context, fp crawler.Fingerprint) (crawler.ResultDocument, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM results WHERE fingerprint = ?`, string(fp)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ResultDocument{}, fmt.Errorf("result %s: %w", fp.Short(), crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.ResultDocument{}, unavailable("get result", err)
	}
	var doc crawler.ResultDocument
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return crawler.ResultDocument{}, fmt.Errorf("decode result %s: %w", fp.Short(), err)
	}
	return doc, nil
}

// ListResults pages through documents by most recent update, optionally filtered by state.
func (s *Store) ListResults(
	ctx context.Context,
	state crawler.TaskState,
	limit, offset int,
) ([]crawler.ResultDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT document FROM results
WHERE (?1 = '' OR state = ?1)
ORDER BY updated_at DESC, fingerprint
LIMIT ?2 OFFSET ?3`, string(state), limit, offset)
	if err != nil {
		return nil, unavailable("list results", err)
	}
	defer rows.Close()
	out := make([]crawler.ResultDocument, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, unavailable("scan result", err)
		}
		var doc crawler.ResultDocument
		if err := json.Unmarshal([]byte(payload), &doc); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list results", err)
	}
	return out, nil
}
