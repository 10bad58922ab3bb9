package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

// RecordResult upserts the result document for fp as JSONB.
func (s *Store) RecordResult(ctx context.Context, fp crawler.Fingerprint, doc crawler.ResultDocument) error {
	doc.Fingerprint = fp
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (fingerprint, url, state, document, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (fingerprint) DO UPDATE
SET url = EXCLUDED.url, state = EXCLUDED.state, document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		s.tables.Results)
	if _, err := s.pool.Exec(ctx, query, string(fp), doc.URL, string(doc.State), payload, s.claims.Clock.Now()); err != nil {
		return unavailable("record result", err)
	}
	return nil
}

// GetResult loads the stored document for fp.
func (s *Store) GetResult(ctx context.Context, fp crawler.Fingerprint) (crawler.ResultDocument, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE fingerprint = $1`, s.tables.Results)
	var payload []byte
	err := s.pool.QueryRow(ctx, query, string(fp)).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ResultDocument{}, fmt.Errorf("result %s: %w", fp.Short(), crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.ResultDocument{}, unavailable("get result", err)
	}
	var doc crawler.ResultDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
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
	query := fmt.Sprintf(`
SELECT document FROM %s
WHERE ($1 = '' OR state = $1)
ORDER BY updated_at DESC, fingerprint
LIMIT $2 OFFSET $3`, s.tables.Results)
	rows, err := s.pool.Query(ctx, query, string(state), limit, offset)
	if err != nil {
		return nil, unavailable("list results", err)
	}
	defer rows.Close()
	out := make([]crawler.ResultDocument, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, unavailable("scan result", err)
		}
		var doc crawler.ResultDocument
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list results", err)
	}
	return out, nil
}
