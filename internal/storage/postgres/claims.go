package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

const claimColumns = `fingerprint, url, state, owner_id, attempt_count, terminal, note,
	claimed_at, completed_at, next_eligible_at`

// TryClaim inserts a claimed row, or takes over an eligible one, in a single
// conditional upsert so concurrent callers cannot both win.
func (s *Store) TryClaim(
	ctx context.Context,
	fp crawler.Fingerprint,
	url string,
	ownerID string,
) (crawler.ClaimOutcome, error) {
	now := s.claims.Clock.Now()
	leaseCutoff := now.Add(-s.claims.LeaseTimeout)
	query := fmt.Sprintf(`
INSERT INTO %[1]s AS c (fingerprint, url, state, owner_id, attempt_count, terminal, note, claimed_at)
VALUES ($1, $2, 'claimed', $3, 0, FALSE, '', $4)
ON CONFLICT (fingerprint) DO UPDATE
SET state = 'claimed',
	owner_id = EXCLUDED.owner_id,
	claimed_at = EXCLUDED.claimed_at,
	note = '',
	url = CASE WHEN EXCLUDED.url <> '' THEN EXCLUDED.url ELSE c.url END
WHERE c.state = 'unclaimed'
	OR (c.state = 'claimed' AND c.claimed_at <= $5)
	OR (c.state = 'failed' AND NOT c.terminal AND c.next_eligible_at <= $4)
RETURNING owner_id`, s.tables.Claims)

	var owner string
	err := s.pool.QueryRow(ctx, query, string(fp), url, ownerID, now, leaseCutoff).Scan(&owner)
	switch {
	case err == nil:
		return crawler.ClaimAcquired, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return "", unavailable("try claim", err)
	}
	rec, err := s.Get(ctx, fp)
	if err != nil {
		return "", err
	}
	return crawler.OutcomeFor(rec), nil
}

// Release applies req to the locked row inside a transaction.
func (s *Store) Release(ctx context.Context, req crawler.ReleaseRequest) (rec crawler.ClaimRecord, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawler.ClaimRecord{}, unavailable("begin release", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE fingerprint = $1 FOR UPDATE`, claimColumns, s.tables.Claims)
	current, err := scanClaim(tx.QueryRow(ctx, query, string(req.Fingerprint)))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ClaimRecord{}, fmt.Errorf("release %s: %w", req.Fingerprint.Short(), crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.ClaimRecord{}, unavailable("select claim", err)
	}
	next, err := crawler.ApplyRelease(current, req, s.claims.Clock.Now(), s.claims.Backoff)
	if err != nil {
		return current, err
	}

	update := fmt.Sprintf(`
UPDATE %s
SET state = $2, attempt_count = $3, terminal = $4, note = $5, completed_at = $6, next_eligible_at = $7
WHERE fingerprint = $1`, s.tables.Claims)
	if _, err = tx.Exec(ctx, update,
		string(next.Fingerprint),
		string(next.State),
		next.AttemptCount,
		next.Terminal,
		next.Note,
		nullTime(next.CompletedAt),
		nullTime(next.NextEligibleAt),
	); err != nil {
		return crawler.ClaimRecord{}, unavailable("update claim", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return crawler.ClaimRecord{}, unavailable("commit release", err)
	}
	return next, nil
}

// IsEligible reports whether fp may be claimed now. Unknown fingerprints are eligible.
func (s *Store) IsEligible(ctx context.Context, fp crawler.Fingerprint) (bool, error) {
	rec, err := s.Get(ctx, fp)
	if errors.Is(err, crawler.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return rec.EligibleAt(s.claims.Clock.Now(), s.claims.LeaseTimeout), nil
}

// Get loads the claim record for fp.
func (s *Store) Get(ctx context.Context, fp crawler.Fingerprint) (crawler.ClaimRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE fingerprint = $1`, claimColumns, s.tables.Claims)
	rec, err := scanClaim(s.pool.QueryRow(ctx, query, string(fp)))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ClaimRecord{}, fmt.Errorf("claim %s: %w", fp.Short(), crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.ClaimRecord{}, unavailable("get claim", err)
	}
	return rec, nil
}

func scanClaim(row pgx.Row) (crawler.ClaimRecord, error) {
	var (
		rec                                crawler.ClaimRecord
		fp, state                          string
		claimedAt, completedAt, eligibleAt *time.Time
	)
	if err := row.Scan(
		&fp,
		&rec.URL,
		&state,
		&rec.OwnerID,
		&rec.AttemptCount,
		&rec.Terminal,
		&rec.Note,
		&claimedAt,
		&completedAt,
		&eligibleAt,
	); err != nil {
		return crawler.ClaimRecord{}, err
	}
	rec.Fingerprint = crawler.Fingerprint(fp)
	rec.State = crawler.ClaimState(state)
	rec.ClaimedAt = fromNull(claimedAt)
	rec.CompletedAt = fromNull(completedAt)
	rec.NextEligibleAt = fromNull(eligibleAt)
	return rec, nil
}
