package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

const claimColumns = `fingerprint, url, state, owner_id, attempt_count, terminal, note,
	claimed_at, completed_at, next_eligible_at`

// TryClaim takes the claim with one conditional upsert.
func (s *Store) TryClaim(
	ctx context.Context,
	fp crawler.Fingerprint,
	url string,
	ownerID string,
) (crawler.ClaimOutcome, error) {
	now := s.claims.Clock.Now()
	const query = `
INSERT INTO claims (fingerprint, url, state, owner_id, claimed_at)
VALUES (?1, ?2, 'claimed', ?3, ?4)
ON CONFLICT (fingerprint) DO UPDATE
SET state = 'claimed',
	owner_id = excluded.owner_id,
	claimed_at = excluded.claimed_at,
	note = '',
	url = CASE WHEN excluded.url <> '' THEN excluded.url ELSE claims.url END
WHERE claims.state = 'unclaimed'
	OR (claims.state = 'claimed' AND claims.claimed_at <= ?5)
	OR (claims.state = 'failed' AND claims.terminal = 0 AND claims.next_eligible_at <= ?4)
RETURNING owner_id`
	var owner string
	err := s.db.QueryRowContext(ctx, query,
		string(fp), url, ownerID, toNanos(now), toNanos(now.Add(-s.claims.LeaseTimeout)),
	).Scan(&owner)
	switch {
	case err == nil:
		return crawler.ClaimAcquired, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", unavailable("try claim", err)
	}
	rec, err := s.Get(ctx, fp)
	if err != nil {
		return "", err
	}
	return crawler.OutcomeFor(rec), nil
}

// Release applies req inside a transaction.
func (s *Store) Release(ctx context.Context, req crawler.ReleaseRequest) (rec crawler.ClaimRecord, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crawler.ClaimRecord{}, unavailable("begin release", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := scanClaim(tx.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE fingerprint = ?`, string(req.Fingerprint)))
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ClaimRecord{}, fmt.Errorf("release %s: %w", req.Fingerprint.Short(), crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.ClaimRecord{}, unavailable("select claim", err)
	}
	next, err := crawler.ApplyRelease(current, req, s.claims.Clock.Now(), s.claims.Backoff)
	if err != nil {
		return current, err
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE claims
SET state = ?, attempt_count = ?, terminal = ?, note = ?, completed_at = ?, next_eligible_at = ?
WHERE fingerprint = ?`,
		string(next.State),
		next.AttemptCount,
		next.Terminal,
		next.Note,
		toNanos(next.CompletedAt),
		toNanos(next.NextEligibleAt),
		string(next.Fingerprint),
	); err != nil {
		return crawler.ClaimRecord{}, unavailable("update claim", err)
	}
	if err = tx.Commit(); err != nil {
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
	rec, err := scanClaim(s.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE fingerprint = ?`, string(fp)))
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ClaimRecord{}, fmt.Errorf("claim %s: %w", fp.Short(), crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.ClaimRecord{}, unavailable("get claim", err)
	}
	return rec, nil
}

func scanClaim(row *sql.Row) (crawler.ClaimRecord, error) {
	var (
		rec                                crawler.ClaimRecord
		fp, state                          string
		claimedAt, completedAt, eligibleAt int64
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
	rec.ClaimedAt = fromNanos(claimedAt)
	rec.CompletedAt = fromNanos(completedAt)
	rec.NextEligibleAt = fromNanos(eligibleAt)
	return rec, nil
}
