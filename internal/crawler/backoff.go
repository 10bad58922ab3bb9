package crawler

import (
	"fmt"
	"time"
)

// BackoffPolicy governs when a failed claim becomes eligible again and when it
// is given up on.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoffPolicy returns the defaults used when nothing is configured.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        30 * time.Second,
		Max:         time.Hour,
		MaxAttempts: 3,
	}
}

// Delay returns base * 2^attempt capped at Max. attempt counts prior failures.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.Base
	for i := 0; i < attempt; i++ {
		if p.Max > 0 && delay >= p.Max {
			break
		}
		delay *= 2
	}
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay
}

// Exhausted reports whether attempts has reached the configured maximum.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// ApplyRelease computes the record that results from req at now. It is shared
// by every claim store so the state transition is identical across backends.
func ApplyRelease(rec ClaimRecord, req ReleaseRequest, now time.Time, policy BackoffPolicy) (ClaimRecord, error) {
	if rec.State != ClaimClaimed || rec.OwnerID != req.OwnerID {
		return rec, fmt.Errorf("release %s by %s: %w", req.Fingerprint.Short(), req.OwnerID, ErrNotOwner)
	}
	rec.Note = req.Note
	rec.CompletedAt = now
	switch req.State {
	case ClaimCompleted:
		rec.State = ClaimCompleted
		rec.Terminal = true
		rec.NextEligibleAt = time.Time{}
	case ClaimFailed:
		prior := rec.AttemptCount
		rec.AttemptCount++
		rec.State = ClaimFailed
		if req.Permanent || policy.Exhausted(rec.AttemptCount) {
			rec.Terminal = true
			rec.NextEligibleAt = time.Time{}
		} else {
			rec.NextEligibleAt = now.Add(policy.Delay(prior))
		}
	case ClaimUnclaimed:
		// Abandoned without an attempt, e.g. on shutdown. Immediately eligible.
		rec.State = ClaimUnclaimed
		rec.CompletedAt = time.Time{}
		rec.NextEligibleAt = time.Time{}
	default:
		return rec, fmt.Errorf("release %s: unsupported state %q", req.Fingerprint.Short(), req.State)
	}
	return rec, nil
}

// OutcomeFor returns the claim outcome reported for an existing record that is not eligible.
func OutcomeFor(rec ClaimRecord) ClaimOutcome {
	switch {
	case rec.State == ClaimClaimed:
		return ClaimAlreadyClaimed
	case rec.State == ClaimCompleted, rec.Terminal:
		return ClaimAlreadyCompleted
	default:
		return ClaimNotEligible
	}
}
