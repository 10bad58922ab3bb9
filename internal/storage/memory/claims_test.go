package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClaimStore(clock *fakeClock) *ClaimStore {
	return NewClaimStore(storage.ClaimConfig{
		LeaseTimeout: time.Minute,
		Backoff:      crawler.BackoffPolicy{Base: 10 * time.Second, Max: time.Minute, MaxAttempts: 3},
		Clock:        clock,
	})
}

func TestTryClaimExclusiveUnderContention(t *testing.T) {
	t.Parallel()

	store := newClaimStore(newFakeClock())
	fp := crawler.FingerprintOf("https://example.com/")

	const callers = 64
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := store.TryClaim(context.Background(), fp, "https://example.com/", fmt.Sprintf("w-%d", i))
			require.NoError(t, err)
			if outcome == crawler.ClaimAcquired {
				mu.Lock()
				claimed++
				mu.Unlock()
			} else {
				require.Equal(t, crawler.ClaimAlreadyClaimed, outcome)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, claimed)
}

func TestLeaseExpiryMakesClaimEligible(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newClaimStore(clock)
	ctx := context.Background()
	fp := crawler.FingerprintOf("https://example.com/a")

	outcome, err := store.TryClaim(ctx, fp, "https://example.com/a", "crashed")
	require.NoError(t, err)
	require.Equal(t, crawler.ClaimAcquired, outcome)

	eligible, err := store.IsEligible(ctx, fp)
	require.NoError(t, err)
	require.False(t, eligible)

	clock.Advance(time.Minute)
	eligible, err = store.IsEligible(ctx, fp)
	require.NoError(t, err)
	require.True(t, eligible)

	outcome, err = store.TryClaim(ctx, fp, "https://example.com/a", "rescuer")
	require.NoError(t, err)
	require.Equal(t, crawler.ClaimAcquired, outcome)

	_, err = store.Release(ctx, crawler.ReleaseRequest{Fingerprint: fp, OwnerID: "crashed", State: crawler.ClaimCompleted})
	require.ErrorIs(t, err, crawler.ErrNotOwner)

	rec, err := store.Get(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, "rescuer", rec.OwnerID)
	require.Equal(t, crawler.ClaimClaimed, rec.State)
}

func TestReleaseCompletedIsTerminal(t *testing.T) {
	t.Parallel()

	store := newClaimStore(newFakeClock())
	ctx := context.Background()
	fp := crawler.FingerprintOf("https://example.com/done")

	_, err := store.TryClaim(ctx, fp, "https://example.com/done", "w")
	require.NoError(t, err)
	rec, err := store.Release(ctx, crawler.ReleaseRequest{
		Fingerprint: fp, OwnerID: "w", State: crawler.ClaimCompleted, Note: "blocked",
	})
	require.NoError(t, err)
	require.True(t, rec.Terminal)
	require.Equal(t, "blocked", rec.Note)

	outcome, err := store.TryClaim(ctx, fp, "", "other")
	require.NoError(t, err)
	require.Equal(t, crawler.ClaimAlreadyCompleted, outcome)
	eligible, err := store.IsEligible(ctx, fp)
	require.NoError(t, err)
	require.False(t, eligible)
}

func TestReleaseFailedBacksOffThenDeadLetters(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := newClaimStore(clock)
	ctx := context.Background()
	fp := crawler.FingerprintOf("https://example.com/flaky")

	wantDelays := []time.Duration{10 * time.Second, 20 * time.Second}
	for attempt, delay := range wantDelays {
		outcome, err := store.TryClaim(ctx, fp, "https://example.com/flaky", "w")
		require.NoError(t, err)
		require.Equal(t, crawler.ClaimAcquired, outcome, "attempt %d", attempt)

		rec, err := store.Release(ctx, crawler.ReleaseRequest{Fingerprint: fp, OwnerID: "w", State: crawler.ClaimFailed})
		require.NoError(t, err)
		require.False(t, rec.Terminal)
		require.Equal(t, attempt+1, rec.AttemptCount)
		require.Equal(t, clock.Now().Add(delay), rec.NextEligibleAt)

		outcome, err = store.TryClaim(ctx, fp, "", "w")
		require.NoError(t, err)
		require.Equal(t, crawler.ClaimNotEligible, outcome)
		clock.Advance(delay)
	}

	_, err := store.TryClaim(ctx, fp, "", "w")
	require.NoError(t, err)
	rec, err := store.Release(ctx, crawler.ReleaseRequest{Fingerprint: fp, OwnerID: "w", State: crawler.ClaimFailed})
	require.NoError(t, err)
	require.True(t, rec.Terminal)
	require.Equal(t, 3, rec.AttemptCount)

	clock.Advance(time.Hour)
	outcome, err := store.TryClaim(ctx, fp, "", "w")
	require.NoError(t, err)
	require.Equal(t, crawler.ClaimAlreadyCompleted, outcome)
}

func TestReleasePermanentFailure(t *testing.T) {
	t.Parallel()

	store := newClaimStore(newFakeClock())
	ctx := context.Background()
	fp := crawler.FingerprintOf("https://example.com/404")

	_, err := store.TryClaim(ctx, fp, "https://example.com/404", "w")
	require.NoError(t, err)
	rec, err := store.Release(ctx, crawler.ReleaseRequest{
		Fingerprint: fp, OwnerID: "w", State: crawler.ClaimFailed, Permanent: true, Note: "HTTPStatus(404)",
	})
	require.NoError(t, err)
	require.True(t, rec.Terminal)
	require.Equal(t, 1, rec.AttemptCount)
}

func TestUnknownFingerprint(t *testing.T) {
	t.Parallel()

	store := newClaimStore(newFakeClock())
	ctx := context.Background()

	eligible, err := store.IsEligible(ctx, "missing")
	require.NoError(t, err)
	require.True(t, eligible)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	_, err = store.Release(ctx, crawler.ReleaseRequest{Fingerprint: "missing", OwnerID: "w", State: crawler.ClaimCompleted})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.Zero(t, store.Len())
}
