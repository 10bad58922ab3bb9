package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

func TestFrontierFIFOAndDedup(t *testing.T) {
	t.Parallel()

	f := NewFrontier(newFakeClock(), time.Minute)
	ctx := context.Background()
	for _, u := range []string{"https://a.test/", "https://b.test/", "https://a.test/", "https://c.test/"} {
		require.NoError(t, f.Enqueue(ctx, crawler.CrawlTask{URL: u}))
	}
	require.Equal(t, 3, f.Len())

	batch, err := f.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, "https://a.test/", batch[0].URL)
	require.Equal(t, "https://b.test/", batch[1].URL)
	require.Equal(t, 2, f.Leased())

	// A leased URL is still queued, so enqueueing it again is a no-op.
	require.NoError(t, f.Enqueue(ctx, crawler.CrawlTask{URL: "https://a.test/", Depth: 1}))
	require.Equal(t, 3, f.Len())

	// Once acked it may be queued again.
	require.NoError(t, f.Ack(ctx, batch[0]))
	require.NoError(t, f.Enqueue(ctx, crawler.CrawlTask{URL: "https://a.test/", Depth: 1}))
	batch, err = f.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, "https://c.test/", batch[0].URL)
	require.Equal(t, 1, batch[1].Depth)

	batch, err = f.DequeueBatch(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestFrontierHoldsDelayedTasks(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	f := NewFrontier(clock, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.Enqueue(ctx, crawler.CrawlTask{URL: "https://later.test/", NotBefore: clock.Now().Add(time.Minute)}))
	require.NoError(t, f.Enqueue(ctx, crawler.CrawlTask{URL: "https://now.test/"}))

	batch, err := f.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "https://now.test/", batch[0].URL)
	require.NoError(t, f.Ack(ctx, batch[0]))

	clock.Advance(time.Minute)
	batch, err = f.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "https://later.test/", batch[0].URL)
	require.NoError(t, f.Ack(ctx, batch[0]))
	require.Zero(t, f.Len())
}

func TestFrontierRedeliversExpiredLease(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	f := NewFrontier(clock, time.Minute)
	ctx := context.Background()
	require.NoError(t, f.Enqueue(ctx, crawler.CrawlTask{URL: "https://example.com/page"}))

	batch, err := f.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// The worker holding the lease disappears without acking.
	batch, err = f.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, batch)

	clock.Advance(time.Minute)
	batch, err = f.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "https://example.com/page", batch[0].URL)
}

func TestFrontierRequeueReplacesLeasedTask(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	f := NewFrontier(clock, time.Hour)
	ctx := context.Background()
	require.NoError(t, f.Enqueue(ctx, crawler.CrawlTask{URL: "https://a.test/"}))
	require.NoError(t, f.Enqueue(ctx, crawler.CrawlTask{URL: "https://b.test/"}))

	batch, err := f.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	retry := batch[0]
	retry.AttemptCount = 1
	retry.NotBefore = clock.Now().Add(30 * time.Second)
	require.NoError(t, f.Requeue(ctx, retry))
	require.Equal(t, 2, f.Len())
	require.Zero(t, f.Leased())

	batch, err = f.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "https://b.test/", batch[0].URL)

	clock.Advance(30 * time.Second)
	batch, err = f.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "https://a.test/", batch[0].URL)
	require.Equal(t, 1, batch[0].AttemptCount)
}
