package crawler

import (
	"context"
	"net/http"
	"time"
)

// ClaimStore is the dedup and ownership ledger. TryClaim must be atomic across
// processes: exactly one caller receives ClaimAcquired while a claim is outstanding.
type ClaimStore interface {
	TryClaim(ctx context.Context, fp Fingerprint, url string, ownerID string) (ClaimOutcome, error)
	Release(ctx context.Context, req ReleaseRequest) (ClaimRecord, error)
	IsEligible(ctx context.Context, fp Fingerprint) (bool, error)
	Get(ctx context.Context, fp Fingerprint) (ClaimRecord, error)
}

// ResultStore persists result documents keyed by fingerprint.
type ResultStore interface {
	RecordResult(ctx context.Context, fp Fingerprint, doc ResultDocument) error
	GetResult(ctx context.Context, fp Fingerprint) (ResultDocument, error)
}

// ResultLister pages through stored results, newest first. An empty state
// matches every document.
type ResultLister interface {
	ListResults(ctx context.Context, state TaskState, limit, offset int) ([]ResultDocument, error)
}

// Frontier queues crawl tasks between workers. A fingerprint is queued at most
// once. DequeueBatch leases tasks rather than removing them: a leased task is
// hidden until it is acked, requeued, or its lease runs out, after which it is
// handed out again so a crashed worker never strands a URL.
type Frontier interface {
	// Enqueue adds task unless its URL is already queued or leased.
	Enqueue(ctx context.Context, task CrawlTask) error
	DequeueBatch(ctx context.Context, limit int) ([]CrawlTask, error)
	// Requeue replaces any queued or leased copy of task and clears the lease.
	Requeue(ctx context.Context, task CrawlTask) error
	// Ack removes task once it has reached a resting state.
	Ack(ctx context.Context, task CrawlTask) error
}

// BlobStore writes raw fetched content and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Fetcher performs a bounded GET. It never returns an error; failures are in FetchResult.Err.
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers http.Header) FetchResult
}

// LinkExtractor returns absolute URLs discovered in a successful fetch.
type LinkExtractor interface {
	ExtractLinks(res FetchResult) ([]string, error)
}

// Publisher pushes records to a message transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces worker and request IDs.
type IDGenerator interface {
	NewID() (string, error)
}
