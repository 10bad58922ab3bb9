package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/events"
	"github.com/JakeFAU/fleet-crawler/internal/extract"
	"github.com/JakeFAU/fleet-crawler/internal/storage"
	"github.com/JakeFAU/fleet-crawler/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

// scriptedFetcher returns results in order, repeating the last one.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []crawler.FetchResult
	calls  int
}

func (f *scriptedFetcher) Fetch(_ context.Context, url string, _ http.Header) crawler.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.calls, len(f.script)-1)
	f.calls++
	res := f.script[i]
	res.URL = url
	return res
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordingEmitter) Emit(evt events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Events() []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]events.Event(nil), e.events...)
}

type denyRobots struct{}

func (denyRobots) IsAllowed(context.Context, string) (bool, time.Duration) { return false, 0 }

type harness struct {
	clock    *fakeClock
	claims   *memory.ClaimStore
	results  *memory.ResultStore
	frontier *memory.Frontier
	blobs    *memory.BlobStore
	emitter  *recordingEmitter
	deps     Deps
}

func newHarness(fetcher crawler.Fetcher) *harness {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		clock: clock,
		claims: memory.NewClaimStore(storage.ClaimConfig{
			LeaseTimeout: time.Minute,
			Backoff:      crawler.BackoffPolicy{Base: 10 * time.Second, Max: time.Hour, MaxAttempts: 3},
			Clock:        clock,
		}),
		results:  memory.NewResultStore(),
		frontier: memory.NewFrontier(clock, time.Minute),
		blobs:    memory.NewBlobStore(),
		emitter:  &recordingEmitter{},
	}
	h.deps = Deps{
		Claims:   h.claims,
		Results:  h.results,
		Frontier: h.frontier,
		Blobs:    h.blobs,
		Fetcher:  fetcher,
		Links:    extract.NewHTMLLinks(extract.Config{}),
		Events:   h.emitter,
		Clock:    clock,
	}
	return h
}

func (h *harness) worker(cfg Config) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "w1"
	}
	return New(h.deps, cfg, zap.NewNop())
}

func htmlPage(body string) crawler.FetchResult {
	return crawler.FetchResult{
		StatusCode:  http.StatusOK,
		Content:     []byte(body),
		ContentType: "text/html; charset=utf-8",
		Encoding:    "utf-8",
		Duration:    20 * time.Millisecond,
	}
}

func TestProcessSuccessPersistsAndEnqueuesLinks(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{script: []crawler.FetchResult{
		htmlPage(`<html><body><a href="/next">n</a><a href="https://other.org/x#frag">o</a><a href="mailto:a@b">m</a></body></html>`),
	}}
	h := newHarness(fetcher)
	w := h.worker(Config{MaxDepth: 2, BlobPrefix: "pages"})

	state, err := w.Process(context.Background(), crawler.CrawlTask{URL: "HTTP://Example.com:80/start"})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskDone, state)

	canonical, fp, err := crawler.Normalize("http://example.com/start")
	require.NoError(t, err)

	rec, err := h.claims.Get(context.Background(), fp)
	require.NoError(t, err)
	require.Equal(t, crawler.ClaimCompleted, rec.State)

	doc, err := h.results.GetResult(context.Background(), fp)
	require.NoError(t, err)
	require.Equal(t, canonical, doc.URL)
	require.Equal(t, crawler.TaskDone, doc.State)
	require.True(t, doc.Success)
	require.Equal(t, 2, doc.LinksFound)
	require.Equal(t, 1, doc.AttemptCount)
	require.Equal(t, "memory://pages/2025-06-01/"+fp.String()+".html", doc.BlobURI)

	_, ok := h.blobs.Object("pages/2025-06-01/" + fp.String() + ".html")
	require.True(t, ok)

	tasks, err := h.frontier.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "http://example.com/next", tasks[0].URL)
	require.Equal(t, "https://other.org/x", tasks[1].URL)
	for _, task := range tasks {
		require.Equal(t, 1, task.Depth)
		require.Equal(t, fp, task.DiscoveredFrom)
	}

	evts := h.emitter.Events()
	require.Len(t, evts, 1)
	require.Equal(t, "example.com", evts[0].Site)
	require.True(t, evts[0].Record.Crawled)
	require.Equal(t, http.StatusOK, evts[0].Record.Metadata.StatusCode)
}

func TestProcessStopsAtMaxDepth(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{script: []crawler.FetchResult{htmlPage(`<a href="/deeper">d</a>`)}}
	h := newHarness(fetcher)
	w := h.worker(Config{MaxDepth: 1})

	state, err := w.Process(context.Background(), crawler.CrawlTask{URL: "https://example.com/leaf", Depth: 1})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskDone, state)
	require.Zero(t, h.frontier.Len())
}

func TestProcessTransientFailuresDeadLetterAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{script: []crawler.FetchResult{
		{StatusCode: http.StatusServiceUnavailable, Err: crawler.StatusError(http.StatusServiceUnavailable)},
		{StatusCode: http.StatusServiceUnavailable, Err: crawler.StatusError(http.StatusServiceUnavailable)},
		{Err: crawler.NewFetchError(crawler.KindTimeout, context.DeadlineExceeded)},
	}}
	h := newHarness(fetcher)
	w := h.worker(Config{MaxDepth: 3})
	ctx := context.Background()
	_, fp, err := crawler.Normalize("https://example.com/flaky")
	require.NoError(t, err)

	state, err := w.Process(ctx, crawler.CrawlTask{URL: "https://example.com/flaky"})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskPending, state)

	ready, err := h.frontier.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ready, "requeued task must wait for its backoff")

	h.clock.Advance(10 * time.Second)
	ready, err = h.frontier.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, 1, ready[0].AttemptCount)

	state, err = w.Process(ctx, ready[0])
	require.NoError(t, err)
	require.Equal(t, crawler.TaskPending, state)

	h.clock.Advance(20 * time.Second)
	ready, err = h.frontier.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	state, err = w.Process(ctx, ready[0])
	require.NoError(t, err)
	require.Equal(t, crawler.TaskDeadLettered, state)
	require.Equal(t, 3, fetcher.Calls())
	require.Zero(t, h.frontier.Len())

	doc, err := h.results.GetResult(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskDeadLettered, doc.State)
	require.Equal(t, crawler.ClassNetworkTransient, doc.ErrorClass)
	require.Equal(t, 3, doc.AttemptCount)

	rec, err := h.claims.Get(ctx, fp)
	require.NoError(t, err)
	require.True(t, rec.Terminal)

	eligible, err := h.claims.IsEligible(ctx, fp)
	require.NoError(t, err)
	require.False(t, eligible)

	evts := h.emitter.Events()
	require.Len(t, evts, 3)
	require.Equal(t, crawler.TaskDeadLettered, evts[2].State)
	require.Equal(t, string(crawler.KindTimeout)+": "+context.DeadlineExceeded.Error(), evts[2].Record.Metadata.Error)
}

func TestProcessPermanentFailureDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{script: []crawler.FetchResult{
		{StatusCode: http.StatusNotFound, Err: crawler.StatusError(http.StatusNotFound)},
	}}
	h := newHarness(fetcher)
	w := h.worker(Config{})

	state, err := w.Process(context.Background(), crawler.CrawlTask{URL: "https://example.com/missing"})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskDeadLettered, state)
	require.Zero(t, h.frontier.Len())

	docs := h.results.List()
	require.Len(t, docs, 1)
	require.Equal(t, crawler.ClassNetworkPermanent, docs[0].ErrorClass)
	require.Equal(t, "HTTPStatus(404)", docs[0].Error)
}

func TestProcessContentTooLargeIsPermanent(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{script: []crawler.FetchResult{
		{StatusCode: http.StatusOK, DeclaredLength: 20 << 20, Err: crawler.NewFetchError(crawler.KindContentTooLarge, nil)},
	}}
	h := newHarness(fetcher)
	w := h.worker(Config{})

	state, err := w.Process(context.Background(), crawler.CrawlTask{URL: "https://example.com/huge.xml"})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskDeadLettered, state)
	docs := h.results.List()
	require.Len(t, docs, 1)
	require.Zero(t, docs[0].Size)
	require.Equal(t, "ContentTooLarge", docs[0].Error)
}

func TestProcessRobotsBlockedCompletesAsSkipped(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{script: []crawler.FetchResult{htmlPage("never")}}
	h := newHarness(fetcher)
	h.deps.Robots = denyRobots{}
	w := h.worker(Config{})

	state, err := w.Process(context.Background(), crawler.CrawlTask{URL: "https://example.com/private/x"})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskSkipped, state)
	require.Zero(t, fetcher.Calls())

	_, fp, err := crawler.Normalize("https://example.com/private/x")
	require.NoError(t, err)
	rec, err := h.claims.Get(context.Background(), fp)
	require.NoError(t, err)
	require.Equal(t, crawler.ClaimCompleted, rec.State)
	require.Equal(t, noteRobotsBlocked, rec.Note)

	doc, err := h.results.GetResult(context.Background(), fp)
	require.NoError(t, err)
	require.Equal(t, crawler.ClassRobotsBlocked, doc.ErrorClass)
	require.False(t, h.emitter.Events()[0].Record.Crawled)
}

// blockingFetcher parks every fetch until gate is closed.
type blockingFetcher struct {
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
	calls   int
	mu      sync.Mutex
}

func (f *blockingFetcher) Fetch(ctx context.Context, url string, _ http.Header) crawler.FetchResult {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.once.Do(func() { close(f.started) })
	select {
	case <-f.gate:
		res := htmlPage("<p>ok</p>")
		res.URL = url
		return res
	case <-ctx.Done():
		return crawler.FetchResult{URL: url, Err: crawler.NewFetchError(crawler.KindTimeout, ctx.Err())}
	}
}

func TestProcessConcurrentWorkersClaimOnce(t *testing.T) {
	t.Parallel()

	fetcher := &blockingFetcher{gate: make(chan struct{}), started: make(chan struct{})}
	h := newHarness(fetcher)
	w1 := h.worker(Config{WorkerID: "w1"})
	w2 := h.worker(Config{WorkerID: "w2"})
	task := crawler.CrawlTask{URL: "https://example.com/fp1"}

	done := make(chan crawler.TaskState, 1)
	go func() {
		state, err := w1.Process(context.Background(), task)
		if err != nil {
			state = crawler.TaskState(err.Error())
		}
		done <- state
	}()
	<-fetcher.started

	state, err := w2.Process(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskSkipped, state)

	close(fetcher.gate)
	require.Equal(t, crawler.TaskDone, <-done)
	require.Equal(t, 1, fetcher.calls)
}

func TestProcessCancelHandsClaimBack(t *testing.T) {
	t.Parallel()

	fetcher := &blockingFetcher{gate: make(chan struct{}), started: make(chan struct{})}
	h := newHarness(fetcher)
	w := h.worker(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan crawler.TaskState, 1)
	go func() {
		state, _ := w.Process(ctx, crawler.CrawlTask{URL: "https://example.com/slow"})
		done <- state
	}()
	<-fetcher.started
	cancel()
	require.Equal(t, crawler.TaskPending, <-done)

	_, fp, err := crawler.Normalize("https://example.com/slow")
	require.NoError(t, err)
	rec, err := h.claims.Get(context.Background(), fp)
	require.NoError(t, err)
	require.Equal(t, crawler.ClaimUnclaimed, rec.State)
	require.Zero(t, rec.AttemptCount)
	require.False(t, rec.Terminal)
	require.Equal(t, noteCanceled, rec.Note)
	require.Empty(t, h.results.List())

	// The task is back on the frontier and ready to run at once.
	ready, err := h.frontier.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "https://example.com/slow", ready[0].URL)
}

func TestProcessRepeatedCancellationsDoNotUseUpAttempts(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{script: []crawler.FetchResult{htmlPage("<p>ok</p>")}}
	h := newHarness(fetcher)
	w := h.worker(Config{})
	task := crawler.CrawlTask{URL: "https://example.com/page"}
	_, fp, err := crawler.Normalize(task.URL)
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		state, err := w.Process(canceled, task)
		require.NoError(t, err)
		require.Equal(t, crawler.TaskPending, state)
	}

	rec, err := h.claims.Get(context.Background(), fp)
	require.NoError(t, err)
	require.Equal(t, crawler.ClaimUnclaimed, rec.State)
	require.Zero(t, rec.AttemptCount)
	require.False(t, rec.Terminal)
	require.Equal(t, 1, h.frontier.Len())

	state, err := w.Process(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskDone, state)
	doc, err := h.results.GetResult(context.Background(), fp)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskDone, doc.State)
	require.Equal(t, 1, doc.AttemptCount)
	require.Zero(t, h.frontier.Len())
}

func TestProcessRequeuesTaskStillBackingOff(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{script: []crawler.FetchResult{
		{StatusCode: http.StatusBadGateway, Err: crawler.StatusError(http.StatusBadGateway)},
	}}
	h := newHarness(fetcher)
	w := h.worker(Config{})
	ctx := context.Background()
	task := crawler.CrawlTask{URL: "https://example.com/retry"}

	state, err := w.Process(ctx, task)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskPending, state)

	// A duplicate delivery inside the backoff window is put back, not dropped.
	state, err = w.Process(ctx, task)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskPending, state)
	require.Equal(t, 1, fetcher.Calls())
	require.Equal(t, 1, h.frontier.Len())

	ready, err := h.frontier.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, ready)
	h.clock.Advance(10 * time.Second)
	ready, err = h.frontier.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, 1, ready[0].AttemptCount)
}

func TestProcessSkipsLinksAlreadyCrawled(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{script: []crawler.FetchResult{
		htmlPage(`<p>leaf</p>`),
		htmlPage(`<a href="/leaf">l</a><a href="/fresh">f</a>`),
	}}
	h := newHarness(fetcher)
	w := h.worker(Config{MaxDepth: 3})
	ctx := context.Background()

	state, err := w.Process(ctx, crawler.CrawlTask{URL: "https://example.com/leaf", Depth: 1})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskDone, state)

	state, err = w.Process(ctx, crawler.CrawlTask{URL: "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskDone, state)

	ready, err := h.frontier.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "https://example.com/fresh", ready[0].URL)
}

func TestProcessLeavesTaskLeasedWhileClaimedElsewhere(t *testing.T) {
	t.Parallel()

	h := newHarness(&scriptedFetcher{script: []crawler.FetchResult{htmlPage("x")}})
	w := h.worker(Config{})
	ctx := context.Background()
	task := crawler.CrawlTask{URL: "https://example.com/busy"}
	_, fp, err := crawler.Normalize(task.URL)
	require.NoError(t, err)

	require.NoError(t, h.frontier.Enqueue(ctx, task))
	outcome, err := h.claims.TryClaim(ctx, fp, task.URL, "other-1")
	require.NoError(t, err)
	require.Equal(t, crawler.ClaimAcquired, outcome)

	ready, err := h.frontier.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	state, err := w.Process(ctx, ready[0])
	require.NoError(t, err)
	require.Equal(t, crawler.TaskSkipped, state)
	require.Equal(t, 1, h.frontier.Len())
	require.Equal(t, 1, h.frontier.Leased())
}

func TestProcessInvalidURLDeadLetters(t *testing.T) {
	t.Parallel()

	h := newHarness(&scriptedFetcher{script: []crawler.FetchResult{{}}})
	w := h.worker(Config{})

	state, err := w.Process(context.Background(), crawler.CrawlTask{URL: "ftp://example.com/file"})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskDeadLettered, state)
	require.Zero(t, h.claims.Len())

	docs := h.results.List()
	require.Len(t, docs, 1)
	require.Equal(t, crawler.ClassInvalidURL, docs[0].ErrorClass)
}

func TestProcessBlockedDomainIsNeverClaimed(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{script: []crawler.FetchResult{htmlPage("x")}}
	h := newHarness(fetcher)
	h.deps.Blocklist = crawler.NewDomainBlocklist([]string{"*.ads.example"})
	w := h.worker(Config{})

	state, err := w.Process(context.Background(), crawler.CrawlTask{URL: "https://cdn.ads.example/x"})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskSkipped, state)
	require.Zero(t, h.claims.Len())
	require.Zero(t, fetcher.Calls())
}

func TestProcessSkipsCompletedURL(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{script: []crawler.FetchResult{htmlPage("x")}}
	h := newHarness(fetcher)
	w := h.worker(Config{})
	task := crawler.CrawlTask{URL: "https://example.com/once"}

	state, err := w.Process(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskDone, state)

	state, err = w.Process(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskSkipped, state)
	require.Equal(t, 1, fetcher.Calls())
}

type outageClaims struct {
	crawler.ClaimStore
}

func (outageClaims) TryClaim(context.Context, crawler.Fingerprint, string, string) (crawler.ClaimOutcome, error) {
	return "", fmt.Errorf("try claim: %w: connection refused", crawler.ErrStoreUnavailable)
}

func TestProcessReturnsStoreOutage(t *testing.T) {
	t.Parallel()

	h := newHarness(&scriptedFetcher{script: []crawler.FetchResult{{}}})
	h.deps.Claims = outageClaims{}
	w := h.worker(Config{})

	_, err := w.Process(context.Background(), crawler.CrawlTask{URL: "https://example.com/"})
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
}

// stolenClaims simulates a lease that expired and was reclaimed mid-fetch.
type stolenClaims struct {
	*memory.ClaimStore
}

func (stolenClaims) Release(_ context.Context, req crawler.ReleaseRequest) (crawler.ClaimRecord, error) {
	return crawler.ClaimRecord{}, fmt.Errorf("release %s: %w", req.Fingerprint.Short(), crawler.ErrNotOwner)
}

func TestProcessLostLeaseDiscardsResult(t *testing.T) {
	t.Parallel()

	h := newHarness(&scriptedFetcher{script: []crawler.FetchResult{htmlPage("x")}})
	h.deps.Claims = stolenClaims{ClaimStore: h.claims}
	w := h.worker(Config{})

	state, err := w.Process(context.Background(), crawler.CrawlTask{URL: "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskSkipped, state)
	require.Empty(t, h.results.List())
	require.Empty(t, h.emitter.Events())
}

func TestReleaseFailedPassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	w := New(Deps{}, Config{}, nil)
	boom := errors.New("boom")
	_, err := w.releaseFailed(task{}, boom, zap.NewNop())
	require.ErrorIs(t, err, boom)
}
