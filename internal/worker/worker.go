// Package worker implements the per-task crawl pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/fleet-crawler/internal/clock/system"
	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/events"
	"github.com/JakeFAU/fleet-crawler/internal/metrics"
	"github.com/JakeFAU/fleet-crawler/internal/politeness"
	"github.com/JakeFAU/fleet-crawler/internal/robots"
	"github.com/JakeFAU/fleet-crawler/internal/storage"
)

const (
	noteRobotsBlocked = "blocked by robots.txt"
	noteCanceled      = "canceled"

	defaultReleaseTimeout = 5 * time.Second
)

var tracer = otel.Tracer("github.com/JakeFAU/fleet-crawler/internal/worker")

// RobotsChecker answers robots.txt questions. *robots.Cache satisfies it.
type RobotsChecker interface {
	IsAllowed(ctx context.Context, rawURL string) (bool, time.Duration)
}

// Config controls Worker behavior.
type Config struct {
	// WorkerID prefixes claim owner IDs so claims can be traced back to a process.
	WorkerID   string
	MaxDepth   int
	BlobPrefix string
	// ReleaseTimeout bounds the detached release issued when a task is canceled.
	ReleaseTimeout time.Duration
}

// Deps are the collaborators a Worker drives. Blobs, Links, Events and
// Blocklist are optional.
type Deps struct {
	Claims     crawler.ClaimStore
	Results    crawler.ResultStore
	Frontier   crawler.Frontier
	Blobs      crawler.BlobStore
	Fetcher    crawler.Fetcher
	Links      crawler.LinkExtractor
	Robots     RobotsChecker
	Politeness *politeness.Scheduler
	Events     events.Emitter
	Clock      crawler.Clock
	Blocklist  *crawler.DomainBlocklist
}

// Worker runs crawl tasks through claim, robots, politeness, fetch and persistence.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	seq    atomic.Uint64
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Robots == nil {
		deps.Robots = robots.AllowAll{}
	}
	if deps.Politeness == nil {
		deps.Politeness = politeness.New(politeness.Config{Logger: logger})
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = defaultReleaseTimeout
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// task carries per-task state through the pipeline.
type task struct {
	crawler.CrawlTask
	canonical string
	fp        crawler.Fingerprint
	host      string
	owner     string
}

// Process runs one task to a resting state. The returned error is non-nil only
// when a backing store is unavailable, which the caller must treat as fatal.
func (w *Worker) Process(ctx context.Context, in crawler.CrawlTask) (state crawler.TaskState, err error) {
	ctx, span := tracer.Start(ctx, "crawl.task", trace.WithAttributes(
		attribute.String("crawl.url", in.URL),
		attribute.Int("crawl.depth", in.Depth),
	))
	metrics.IncActiveWorkers()
	defer func() {
		metrics.DecActiveWorkers()
		if state != "" {
			metrics.ObserveTask(string(state))
			span.SetAttributes(attribute.String("crawl.state", string(state)))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	canonical, fp, err := crawler.Normalize(in.URL)
	if err != nil {
		return w.dropInvalid(ctx, in, err)
	}
	t := task{CrawlTask: in, canonical: canonical, fp: fp, host: crawler.Host(canonical)}
	span.SetAttributes(attribute.String("crawl.fingerprint", fp.String()))
	logger := w.logger.With(zap.String("url", canonical), zap.String("fingerprint", fp.Short()))

	if w.deps.Blocklist.Blocked(t.host) {
		logger.Info("domain blocked, dropping task", zap.String("host", t.host))
		return crawler.TaskSkipped, w.ack(ctx, t)
	}

	t.owner = fmt.Sprintf("%s-%d", w.cfg.WorkerID, w.seq.Add(1))
	outcome, err := w.deps.Claims.TryClaim(ctx, fp, canonical, t.owner)
	if err != nil {
		return "", fmt.Errorf("claim: %w", err)
	}
	metrics.ObserveClaim(string(outcome))
	if outcome != crawler.ClaimAcquired {
		return w.yield(ctx, t, outcome, logger)
	}

	return w.crawl(ctx, t, logger)
}

// yield settles a task whose claim went to someone else or is not due yet.
func (w *Worker) yield(
	ctx context.Context,
	t task,
	outcome crawler.ClaimOutcome,
	logger *zap.Logger,
) (crawler.TaskState, error) {
	switch outcome {
	case crawler.ClaimAlreadyClaimed:
		// The task stays leased. If the owner vanishes, the frontier hands it
		// out again and the claim lease will have run out by then.
		logger.Debug("claimed elsewhere, leaving task leased")
		return crawler.TaskSkipped, nil
	case crawler.ClaimNotEligible:
		rec, err := w.deps.Claims.Get(ctx, t.fp)
		if err != nil && !errors.Is(err, crawler.ErrNotFound) {
			return "", fmt.Errorf("load claim: %w", err)
		}
		logger.Debug("claim backing off, requeueing", zap.Time("not_before", rec.NextEligibleAt))
		return crawler.TaskPending, w.requeue(ctx, t, rec)
	default:
		logger.Debug("already crawled, dropping task", zap.String("outcome", string(outcome)))
		return crawler.TaskSkipped, w.ack(ctx, t)
	}
}

func (w *Worker) crawl(ctx context.Context, t task, logger *zap.Logger) (crawler.TaskState, error) {
	allowed, crawlDelay := w.deps.Robots.IsAllowed(ctx, t.canonical)
	if !allowed {
		logger.Info("blocked by robots.txt")
		rec, err := w.release(ctx, t, crawler.ReleaseRequest{State: crawler.ClaimCompleted, Note: noteRobotsBlocked})
		if err != nil {
			return w.releaseFailed(t, err, logger)
		}
		doc := w.document(t, crawler.FetchResult{URL: t.canonical}, crawler.TaskSkipped, rec.AttemptCount)
		doc.ErrorClass = crawler.ClassRobotsBlocked
		doc.Note = noteRobotsBlocked
		if err := w.persist(ctx, t, doc, logger); err != nil {
			return crawler.TaskSkipped, err
		}
		return crawler.TaskSkipped, w.ack(ctx, t)
	}

	token, err := w.deps.Politeness.Acquire(ctx, t.host, crawlDelay)
	if err != nil {
		return w.cancel(ctx, t, logger)
	}
	res := w.fetch(ctx, t)
	w.deps.Politeness.Release(token)
	if ctx.Err() != nil {
		return w.cancel(ctx, t, logger)
	}

	outcome := crawler.Classify(res)
	metrics.ObserveFetch(t.canonical, string(outcome), res.Size(), res.Duration)
	if res.Err != nil {
		metrics.ObserveFetchError(string(res.Err.Kind))
	}

	switch outcome {
	case crawler.OutcomeSucceeded:
		return w.succeed(ctx, t, res, logger)
	case crawler.OutcomeRetryable:
		return w.fail(ctx, t, res, false, logger)
	default:
		return w.fail(ctx, t, res, true, logger)
	}
}

func (w *Worker) fetch(ctx context.Context, t task) crawler.FetchResult {
	ctx, span := tracer.Start(ctx, "crawl.fetch", trace.WithAttributes(attribute.String("http.url", t.canonical)))
	defer span.End()
	res := w.deps.Fetcher.Fetch(ctx, t.canonical, nil)
	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode), attribute.Int("http.response_size", res.Size()))
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

func (w *Worker) succeed(ctx context.Context, t task, res crawler.FetchResult, logger *zap.Logger) (crawler.TaskState, error) {
	blobURI := w.storeContent(ctx, t, res, logger)

	rec, err := w.release(ctx, t, crawler.ReleaseRequest{State: crawler.ClaimCompleted})
	if err != nil {
		return w.releaseFailed(t, err, logger)
	}

	var links []string
	if w.deps.Links != nil {
		links, err = w.deps.Links.ExtractLinks(res)
		if err != nil {
			logger.Warn("link extraction failed", zap.Error(err))
		}
	}

	doc := w.document(t, res, crawler.TaskDone, rec.AttemptCount+1)
	doc.BlobURI = blobURI
	doc.LinksFound = len(links)
	if err := w.persist(ctx, t, doc, logger); err != nil {
		return crawler.TaskDone, err
	}
	logger.Info("page crawled",
		zap.Int("status", res.StatusCode),
		zap.Int("bytes", res.Size()),
		zap.Duration("duration", res.Duration),
		zap.Int("links", len(links)),
	)
	if err := w.enqueueLinks(ctx, t, links, logger); err != nil {
		return crawler.TaskDone, err
	}
	return crawler.TaskDone, w.ack(ctx, t)
}

func (w *Worker) fail(
	ctx context.Context,
	t task,
	res crawler.FetchResult,
	permanent bool,
	logger *zap.Logger,
) (crawler.TaskState, error) {
	note := "fetch failed"
	if res.Err != nil {
		note = res.Err.Error()
	}
	rec, err := w.release(ctx, t, crawler.ReleaseRequest{State: crawler.ClaimFailed, Permanent: permanent, Note: note})
	if err != nil {
		return w.releaseFailed(t, err, logger)
	}

	class := crawler.ClassNetworkPermanent
	if !permanent {
		class = crawler.ClassNetworkTransient
	}
	state := crawler.TaskDeadLettered
	if !rec.Terminal {
		state = crawler.TaskPending
	}
	doc := w.document(t, res, state, rec.AttemptCount)
	doc.ErrorClass = class
	doc.Note = note
	if err := w.persist(ctx, t, doc, logger); err != nil {
		return state, err
	}

	if state == crawler.TaskDeadLettered {
		logger.Warn("task dead-lettered",
			zap.String("error_class", string(class)),
			zap.String("error", note),
			zap.Int("attempts", rec.AttemptCount),
		)
		return state, w.ack(ctx, t)
	}
	logger.Info("fetch failed, requeueing",
		zap.String("error", note),
		zap.Int("attempts", rec.AttemptCount),
		zap.Time("not_before", rec.NextEligibleAt),
	)
	return state, w.requeue(ctx, t, rec)
}

// cancel hands the claim back unclaimed on a detached context so a shutdown
// neither counts as an attempt nor leaves the record claimed until its lease
// runs out. The task goes back on the frontier ready to run.
func (w *Worker) cancel(ctx context.Context, t task, logger *zap.Logger) (crawler.TaskState, error) {
	detached, stop := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ReleaseTimeout)
	defer stop()
	rec, err := w.release(detached, t, crawler.ReleaseRequest{State: crawler.ClaimUnclaimed, Note: noteCanceled})
	if err != nil {
		logger.Warn("release on cancel failed, claim and frontier leases will expire", zap.Error(err))
		return crawler.TaskPending, nil
	}
	if err := w.requeue(detached, t, rec); err != nil {
		logger.Warn("requeue on cancel failed, frontier lease will expire", zap.Error(err))
	}
	logger.Info("task canceled", zap.Int("attempts", rec.AttemptCount))
	return crawler.TaskPending, nil
}

func (w *Worker) release(ctx context.Context, t task, req crawler.ReleaseRequest) (crawler.ClaimRecord, error) {
	req.Fingerprint = t.fp
	req.OwnerID = t.owner
	rec, err := w.deps.Claims.Release(ctx, req)
	if err != nil {
		return rec, fmt.Errorf("release claim: %w", err)
	}
	return rec, nil
}

// releaseFailed handles a release error. Losing ownership means the lease ran
// out and another worker owns the URL now, so this attempt's result is discarded.
func (w *Worker) releaseFailed(t task, err error, logger *zap.Logger) (crawler.TaskState, error) {
	if errors.Is(err, crawler.ErrNotOwner) {
		metrics.ObserveClaim("lease_expired")
		logger.Warn("claim lease expired before release", zap.String("owner", t.owner))
		return crawler.TaskSkipped, nil
	}
	return "", err
}

// requeue puts the task back under the URL it was queued with, due when the
// claim becomes eligible again.
func (w *Worker) requeue(ctx context.Context, t task, rec crawler.ClaimRecord) error {
	next := t.CrawlTask
	next.AttemptCount = rec.AttemptCount
	next.NotBefore = rec.NextEligibleAt
	if err := w.deps.Frontier.Requeue(ctx, next); err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

func (w *Worker) ack(ctx context.Context, t task) error {
	if err := w.deps.Frontier.Ack(ctx, t.CrawlTask); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

func (w *Worker) storeContent(ctx context.Context, t task, res crawler.FetchResult, logger *zap.Logger) string {
	if w.deps.Blobs == nil || len(res.Content) == 0 {
		return ""
	}
	path := storage.BlobPath(w.cfg.BlobPrefix, t.fp, res.ContentType, w.deps.Clock.Now())
	uri, err := w.deps.Blobs.PutObject(ctx, path, res.ContentType, res.Content)
	if err != nil {
		logger.Warn("store content failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) enqueueLinks(ctx context.Context, t task, links []string, logger *zap.Logger) error {
	depth := t.Depth + 1
	if depth > w.cfg.MaxDepth || len(links) == 0 {
		return nil
	}
	enqueued := 0
	for _, link := range links {
		canonical, fp, err := crawler.Normalize(link)
		if err != nil {
			continue
		}
		if w.deps.Blocklist.Blocked(crawler.Host(canonical)) {
			continue
		}
		eligible, err := w.deps.Claims.IsEligible(ctx, fp)
		if err != nil {
			metrics.ObserveLinksEnqueued(enqueued)
			return fmt.Errorf("check link eligibility: %w", err)
		}
		if !eligible {
			continue
		}
		err = w.deps.Frontier.Enqueue(ctx, crawler.CrawlTask{
			URL:            canonical,
			Depth:          depth,
			DiscoveredFrom: t.fp,
		})
		if err != nil {
			metrics.ObserveLinksEnqueued(enqueued)
			return fmt.Errorf("enqueue link: %w", err)
		}
		enqueued++
	}
	metrics.ObserveLinksEnqueued(enqueued)
	logger.Debug("links enqueued", zap.Int("count", enqueued), zap.Int("depth", depth))
	return nil
}

func (w *Worker) dropInvalid(ctx context.Context, in crawler.CrawlTask, cause error) (crawler.TaskState, error) {
	w.logger.Info("invalid url, dropping task", zap.String("url", in.URL), zap.Error(cause))
	t := task{CrawlTask: in, canonical: in.URL, fp: crawler.FingerprintOf(in.URL)}
	doc := w.document(t, crawler.FetchResult{URL: in.URL}, crawler.TaskDeadLettered, in.AttemptCount)
	doc.ErrorClass = crawler.ClassInvalidURL
	doc.Error = cause.Error()
	if err := w.persist(ctx, t, doc, w.logger); err != nil {
		return crawler.TaskDeadLettered, err
	}
	return crawler.TaskDeadLettered, w.ack(ctx, t)
}

func (w *Worker) document(t task, res crawler.FetchResult, state crawler.TaskState, attempts int) crawler.ResultDocument {
	doc := crawler.ResultDocument{
		Fingerprint:  t.fp,
		URL:          t.canonical,
		FinalURL:     res.FinalURL,
		Depth:        t.Depth,
		State:        state,
		StatusCode:   res.StatusCode,
		Success:      res.Success(),
		ContentType:  res.ContentType,
		Encoding:     res.Encoding,
		Size:         res.Size(),
		Truncated:    res.Truncated,
		FetchTime:    res.Duration.Seconds(),
		AttemptCount: attempts,
		Timestamp:    w.deps.Clock.Now().UTC(),
	}
	if res.Err != nil {
		doc.Error = res.Err.Error()
	}
	return doc
}

// persist records doc and emits it downstream. Only store outages are returned.
func (w *Worker) persist(ctx context.Context, t task, doc crawler.ResultDocument, logger *zap.Logger) error {
	if err := w.deps.Results.RecordResult(ctx, t.fp, doc); err != nil {
		if errors.Is(err, crawler.ErrStoreUnavailable) {
			return fmt.Errorf("record result: %w", err)
		}
		logger.Error("record result failed", zap.Error(err))
	}
	w.deps.Events.Emit(events.FromDocument(w.cfg.WorkerID, metrics.SanitizeSite(t.canonical), doc))
	return nil
}
