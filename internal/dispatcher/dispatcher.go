// Package dispatcher drives the crawl loop: it pulls task batches from the
// frontier and fans them out to a bounded pool of worker goroutines.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/politeness"
)

// Defaults applied by New.
const (
	DefaultBatchSize     = 32
	DefaultConcurrency   = 16
	DefaultPollInterval  = time.Second
	DefaultPruneInterval = 5 * time.Minute

	returnTimeout = 5 * time.Second
)

// Processor runs one task. *worker.Worker satisfies it.
type Processor interface {
	Process(ctx context.Context, task crawler.CrawlTask) (crawler.TaskState, error)
}

// Config controls the loop.
type Config struct {
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
	// PruneInterval is how often idle politeness state is dropped. Hosts idle
	// for longer than the interval are forgotten.
	PruneInterval time.Duration
}

// Dispatcher fans frontier work out to a Processor.
type Dispatcher struct {
	frontier   crawler.Frontier
	processor  Processor
	politeness *politeness.Scheduler
	cfg        Config
	logger     *zap.Logger
}

// New creates a Dispatcher. sched may be nil.
func New(frontier crawler.Frontier, processor Processor, sched *politeness.Scheduler, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		frontier:   frontier,
		processor:  processor,
		politeness: sched,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks until ctx is done or a backing store becomes unavailable. It
// returns nil on a clean shutdown and the store error otherwise; in-flight
// tasks are allowed to finish either way.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	pruneDone := make(chan struct{})
	go func() {
		defer close(pruneDone)
		d.prune(gctx)
	}()

	d.logger.Info("dispatcher started",
		zap.Int("concurrency", d.cfg.Concurrency),
		zap.Int("batch_size", d.cfg.BatchSize),
	)

	loopErr := d.loop(ctx, gctx, g)
	err := g.Wait()
	<-pruneDone
	if loopErr != nil {
		err = loopErr
	}
	if err != nil && ctx.Err() == nil {
		d.logger.Error("dispatcher halted", zap.Error(err))
		return fmt.Errorf("worker loop halted: %w", err)
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) loop(ctx, gctx context.Context, g *errgroup.Group) error {
	for gctx.Err() == nil {
		batch, err := d.frontier.DequeueBatch(gctx, d.cfg.BatchSize)
		if err != nil {
			if gctx.Err() != nil {
				return nil
			}
			if errors.Is(err, crawler.ErrStoreUnavailable) {
				return fmt.Errorf("dequeue batch: %w", err)
			}
			d.logger.Warn("dequeue batch failed", zap.Error(err))
		}
		if len(batch) == 0 {
			if !wait(gctx, d.cfg.PollInterval) {
				return nil
			}
			continue
		}
		for i, task := range batch {
			if gctx.Err() != nil {
				d.giveBack(ctx, batch[i:])
				return nil
			}
			g.Go(func() error {
				_, err := d.processor.Process(gctx, task)
				if err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			})
		}
	}
	return nil
}

// giveBack clears the lease on tasks that were dequeued but never started so
// another process can pick them up without waiting for the lease to run out.
func (d *Dispatcher) giveBack(ctx context.Context, tasks []crawler.CrawlTask) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), returnTimeout)
	defer cancel()
	for _, task := range tasks {
		if err := d.frontier.Requeue(detached, task); err != nil {
			d.logger.Warn("return undispatched task failed, its lease will expire",
				zap.String("url", task.URL), zap.Error(err))
		}
	}
	d.logger.Info("returned undispatched tasks", zap.Int("count", len(tasks)))
}

func (d *Dispatcher) prune(ctx context.Context) {
	if d.politeness == nil {
		return
	}
	ticker := time.NewTicker(d.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.politeness.Prune(d.cfg.PruneInterval); n > 0 {
				d.logger.Debug("pruned idle hosts", zap.Int("hosts", n))
			}
		}
	}
}

// Seed normalizes rawURL and enqueues it at depth 0.
func Seed(ctx context.Context, frontier crawler.Frontier, rawURL string) (crawler.CrawlTask, crawler.Fingerprint, error) {
	canonical, fp, err := crawler.Normalize(rawURL)
	if err != nil {
		return crawler.CrawlTask{}, "", err
	}
	task := crawler.CrawlTask{URL: canonical}
	if err := frontier.Enqueue(ctx, task); err != nil {
		return crawler.CrawlTask{}, "", fmt.Errorf("enqueue seed: %w", err)
	}
	return task, fp, nil
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
