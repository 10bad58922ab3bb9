// Package server builds the crawler process from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcsclient "cloud.google.com/go/storage"
	gpubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fleet-crawler/internal/api"
	"github.com/JakeFAU/fleet-crawler/internal/clock/system"
	"github.com/JakeFAU/fleet-crawler/internal/config"
	"github.com/JakeFAU/fleet-crawler/internal/crawler"
	"github.com/JakeFAU/fleet-crawler/internal/dispatcher"
	"github.com/JakeFAU/fleet-crawler/internal/events"
	"github.com/JakeFAU/fleet-crawler/internal/events/sinks"
	"github.com/JakeFAU/fleet-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/fleet-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/fleet-crawler/internal/fetcher/httpfetch"
	"github.com/JakeFAU/fleet-crawler/internal/id/uuid"
	"github.com/JakeFAU/fleet-crawler/internal/logging"
	"github.com/JakeFAU/fleet-crawler/internal/politeness"
	kafkapublisher "github.com/JakeFAU/fleet-crawler/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/fleet-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/fleet-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/fleet-crawler/internal/robots"
	gcsstorage "github.com/JakeFAU/fleet-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/fleet-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/fleet-crawler/internal/storage/memory"
	"github.com/JakeFAU/fleet-crawler/internal/telemetry"
	"github.com/JakeFAU/fleet-crawler/internal/worker"
)

const readHeaderTimeout = 5 * time.Second

// App contains the process's long-lived components.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	clock      crawler.Clock
	stores     *Stores
	robots     *robots.Cache
	scheduler  *politeness.Scheduler
	hub        *events.Hub
	dispatch   *dispatcher.Dispatcher
	apiServer  *api.Server
	workerID   string
	telemetry  *telemetry.Providers
	gcs        *gcsclient.Client
	pubsub     *gpubsub.Client
	publisher  crawler.Publisher
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	providers, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app, err := build(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	app.telemetry = providers
	return app, nil
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("claims_backend", cfg.ClaimsBackend()),
		zap.String("blob_backend", cfg.Blob.Backend),
		zap.String("publisher_backend", cfg.Publisher.Backend),
	)

	workerID, err := newWorkerID()
	if err != nil {
		return nil, err
	}
	app.workerID = workerID

	app.stores, err = BuildStores(ctx, cfg, app.clock, logger)
	if err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	blobs, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err := app.setupEvents(reg); err != nil {
		return nil, err
	}

	app.scheduler = politeness.New(politeness.Config{
		DefaultDelay:   cfg.Politeness.DefaultDelay,
		MaxConcurrency: cfg.Politeness.MaxConcurrency,
		MaxRPS:         cfg.Politeness.MaxRPS,
		Burst:          cfg.Politeness.Burst,
		Logger:         logger.Named("politeness"),
	})

	deps := worker.Deps{
		Claims:     app.stores.Claims,
		Results:    app.stores.Results,
		Frontier:   app.stores.Frontier,
		Blobs:      blobs,
		Fetcher:    app.newFetcher(),
		Links:      extract.NewHTMLLinks(cfg.Extract),
		Politeness: app.scheduler,
		Events:     app.hub,
		Clock:      app.clock,
		Blocklist:  crawler.NewDomainBlocklist(cfg.Crawler.BlockedDomains),
	}
	if cfg.Crawler.RespectRobots {
		engine, err := robots.ParseEngine(cfg.Robots.Engine)
		if err != nil {
			return nil, fmt.Errorf("robots engine: %w", err)
		}
		app.robots = robots.New(robots.Config{
			UserAgent: cfg.Crawler.UserAgent,
			Timeout:   cfg.Robots.Timeout,
			TTL:       cfg.Robots.TTL,
			Engine:    engine,
			Clock:     app.clock,
			Logger:    logger.Named("robots"),
		})
		deps.Robots = app.robots
	} else {
		logger.Warn("robots.txt checks disabled")
		deps.Robots = robots.AllowAll{}
	}

	w := worker.New(deps, worker.Config{
		WorkerID:   workerID,
		MaxDepth:   cfg.Crawler.MaxDepth,
		BlobPrefix: cfg.Blob.Prefix,
	}, logging.ForWorker(logger.Named("worker"), workerID))

	app.dispatch = dispatcher.New(app.stores.Frontier, w, app.scheduler, dispatcher.Config{
		BatchSize:    cfg.Crawler.BatchSize,
		Concurrency:  cfg.Crawler.Concurrency,
		PollInterval: cfg.Crawler.PollInterval,
	}, logger.Named("dispatcher"))

	apiDeps := api.Deps{
		Frontier: app.stores.Frontier,
		Claims:   app.stores.Claims,
		Results:  app.stores.Results,
		Hosts:    app.scheduler,
		Checks:   app.stores.Checks,
	}
	if app.robots != nil {
		apiDeps.Robots = app.robots
	}
	app.apiServer = api.NewServer(apiDeps, api.Options{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))

	ok = true
	return app, nil
}

func newWorkerID() (string, error) {
	host, _ := os.Hostname()
	id, err := uuid.New().WorkerID(host)
	if err != nil {
		return "", fmt.Errorf("worker id: %w", err)
	}
	return id, nil
}

func (a *App) newFetcher() crawler.Fetcher {
	fetchCfg := httpfetch.Config{
		UserAgent:    a.cfg.Crawler.UserAgent,
		Timeout:      a.cfg.Fetcher.Timeout,
		MaxRedirects: a.cfg.Fetcher.MaxRedirects,
		MaxBodyBytes: a.cfg.Fetcher.MaxBodyBytes,
		Clock:        a.clock,
		Logger:       a.logger.Named("fetcher"),
	}
	if a.cfg.Fetcher.Engine == config.EngineColly {
		a.logger.Info("using colly fetcher", zap.String("user_agent", fetchCfg.UserAgent))
		return collyfetcher.New(fetchCfg)
	}
	a.logger.Info("using http fetcher", zap.String("user_agent", fetchCfg.UserAgent))
	return httpfetch.New(fetchCfg)
}

func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Blob.Backend {
	case config.BackendGCS:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Blob.GCS.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.stores.Checks[config.BackendGCS] = store.CheckBucket
		a.logger.Info("using GCS blob backend", zap.String("bucket", a.cfg.Blob.GCS.Bucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Blob.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob backend", zap.String("path", a.cfg.Blob.Local.BaseDir))
		return store, nil
	default:
		a.logger.Info("using in-memory blob backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) error {
	topic := a.cfg.Events.Topic
	switch a.cfg.Publisher.Backend {
	case config.BackendPubSub:
		if a.cfg.Publisher.PubSub.Topic != "" {
			topic = a.cfg.Publisher.PubSub.Topic
		}
		client, err := gpubsub.NewClient(ctx, a.cfg.Publisher.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsub = client
		pub := pubsubpublisher.New(client, topic)
		projectID := a.cfg.Publisher.PubSub.ProjectID
		a.stores.Checks[config.BackendPubSub] = func(ctx context.Context) error {
			return pub.CheckTopic(ctx, projectID)
		}
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", projectID),
			zap.String("topic", topic),
		)
	case config.BackendKafka:
		kafkaCfg := a.cfg.Publisher.Kafka
		if kafkaCfg.Topic == "" {
			kafkaCfg.Topic = topic
		}
		pub, err := kafkapublisher.New(kafkaCfg)
		if err != nil {
			return fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.publisher = pub
		a.logger.Info("Kafka publisher initialized",
			zap.Strings("brokers", kafkaCfg.Brokers),
			zap.String("topic", kafkaCfg.Topic),
		)
	case config.BackendMemory:
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	default:
		a.logger.Info("no publisher configured; crawl records are not forwarded")
	}
	return nil
}

func (a *App) setupEvents(reg prometheus.Registerer) error {
	var sinkList []events.Sink
	if a.cfg.Events.LogSink {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("records")))
	}
	if a.cfg.Events.PrometheusSink {
		promSink, err := sinks.NewPrometheusSink(reg)
		if err != nil {
			return fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if a.publisher != nil {
		pubSink := sinks.NewPublishSink(a.publisher, a.cfg.Events.Topic, a.logger.Named("publish"))
		pubSink.IncludePending = a.cfg.Events.PublishPending
		sinkList = append(sinkList, pubSink)
	}
	hubCfg := a.cfg.Events.Hub
	hubCfg.Logger = a.logger.Named("events")
	a.hub = events.NewHub(hubCfg, sinkList...)
	a.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

// Stores exposes the state backends.
func (a *App) Stores() *Stores {
	return a.stores
}

// Handler exposes the operator API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// WorkerID identifies this process in claim owner IDs.
func (a *App) WorkerID() string {
	return a.workerID
}

// SeedFromConfig enqueues the configured seed URLs. Invalid seeds are logged and skipped.
func (a *App) SeedFromConfig(ctx context.Context) error {
	for _, raw := range a.cfg.Crawler.Seeds {
		task, fp, err := dispatcher.Seed(ctx, a.stores.Frontier, raw)
		if errors.Is(err, crawler.ErrInvalidURL) {
			a.logger.Warn("skipping invalid seed", zap.String("url", raw), zap.Error(err))
			continue
		}
		if err != nil {
			return fmt.Errorf("seed %s: %w", raw, err)
		}
		a.logger.Info("seed enqueued", zap.String("url", task.URL), zap.String("fingerprint", fp.Short()))
	}
	return nil
}

// Run serves the API and drives the crawl loop until ctx is canceled, a
// termination signal arrives or the loop halts on a store outage.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started", zap.String("worker_id", a.workerID))
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.SeedFromConfig(ctx); err != nil {
		return errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started")
		return a.dispatch.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()
	if runErr != nil {
		a.logger.Error("crawler halted", zap.Error(runErr))
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close flushes the event hub and releases every backend connection.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event hub close: %w", err))
		}
		a.hub = nil
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub client close: %w", err))
		}
		a.pubsub = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
		a.gcs = nil
	}
	if a.stores != nil {
		if err := a.stores.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.telemetry = nil
	}
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
