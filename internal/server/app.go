// Package server builds the service's dependency graph and hosts its run loops.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/geolink/internal/actor"
	"github.com/JakeFAU/geolink/internal/api"
	memorycache "github.com/JakeFAU/geolink/internal/cache/memory"
	rediscache "github.com/JakeFAU/geolink/internal/cache/redis"
	"github.com/JakeFAU/geolink/internal/classify/heuristic"
	"github.com/JakeFAU/geolink/internal/classify/remote"
	"github.com/JakeFAU/geolink/internal/clock/system"
	"github.com/JakeFAU/geolink/internal/config"
	"github.com/JakeFAU/geolink/internal/evaluation"
	"github.com/JakeFAU/geolink/internal/id/uuid"
	"github.com/JakeFAU/geolink/internal/ingest"
	"github.com/JakeFAU/geolink/internal/links"
	"github.com/JakeFAU/geolink/internal/logging"
	asynqqueue "github.com/JakeFAU/geolink/internal/queue/asynq"
	memoryqueue "github.com/JakeFAU/geolink/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/geolink/internal/queue/pubsub"
	"github.com/JakeFAU/geolink/internal/render/headless"
	"github.com/JakeFAU/geolink/internal/render/static"
	"github.com/JakeFAU/geolink/internal/resolver"
	"github.com/JakeFAU/geolink/internal/scheduler"
	gcsstorage "github.com/JakeFAU/geolink/internal/storage/gcs"
	localstorage "github.com/JakeFAU/geolink/internal/storage/local"
	memorystorage "github.com/JakeFAU/geolink/internal/storage/memory"
	pgstore "github.com/JakeFAU/geolink/internal/storage/postgres"
	redisstore "github.com/JakeFAU/geolink/internal/storage/redis"
	"github.com/JakeFAU/geolink/internal/telemetry"
	"github.com/JakeFAU/geolink/internal/tracker"
	"github.com/JakeFAU/geolink/internal/workflow"
)

type stores struct {
	links       links.LinkStore
	clicks      links.ClickStore
	evaluations links.EvaluationStore
	checkpoints workflow.CheckpointStore
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  links.Clock

	redis        goredis.UniversalClient
	pool         *pgxpool.Pool
	storage      *storage.Client
	pubsubClient *pubsub.Client
	asynqClient  *asynq.Client
	renderer     *headless.Renderer

	stores    stores
	engine    *workflow.Engine
	starter   *evaluation.Starter
	scheduler *scheduler.Scheduler
	tracker   *tracker.Tracker
	recorder  *ingest.Recorder
	queue     links.ClickQueue
	consumer  links.ClickConsumer
	memQueue  *memoryqueue.Queue
	pubsubPub *pubsubqueue.Producer
	pipeline  *ingest.Pipeline
	apiServer *api.Server

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. Nothing is started until
// Serve, Consume or Evaluate is called.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("render_backend", cfg.Render.Backend),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.Version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		ProjectID:      cfg.TraceProjectID(),
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	if a.cfg.NeedsRedis() {
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.logger.Info("redis client initialized", zap.String("addr", a.cfg.Redis.Addr))
	}
	if err := a.setupStores(ctx); err != nil {
		return err
	}
	blobs, err := a.setupBlobStore(ctx)
	if err != nil {
		return err
	}
	if err := a.setupWorkflow(blobs); err != nil {
		return err
	}
	if err := a.setupScheduler(); err != nil {
		return err
	}
	if err := a.setupTracker(); err != nil {
		return err
	}
	if err := a.setupQueue(ctx); err != nil {
		return err
	}

	var collector ingest.LinkClickCollector
	if a.scheduler != nil {
		collector = a.scheduler
	}
	a.recorder, err = ingest.NewRecorder(a.stores.clicks, collector, a.logger)
	if err != nil {
		return fmt.Errorf("recorder init failed: %w", err)
	}
	return nil
}

func (a *App) setupStores(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database dsn configured, using in-memory stores")
		mem := memorystorage.NewStore()
		for _, seed := range a.cfg.Links.Seed {
			if err := mem.PutLink(seedLink(seed)); err != nil {
				return fmt.Errorf("seed link %q: %w", seed.ID, err)
			}
		}
		a.stores = stores{links: mem, clicks: mem, evaluations: mem, checkpoints: workflow.NewMemoryStore()}
		return nil
	}

	var err error
	a.pool, err = pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	store, err := pgstore.NewStore(a.pool)
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	checkpoints, err := pgstore.NewCheckpointStore(a.pool)
	if err != nil {
		return fmt.Errorf("checkpoint store init failed: %w", err)
	}
	a.stores = stores{links: store, clicks: store, evaluations: store, checkpoints: checkpoints}
	a.logger.Info("postgres stores initialized")
	return nil
}

// seedLink upper-cases country keys; viper lower-cases map keys on load.
func seedLink(seed config.SeedLink) links.Link {
	dest := make(links.DestinationSet, len(seed.Destinations))
	for country, url := range seed.Destinations {
		key := strings.ToUpper(country)
		if strings.EqualFold(country, links.DefaultDestination) {
			key = links.DefaultDestination
		}
		dest[key] = url
	}
	return links.Link{ID: seed.ID, AccountID: seed.AccountID, Destinations: dest}
}

func (a *App) setupBlobStore(ctx context.Context) (links.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupRenderer() (links.Renderer, error) {
	if a.cfg.Render.Backend == "static" {
		a.logger.Info("using static renderer")
		return static.New(static.Config{UserAgent: a.cfg.Render.UserAgent}), nil
	}
	r, err := headless.New(headless.Config{
		MaxParallel: a.cfg.Render.MaxParallel,
		UserAgent:   a.cfg.Render.UserAgent,
		QuietPeriod: time.Duration(a.cfg.Render.QuietPeriodMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("headless renderer init failed: %w", err)
	}
	a.renderer = r
	a.logger.Info("using headless renderer", zap.Int("max_parallel", a.cfg.Render.MaxParallel))
	return r, nil
}

func (a *App) setupClassifier() (links.Classifier, error) {
	if a.cfg.Classify.Backend == "remote" {
		c, err := remote.New(remote.Config{
			Endpoint: a.cfg.Classify.Endpoint,
			APIKey:   a.cfg.Classify.APIKey,
			Model:    a.cfg.Classify.Model,
			Timeout:  time.Duration(a.cfg.Classify.TimeoutSeconds) * time.Second,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("remote classifier init failed: %w", err)
		}
		a.logger.Info("using remote classifier", zap.String("model", a.cfg.Classify.Model))
		return c, nil
	}
	a.logger.Info("using heuristic classifier")
	return heuristic.New(heuristic.DefaultMinChars), nil
}

func (a *App) setupWorkflow(blobs links.BlobStore) error {
	renderer, err := a.setupRenderer()
	if err != nil {
		return err
	}
	classifier, err := a.setupClassifier()
	if err != nil {
		return err
	}

	a.engine, err = workflow.NewEngine(workflow.Config{
		Store:       a.stores.checkpoints,
		Clock:       a.clock,
		IDs:         uuid.New(),
		Concurrency: a.cfg.Workflow.Concurrency,
		Logger:      a.logger,
		OnFinish:    evaluation.OnFinish(a.evaluationFinished),
	})
	if err != nil {
		return fmt.Errorf("workflow engine init failed: %w", err)
	}

	evalCfg := evaluation.DefaultConfig()
	evalCfg.RenderTimeout = a.cfg.RenderTimeout()
	evalCfg.RenderRetry = workflow.RetryPolicy{
		Limit:   a.cfg.Render.RetryLimit,
		Delay:   time.Duration(a.cfg.Render.RetryDelayMs) * time.Millisecond,
		Backoff: workflow.BackoffConstant,
	}
	evalCfg.PersistRetry = workflow.RetryPolicy{
		Limit:   a.cfg.Workflow.DefaultRetryLimit,
		Delay:   time.Duration(a.cfg.Workflow.DefaultRetryDelayMs) * time.Millisecond,
		Backoff: workflow.BackoffExponential,
	}
	evalCfg.MaxChars = a.cfg.Classify.MaxChars
	evalCfg.PathPrefix = a.cfg.Storage.Prefix

	def, err := evaluation.NewDefinition(evaluation.Deps{
		Renderer:    renderer,
		Classifier:  classifier,
		Blobs:       blobs,
		Evaluations: a.stores.evaluations,
		IDs:         uuid.NewRandom(),
		Clock:       a.clock,
		Logger:      a.logger,
	}, evalCfg)
	if err != nil {
		return fmt.Errorf("evaluation definition init failed: %w", err)
	}
	if err := a.engine.Register(def); err != nil {
		return fmt.Errorf("register evaluation workflow: %w", err)
	}
	a.starter = evaluation.NewStarter(a.engine, uuid.New())
	return nil
}

// evaluationFinished releases the scheduler's pending flag for the run's key.
func (a *App) evaluationFinished(req links.EvaluationRequest, status workflow.Status) {
	if a.scheduler == nil {
		return
	}
	if err := a.scheduler.Finish(context.Background(), req.LinkID, req.AccountID); err != nil && !errors.Is(err, actor.ErrClosed) {
		a.logger.Warn("release pending evaluation",
			zap.String("link_id", req.LinkID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (a *App) setupScheduler() error {
	if !a.cfg.Scheduler.Enabled {
		a.logger.Info("evaluation scheduler disabled")
		return nil
	}
	var policy scheduler.Policy = scheduler.CooldownPolicy{Window: a.cfg.CooldownWindow()}
	if a.cfg.Scheduler.Policy == "first_click" {
		policy = scheduler.FirstClickPolicy{}
	}
	cfg := scheduler.Config{
		Policy:      policy,
		Starter:     a.starter,
		Clock:       a.clock,
		IdleTimeout: time.Duration(a.cfg.Scheduler.IdleTimeoutSeconds) * time.Second,
		Logger:      a.logger,
	}
	if a.cfg.Scheduler.Durable {
		store, err := redisstore.NewStateStore(a.redis, a.cfg.Redis.Prefix)
		if err != nil {
			return fmt.Errorf("scheduler state store init failed: %w", err)
		}
		cfg.Store = store
	}
	var err error
	a.scheduler, err = scheduler.New(cfg)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	a.logger.Info("evaluation scheduler initialized",
		zap.String("policy", a.cfg.Scheduler.Policy),
		zap.Duration("cooldown", a.cfg.CooldownWindow()),
		zap.Bool("durable", a.cfg.Scheduler.Durable),
	)
	return nil
}

func (a *App) setupTracker() error {
	retention := time.Duration(a.cfg.Tracker.RetentionMinutes) * time.Minute
	cfg := tracker.Config{
		Window:         time.Duration(a.cfg.Tracker.WindowSeconds) * time.Second,
		Retention:      retention,
		IdleTimeout:    time.Duration(a.cfg.Tracker.IdleTimeoutSeconds) * time.Second,
		ObserverBuffer: a.cfg.Tracker.ObserverBuffer,
		Clock:          a.clock,
		Logger:         a.logger,
	}
	if a.cfg.Tracker.Durable {
		store, err := redisstore.NewTrackerStore(a.redis, a.cfg.Redis.Prefix, retention)
		if err != nil {
			return fmt.Errorf("tracker store init failed: %w", err)
		}
		cfg.Store = store
	}
	var err error
	a.tracker, err = tracker.New(cfg)
	if err != nil {
		return fmt.Errorf("tracker init failed: %w", err)
	}
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Queue.Backend {
	case "pubsub":
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubPub = pubsubqueue.NewProducer(a.pubsubClient.Publisher(a.cfg.PubSub.TopicName))
		a.queue = a.pubsubPub
		if a.cfg.PubSub.Subscription != "" {
			a.consumer = pubsubqueue.NewConsumer(
				a.pubsubClient.Subscriber(a.cfg.PubSub.Subscription),
				a.cfg.PubSub.MaxOutstanding,
				a.logger,
			)
		}
		a.logger.Info("Pub/Sub click queue initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
			zap.String("subscription", a.cfg.PubSub.Subscription),
		)
	case "asynq":
		opt := asynq.RedisClientOpt{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		}
		a.asynqClient = asynq.NewClient(opt)
		a.queue = asynqqueue.NewProducer(a.asynqClient, a.cfg.Asynq.Queue, a.cfg.Asynq.MaxRetry)
		a.consumer = asynqqueue.NewConsumer(opt, asynqqueue.ServerConfig{
			Queue:       a.cfg.Asynq.Queue,
			Concurrency: a.cfg.Asynq.Concurrency,
		}, a.logger)
		a.logger.Info("asynq click queue initialized", zap.String("queue", a.cfg.Asynq.Queue))
	default:
		a.memQueue = memoryqueue.NewQueue(memoryqueue.Config{
			Capacity: a.cfg.Queue.Depth,
			Logger:   a.logger,
		})
		a.queue = a.memQueue
		a.consumer = a.memQueue
		a.logger.Info("in-memory click queue initialized", zap.Int("depth", a.cfg.Queue.Depth))
	}
	return nil
}

func (a *App) setupAPI() error {
	var err error
	a.pipeline, err = ingest.New(ingest.Config{
		Workers:       a.cfg.Ingest.Workers,
		Buffer:        a.cfg.Ingest.Buffer,
		SubmitTimeout: time.Duration(a.cfg.Ingest.SubmitTimeoutMs) * time.Millisecond,
		SinkTimeout:   time.Duration(a.cfg.Ingest.SinkTimeoutMs) * time.Millisecond,
		Queue:         a.queue,
		Tracker:       a.tracker,
		Logger:        a.logger,
	})
	if err != nil {
		return fmt.Errorf("ingest pipeline init failed: %w", err)
	}

	var cache links.Cache = memorycache.New(a.clock)
	if a.cfg.Cache.Backend == "redis" {
		cache, err = rediscache.New(a.redis, a.cfg.Redis.Prefix)
		if err != nil {
			return fmt.Errorf("redis cache init failed: %w", err)
		}
	}
	res, err := resolver.New(cache, a.stores.links, resolver.Config{TTL: a.cfg.CacheTTL(), LoadTimeout: a.cfg.RedirectTimeout()}, a.logger)
	if err != nil {
		return fmt.Errorf("resolver init failed: %w", err)
	}

	a.apiServer, err = api.NewServer(api.Config{
		Resolver:        res,
		Capturer:        a.pipeline,
		Stream:          a.tracker,
		Clock:           a.clock,
		RedirectTimeout: a.cfg.RedirectTimeout(),
		OriginPatterns:  a.cfg.Server.OriginPatterns,
		Ready:           a.readinessChecks(),
		Logger:          a.logger,
	})
	if err != nil {
		return fmt.Errorf("api server init failed: %w", err)
	}
	return nil
}

func (a *App) readinessChecks() map[string]api.ReadinessCheck {
	checks := make(map[string]api.ReadinessCheck)
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	if a.pool != nil {
		checks["postgres"] = a.pool.Ping
	}
	return checks
}

// Handler exposes the HTTP routes. It is nil until Serve has built them.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Serve runs the HTTP server, the ingest pipeline, the workflow engine and,
// when configured, the in-process click consumer. It blocks until ctx ends
// or SIGINT/SIGTERM arrives and drains the pipeline; callers then Close.
func (a *App) Serve(ctx context.Context) error {
	if err := a.setupAPI(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.resume(ctx)
	// The consumer outlives the signal so the in-memory queue can drain.
	consumerCtx, stopConsumer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsumer()
	consumerDone := a.startConsumer(consumerCtx, a.cfg.Queue.ConsumeInProcess)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.pipeline.Close(shutdownCtx); err != nil {
		a.logger.Warn("ingest pipeline close failed", zap.Error(err))
	}
	if a.memQueue != nil {
		a.memQueue.Close()
		select {
		case <-consumerDone:
		case <-shutdownCtx.Done():
			a.logger.Warn("click queue not drained before shutdown deadline", zap.Int("pending", a.memQueue.Len()))
		}
	}
	stopConsumer()
	<-consumerDone
	return nil
}

// Consume runs only the queue consumer and the evaluation machinery it
// feeds. It blocks until ctx ends or SIGINT/SIGTERM arrives.
func (a *App) Consume(ctx context.Context) error {
	if a.cfg.Queue.Backend == "memory" {
		return errors.New("queue.backend memory cannot be consumed out of process")
	}
	if a.consumer == nil {
		return errors.New("no click consumer configured")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.resume(ctx)
	<-a.startConsumer(ctx, true)
	return nil
}

// Evaluate runs one evaluation synchronously and returns the stored record.
func (a *App) Evaluate(ctx context.Context, req links.EvaluationRequest) (links.Evaluation, error) {
	evaluation, err := a.starter.Evaluate(ctx, req)
	if err != nil {
		return links.Evaluation{}, fmt.Errorf("evaluate %s: %w", req.DestinationURL, err)
	}
	return evaluation, nil
}

func (a *App) resume(ctx context.Context) {
	if !a.cfg.Workflow.ResumeOnStart {
		return
	}
	n, err := a.engine.Resume(ctx)
	if err != nil {
		a.logger.Error("resume workflow runs failed", zap.Error(err))
		return
	}
	a.logger.Info("resumed workflow runs", zap.Int("count", n))
}

// startConsumer runs the consumer until ctx ends. The returned channel is
// closed when it has stopped, or immediately when nothing was started.
func (a *App) startConsumer(ctx context.Context, enabled bool) <-chan struct{} {
	done := make(chan struct{})
	if !enabled || a.consumer == nil {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		a.logger.Info("click consumer started", zap.String("backend", a.cfg.Queue.Backend))
		if err := a.consumer.Run(ctx, a.recorder.Handle); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("click consumer stopped", zap.Error(err))
		}
	}()
	return done
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeActors(ctx)
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeActors(ctx context.Context) {
	if a.scheduler != nil {
		if err := a.scheduler.Close(ctx); err != nil {
			a.logger.Warn("scheduler close failed", zap.Error(err))
		}
	}
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			a.logger.Warn("workflow engine close failed", zap.Error(err))
		}
	}
	if a.tracker != nil {
		if err := a.tracker.Close(ctx); err != nil {
			a.logger.Warn("tracker close failed", zap.Error(err))
		}
	}
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure() {
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pubsubPub != nil {
		a.pubsubPub.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.asynqClient != nil {
		if err := a.asynqClient.Close(); err != nil {
			a.logger.Warn("asynq client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// Migrate applies the Postgres schema.
func Migrate(ctx context.Context, cfg *config.Config) error {
	pool, err := pgstore.Connect(ctx, pgstore.Config{DSN: cfg.Database.DSN})
	if err != nil {
		return err
	}
	defer pool.Close()
	return pgstore.Migrate(ctx, pool)
}
