// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/api"
	"github.com/JakeFAU/sukta/internal/clock/system"
	"github.com/JakeFAU/sukta/internal/config"
	"github.com/JakeFAU/sukta/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/sukta/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/sukta/internal/fetcher/headless"
	"github.com/JakeFAU/sukta/internal/generator/openrouter"
	"github.com/JakeFAU/sukta/internal/hash/sha256"
	"github.com/JakeFAU/sukta/internal/headless/detector"
	"github.com/JakeFAU/sukta/internal/id/uuid"
	"github.com/JakeFAU/sukta/internal/lifecycle"
	"github.com/JakeFAU/sukta/internal/logging"
	"github.com/JakeFAU/sukta/internal/qa"
	memqueue "github.com/JakeFAU/sukta/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/sukta/internal/queue/pubsub"
	redisqueue "github.com/JakeFAU/sukta/internal/queue/redis"
	sqsqueue "github.com/JakeFAU/sukta/internal/queue/sqs"
	"github.com/JakeFAU/sukta/internal/scrape"
	gcsstorage "github.com/JakeFAU/sukta/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sukta/internal/storage/local"
	memorystorage "github.com/JakeFAU/sukta/internal/storage/memory"
	pgstore "github.com/JakeFAU/sukta/internal/storage/postgres"
	"github.com/JakeFAU/sukta/internal/telemetry"
	"github.com/JakeFAU/sukta/internal/worker"
)

// Role selects which halves of the service a process runs.
type Role string

// Supported roles.
const (
	RoleAll    Role = "all"
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
)

func (r Role) serves() bool { return r == RoleAll || r == RoleAPI }
func (r Role) works() bool  { return r == RoleAll || r == RoleWorker }

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	role           Role
	logger         *zap.Logger
	store          qa.Store
	scrapeQueue    qa.Queue
	answerQueue    qa.Queue
	apiServer      *api.Server
	dispatch       *dispatcher.Dispatcher
	headless       *headlessfetcher.Fetcher
	redisClient    *goredis.Client
	pubsubClient   *pubsub.Client
	storage        *storage.Client
	ready          []api.Pinger
	tracerShutdown func(context.Context) error
	metricShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, role Role, logger *zap.Logger) (*App, error) {
	switch role {
	case RoleAll, RoleAPI, RoleWorker:
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
	logger.Info("creating application",
		zap.String("role", string(role)),
		zap.Int("server_port", cfg.Server.Port),
		zap.String("database", cfg.Database.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("archive", cfg.Archive.Backend),
	)
	return &App{
		cfg:    cfg,
		role:   role,
		logger: logger,
	}, nil
}

// Handler exposes the HTTP handler, or nil when the role does not serve.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workersDone := make(chan struct{})
	if a.dispatch != nil {
		go func() {
			defer close(workersDone)
			a.dispatch.Run(ctx)
		}()
	} else {
		close(workersDone)
	}

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
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
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeQueues()
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeQueues() {
	for _, q := range []qa.Queue{a.scrapeQueue, a.answerQueue} {
		if q == nil {
			continue
		}
		if err := q.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies for role. On error every
// resource opened so far is released.
func Build(ctx context.Context, cfg *config.Config, role Role) (app *App, err error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err = NewApp(cfg, role, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	defer func() {
		if err != nil {
			app.closeQueues()
			app.closeInfrastructure()
			app = nil
		}
	}()

	tp, mp, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		return app, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	app.logger.Info("building application dependencies")
	if err = setupStore(ctx, app); err != nil {
		return app, err
	}
	if err = setupQueues(ctx, app); err != nil {
		return app, err
	}

	ids := uuid.New()
	clock := system.New()
	sessions := lifecycle.NewSessionManager(app.store, app.scrapeQueue, ids, clock, cfg.Server.EnqueueTimeout, logger)
	questions := lifecycle.NewQuestionManager(app.store, app.store, app.answerQueue, ids, clock, cfg.Server.EnqueueTimeout, logger)

	if role.works() {
		if app.dispatch, err = setupDispatcher(ctx, app, sessions, questions); err != nil {
			return app, err
		}
	}
	if role.serves() {
		if role == RoleAPI && cfg.Queue.Backend == "memory" {
			app.logger.Warn("api-only process with an in-memory queue: jobs will not reach any worker")
		}
		app.apiServer = api.NewServer(sessions, questions, app.ready, *cfg, logger)
	}
	return app, nil
}

// Migrate creates the postgres tables and indexes, then exits.
func Migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Database.Backend != "postgres" {
		return fmt.Errorf("migrate requires database.backend=postgres, got %q", cfg.Database.Backend)
	}
	store, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema migrated",
		zap.String("sessions_table", cfg.Database.SessionsTable),
		zap.String("questions_table", cfg.Database.QuestionsTable),
	)
	return nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (*pgstore.Store, error) {
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             cfg.Database.DSN,
		SessionsTable:   cfg.Database.SessionsTable,
		QuestionsTable:  cfg.Database.QuestionsTable,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	return store, nil
}

func setupStore(ctx context.Context, app *App) error {
	switch app.cfg.Database.Backend {
	case "postgres":
		store, err := openPostgres(ctx, app.cfg)
		if err != nil {
			return err
		}
		app.store = store
		if app.cfg.Database.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("auto migrate failed: %w", err)
			}
			app.logger.Info("schema migrated")
		}
		app.logger.Info("using postgres store",
			zap.String("sessions_table", app.cfg.Database.SessionsTable),
			zap.String("questions_table", app.cfg.Database.QuestionsTable),
		)
	default:
		app.logger.Info("using in-memory store")
		app.store = memorystorage.NewStore()
	}
	app.ready = append(app.ready, app.store)
	return nil
}

func setupQueues(ctx context.Context, app *App) error {
	qcfg := app.cfg.Queue
	var err error
	switch qcfg.Backend {
	case "redis":
		app.redisClient, err = redisqueue.NewClient(redisqueue.ClientOptions{
			URL:      qcfg.Redis.URL,
			Addr:     qcfg.Redis.Addr(),
			Password: qcfg.Redis.Password,
			DB:       qcfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis client init failed: %w", err)
		}
		scrapeQ, err := newRedisQueue(ctx, app, qcfg.ScrapeName)
		if err != nil {
			return err
		}
		answerQ, err := newRedisQueue(ctx, app, qcfg.AnswerName)
		if err != nil {
			return err
		}
		app.scrapeQueue, app.answerQueue = scrapeQ, answerQ
		app.ready = append(app.ready, scrapeQ)
	case "pubsub":
		app.pubsubClient, err = pubsub.NewClient(ctx, qcfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		scrapeQ, err := newPubSubQueue(app, qcfg.ScrapeName)
		if err != nil {
			return err
		}
		app.scrapeQueue = scrapeQ
		answerQ, err := newPubSubQueue(app, qcfg.AnswerName)
		if err != nil {
			return err
		}
		app.answerQueue = answerQ
	case "sqs":
		client, err := sqsqueue.NewClient(ctx, qcfg.SQS.Region)
		if err != nil {
			return fmt.Errorf("sqs client init failed: %w", err)
		}
		sqsCfg := sqsqueue.Config{
			WaitSeconds:       qcfg.SQS.WaitSeconds,
			VisibilityTimeout: int32(qcfg.SQS.VisibilityTimeout / time.Second),
		}
		sqsCfg.QueueURL = qcfg.SQS.ScrapeQueueURL
		scrapeQ, err := sqsqueue.New(client, sqsCfg, app.logger)
		if err != nil {
			return fmt.Errorf("sqs scrape queue init failed: %w", err)
		}
		sqsCfg.QueueURL = qcfg.SQS.AnswerQueueURL
		answerQ, err := sqsqueue.New(client, sqsCfg, app.logger)
		if err != nil {
			return fmt.Errorf("sqs answer queue init failed: %w", err)
		}
		app.scrapeQueue, app.answerQueue = scrapeQ, answerQ
	default:
		app.scrapeQueue = memqueue.NewQueue(qcfg.Capacity)
		app.answerQueue = memqueue.NewQueue(qcfg.Capacity)
	}
	app.logger.Info("job queues ready",
		zap.String("backend", qcfg.Backend),
		zap.String("scrape", qcfg.ScrapeName),
		zap.String("answer", qcfg.AnswerName),
	)
	return nil
}

func newRedisQueue(ctx context.Context, app *App, name string) (*redisqueue.Queue, error) {
	q, err := redisqueue.New(app.redisClient, redisqueue.Config{
		Name:         name,
		BlockTimeout: app.cfg.Queue.Redis.BlockTimeout,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("redis queue %s init failed: %w", name, err)
	}
	if app.role.works() && app.cfg.Queue.Redis.RecoverOnBoot {
		n, err := q.Recover(ctx)
		if err != nil {
			return nil, fmt.Errorf("redis queue %s recover failed: %w", name, err)
		}
		app.logger.Info("requeued in-flight jobs", zap.String("queue", name), zap.Int("count", n))
	}
	return q, nil
}

func newPubSubQueue(app *App, topic string) (*pubsubqueue.Queue, error) {
	cfg := pubsubqueue.Config{
		Topic:          topic,
		MaxOutstanding: app.cfg.Queue.PubSub.MaxOutstanding,
	}
	if app.role.works() {
		cfg.Subscription = topic + "-worker"
	}
	q, err := pubsubqueue.New(app.pubsubClient, cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub queue %s init failed: %w", topic, err)
	}
	return q, nil
}

func setupArchive(ctx context.Context, app *App) (*worker.Archive, error) {
	var blobs qa.BlobStore
	switch app.cfg.Archive.Backend {
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		blobs = store
		app.logger.Info("archiving snapshots to gcs", zap.String("bucket", app.cfg.Archive.Bucket))
	case "local":
		store, err := localstorage.New(app.cfg.Archive.Dir)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = store
		app.logger.Info("archiving snapshots to disk", zap.String("dir", app.cfg.Archive.Dir))
	case "memory":
		blobs = memorystorage.NewBlobStore()
		app.logger.Info("archiving snapshots in memory")
	default:
		app.logger.Info("snapshot archive disabled")
		return nil, nil
	}
	return &worker.Archive{
		Blobs:       blobs,
		Hasher:      sha256.New(),
		Prefix:      app.cfg.Archive.Prefix,
		ContentType: app.cfg.Archive.ContentType,
	}, nil
}

func setupFetcher(app *App) (qa.ContentFetcher, error) {
	mode, err := scrape.ParseMode(app.cfg.Fetch.Extraction)
	if err != nil {
		return nil, err
	}
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:   app.cfg.Fetch.UserAgent,
		Timeout:     app.cfg.Fetch.Timeout,
		MaxBodySize: app.cfg.Fetch.MaxBodyBytes,
	})
	app.logger.Info("using colly probe fetcher", zap.String("extraction", string(mode)))

	var (
		headless qa.PageFetcher
		promoter scrape.Promoter
	)
	if app.cfg.Headless.Enabled {
		fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       app.cfg.Headless.MaxParallel,
			UserAgent:         app.cfg.Fetch.UserAgent,
			NavigationTimeout: app.cfg.Headless.NavTimeout,
			SettleDelay:       app.cfg.Headless.SettleDelay,
		})
		if err != nil {
			app.logger.Warn("headless fetcher init failed; continuing without it", zap.Error(err))
		} else {
			app.headless = fetcher
			headless = fetcher
			promoter = detector.NewHeuristic(app.cfg.Headless.MinTextChars)
			app.logger.Info("using headless fetcher", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
		}
	}
	extractor := scrape.NewExtractor(mode, app.cfg.Fetch.MaxChars)
	return scrape.NewPipeline(probe, headless, promoter, extractor, app.logger), nil
}

func setupDispatcher(
	ctx context.Context,
	app *App,
	sessions *lifecycle.SessionManager,
	questions *lifecycle.QuestionManager,
) (*dispatcher.Dispatcher, error) {
	generator, err := openrouter.New(openrouter.Config{
		APIKey:      app.cfg.Generator.APIKey,
		BaseURL:     app.cfg.Generator.BaseURL,
		Model:       app.cfg.Generator.Model,
		MaxTokens:   app.cfg.Generator.MaxTokens,
		Temperature: app.cfg.Generator.Temperature,
		Timeout:     app.cfg.Generator.Timeout,
		MaxRetries:  app.cfg.Generator.MaxRetries,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("generator init failed: %w", err)
	}
	fetcher, err := setupFetcher(app)
	if err != nil {
		return nil, err
	}
	archive, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}

	wcfg := app.cfg.Worker
	base := worker.Config{
		JobTimeout:   wcfg.JobTimeout,
		WriteTimeout: wcfg.WriteTimeout,
		MaxAttempts:  wcfg.MaxAttempts,
	}
	app.logger.Info("worker config",
		zap.Int("scrape_concurrency", wcfg.ScrapeConcurrency),
		zap.Int("answer_concurrency", wcfg.AnswerConcurrency),
		zap.Duration("job_timeout", wcfg.JobTimeout),
		zap.Duration("fetch_timeout", app.cfg.Fetch.Timeout),
		zap.Duration("generator_timeout", app.cfg.Generator.Timeout),
		zap.Int("max_attempts", wcfg.MaxAttempts),
	)

	scrapeWorkers := dispatcher.Pool(wcfg.ScrapeConcurrency, func(i int) *worker.Worker {
		cfg := base
		cfg.Name = fmt.Sprintf("scrape-%d", i)
		cfg.CallTimeout = app.cfg.Fetch.Timeout
		return worker.NewScrapeWorker(app.scrapeQueue, sessions, fetcher, archive, cfg, app.logger)
	})
	answerWorkers := dispatcher.Pool(wcfg.AnswerConcurrency, func(i int) *worker.Worker {
		cfg := base
		cfg.Name = fmt.Sprintf("answer-%d", i)
		cfg.CallTimeout = app.cfg.Generator.Timeout
		return worker.NewAnswerWorker(app.answerQueue, questions, generator, cfg, app.logger)
	})
	return dispatcher.New(app.logger, append(scrapeWorkers, answerWorkers...)...), nil
}
