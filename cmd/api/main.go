package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basemirror/basemirror-api/config"
	"github.com/basemirror/basemirror-api/internal/cache"
	"github.com/basemirror/basemirror-api/internal/handlers"
	"github.com/basemirror/basemirror-api/internal/metastore"
	"github.com/basemirror/basemirror-api/internal/middleware"
	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/basemirror/basemirror-api/internal/pipeline"
	"github.com/basemirror/basemirror-api/internal/scheduler"
	"github.com/basemirror/basemirror-api/internal/slotstore"
	"github.com/basemirror/basemirror-api/internal/syncengine"
	"github.com/basemirror/basemirror-api/internal/worker"
	"github.com/basemirror/basemirror-api/pkg/airtable"
	"github.com/basemirror/basemirror-api/pkg/db"
	"github.com/basemirror/basemirror-api/pkg/httpclient"
	"github.com/basemirror/basemirror-api/pkg/jwt"
	"github.com/basemirror/basemirror-api/pkg/logger"
	"github.com/basemirror/basemirror-api/pkg/metrics"
	"github.com/basemirror/basemirror-api/pkg/objstore"
	"github.com/basemirror/basemirror-api/pkg/profiling"
	"github.com/basemirror/basemirror-api/pkg/tracing"
	"github.com/basemirror/basemirror-api/pkg/trigger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// registerRoutes wires the HTTP surface: the webhook entry point, internal
// sync operations, and the read API over the active slot.
func registerRoutes(
	router *gin.Engine,
	cfg *config.Config,
	generalRateLimiter, webhookRateLimiter *middleware.RateLimiter,
	webhookHandler *handlers.WebhookHandler,
	syncHandler *handlers.SyncHandler,
	recordsHandler *handlers.RecordsHandler,
	healthHandler *handlers.HealthHandler,
	tokenManager *jwt.TokenManager,
) {
	api := router.Group("/api")
	api.GET("/healthcheck", generalRateLimiter.Middleware(), healthHandler.Healthcheck)
	api.GET("/metrics", generalRateLimiter.Middleware(), gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")

	// Webhook entry point. The pipeline enforces its own signature, freshness
	// and rate checks; the HTTP limiter only sheds floods before body reads.
	v1.POST("/webhook/airtable",
		webhookRateLimiter.Middleware(),
		middleware.BodySizeLimitMiddleware(cfg.Webhook.MaxBodyBytes),
		webhookHandler.HandleChangeNotification)

	// Internal sync operations behind the ops JWT
	if tokenManager != nil {
		internal := v1.Group("/internal")
		internal.Use(middleware.OpsAuthMiddleware(tokenManager))
		internal.POST("/refresh", generalRateLimiter.Middleware(), middleware.BodySizeLimitMiddleware(1*1024*1024), syncHandler.TriggerRefresh)
		internal.GET("/sync/status", generalRateLimiter.Middleware(), syncHandler.SyncStatus)
	} else {
		logger.Warn("Internal sync routes disabled: OPS_JWT_SECRET not configured")
	}

	// Read API over the active slot
	readTokens := []string{cfg.Auth.ReadAPIToken, cfg.Auth.ReadAPITokenAlt}
	tables := v1.Group("/tables")
	tables.Use(generalRateLimiter.Middleware(), middleware.TokenAuthMiddleware(readTokens...))
	tables.GET("/:table/records", recordsHandler.ListRecords)
	tables.GET("/:table/records/:id", recordsHandler.GetRecord)
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	err = logger.Initialize(logger.Config{
		Level:       cfg.Logging.Level,
		LogDir:      cfg.Logging.Dir,
		Environment: cfg.Server.AppEnv,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting BaseMirror API",
		zap.String("version", cfg.Observability.ServiceVersion),
		zap.String("environment", cfg.Server.AppEnv),
		zap.String("sync_mode", cfg.Sync.Mode),
	)

	// Initialize distributed tracing
	tracerShutdown, err := tracing.InitTracer(
		cfg.Observability.ServiceName,
		cfg.Observability.ServiceNamespace,
		cfg.Observability.ServiceVersion,
		cfg.Observability.ServiceInstanceID,
		cfg.Server.AppEnv,
		cfg.Observability.OTLPEndpoint,
	)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tracerShutdown(ctx); shutdownErr != nil {
			logger.Error("Failed to shutdown tracer", zap.Error(shutdownErr))
		}
	}()

	// Initialize continuous profiling when enabled
	if cfg.Profiling.Enabled {
		stopProfiler, err := profiling.InitProfiler(
			cfg.Profiling,
			cfg.Observability.ServiceName,
			cfg.Observability.ServiceNamespace,
			cfg.Observability.ServiceVersion,
			cfg.Observability.ServiceInstanceID,
			cfg.Server.AppEnv,
		)
		if err != nil {
			logger.Error("Failed to initialize profiler", zap.Error(err))
		} else {
			defer stopProfiler()
		}
	}

	metrics.Init()
	metrics.RecordInfrastructureMetrics()

	// Initialize PostgreSQL connection pool
	pool, err := db.NewPool(context.Background(), db.PoolConfig{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		logger.Fatal("Failed to initialize database connection pool", zap.Error(err))
	}
	defer db.Close(pool)

	// NOTE: Database migrations are run separately via the migrate command

	// Metadata store resolves the active slot pointer
	metaStore := metastore.New(pool)
	if err := metaStore.Init(context.Background()); err != nil {
		logger.Fatal("Failed to load active slot pointer", zap.Error(err))
	}

	slotStore := slotstore.New(pool)

	// Upstream client
	upstream, err := airtable.NewClient(cfg.Upstream.APIKey, cfg.Upstream.BaseID, cfg.Upstream.WorkOffline)
	if err != nil {
		logger.Fatal("Failed to initialize upstream client", zap.Error(err))
	}

	// Read path: cached or direct
	var reader interface {
		handlers.RecordReader
		Invalidate()
	}
	if cfg.Cache.DisableRecordCache {
		logger.Warn("Record cache is DISABLED - reading from the active slot on every request")
		reader = cache.NewPassthroughReader(slotStore, metaStore)
	} else {
		reader = cache.NewRecordCache(slotStore, metaStore, cfg.Cache.RecordTTLSeconds)
	}

	// Sync engine and worker
	engine := syncengine.NewEngine(upstream, slotStore, metaStore, cfg.Sync.Tables).
		WithInvalidator(reader)

	if cfg.Snapshot.AccessKeyID != "" && cfg.Snapshot.SecretAccessKey != "" {
		archiver, err := objstore.NewSnapshotArchiver(
			cfg.Snapshot.AccessKeyID,
			cfg.Snapshot.SecretAccessKey,
			cfg.Snapshot.BucketName,
			cfg.Snapshot.Endpoint,
			cfg.Snapshot.Region,
		)
		if err != nil {
			logger.Fatal("Failed to initialize snapshot archiver", zap.Error(err))
		}
		engine.WithArchiver(archiver)
	}

	syncWorker := worker.NewWorker(engine, cfg.Sync.QueueSize)
	syncWorker.Start()

	// Notify downstream consumers when a manual or scheduled cycle lands
	httpClient := httpclient.NewStandardClient()
	dispatcher := newNotifyingDispatcher(syncWorker, cfg.Downstream.RefreshCompletedTriggerURL, httpClient)

	// Initial rebuild before the healthcheck reports ready
	mirrorReady := cfg.Sync.Mode == config.SyncModeManual || !cfg.Sync.InitialRebuild
	var initialResult *worker.Result
	if !mirrorReady {
		initialResult, err = dispatcher.TriggerFullRebuild(context.Background())
		if err != nil {
			logger.Fatal("Failed to queue initial rebuild", zap.Error(err))
		}
	}

	// Scheduler drives periodic and failsafe rebuilds
	sched := scheduler.NewScheduler(dispatcher, cfg.Sync.Mode, cfg.Sync.PeriodicInterval, cfg.Sync.FailsafeInterval)
	sched.Start()
	defer sched.Stop()

	// Notification pipeline
	notificationPipeline := pipeline.NewPipeline(
		metaStore,
		metaStore,
		dispatcher,
		cfg.Webhook.FreshnessWindow,
		cfg.Webhook.RateLimitInterval,
	)

	// Ops JWT
	var tokenManager *jwt.TokenManager
	if cfg.Auth.OpsJWTSecret != "" {
		tokenManager = jwt.NewTokenManager(cfg.Auth.OpsJWTSecret, cfg.Auth.OpsJWTIssuer, cfg.Auth.OpsTokenTTLHours)
	}

	// Handlers
	webhookHandler := handlers.NewWebhookHandler(notificationPipeline, cfg.Webhook.SignatureHeader)
	syncHandler := handlers.NewSyncHandler(dispatcher, metaStore, cfg.Sync.Mode)
	recordsHandler := handlers.NewRecordsHandler(reader)

	initialDone := make(chan struct{})
	if initialResult == nil {
		close(initialDone)
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := initialResult.Wait(ctx); err != nil {
				logger.Error("Initial rebuild failed; mirror stays unavailable until the next cycle succeeds", zap.Error(err))
				return
			}
			close(initialDone)
		}()
	}
	mirrorReadyFunc := func() bool {
		select {
		case <-initialDone:
			return true
		default:
			return false
		}
	}

	healthHandler := handlers.NewHealthHandler(pool.Ping, syncWorker.Ready, mirrorReadyFunc)

	// Set up Gin router
	gin.SetMode(cfg.Server.GinMode)
	router := gin.New()
	handlers.RegisterValidators()

	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Observability.ServiceName))
	router.Use(middleware.ObservabilityMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())

	allowedOrigins := cfg.Server.AllowedOrigins
	if cfg.IsDevelopment() {
		allowedOrigins = append(allowedOrigins, "http://localhost:3000", "http://127.0.0.1:3000")
	}

	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "x-mirror-api-auth-token", cfg.Webhook.SignatureHeader, "traceparent", "tracestate"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	generalRateLimiter := middleware.NewRateLimiter(100, 200) // 100 req/sec, burst of 200
	webhookRateLimiter := middleware.NewRateLimiter(10, 20)   // floods die here, precise gating in the pipeline
	defer generalRateLimiter.Stop()
	defer webhookRateLimiter.Stop()

	registerRoutes(router, cfg, generalRateLimiter, webhookRateLimiter,
		webhookHandler, syncHandler, recordsHandler, healthHandler, tokenManager)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info("Server started", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	sched.Stop()
	if err := syncWorker.Stop(ctx); err != nil {
		logger.Error("Sync worker forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// notifyingDispatcher decorates the worker with a fire-and-forget downstream
// trigger once a queued cycle completes.
type notifyingDispatcher struct {
	*worker.Worker
	triggerURL string
	httpClient httpclient.Client
}

func newNotifyingDispatcher(w *worker.Worker, triggerURL string, client httpclient.Client) *notifyingDispatcher {
	return &notifyingDispatcher{Worker: w, triggerURL: triggerURL, httpClient: client}
}

func (d *notifyingDispatcher) TriggerFullRebuild(ctx context.Context) (*worker.Result, error) {
	result, err := d.Worker.TriggerFullRebuild(ctx)
	if err == nil {
		d.notifyWhenDone(result)
	}
	return result, err
}

func (d *notifyingDispatcher) TriggerIncremental(ctx context.Context, mutations []*models.RecordMutation) (*worker.Result, error) {
	result, err := d.Worker.TriggerIncremental(ctx, mutations)
	if err == nil {
		d.notifyWhenDone(result)
	}
	return result, err
}

func (d *notifyingDispatcher) notifyWhenDone(result *worker.Result) {
	if d.triggerURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		if err := result.Wait(ctx); err != nil {
			return
		}
		trigger.CallAsync(d.triggerURL, result.CycleID, d.httpClient)
	}()
}
