// Package main is the API server entry point: it wires every domain
// package behind the REST surface (C14) and the background scheduler
// (C10/C11), then serves until asked to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opslens/sentinel/infrastructure/middleware"
	slmetrics "github.com/opslens/sentinel/infrastructure/metrics"
	"github.com/opslens/sentinel/infrastructure/service"
	"github.com/opslens/sentinel/internal/cluster"
	"github.com/opslens/sentinel/internal/codeindex"
	"github.com/opslens/sentinel/internal/config"
	"github.com/opslens/sentinel/internal/domain"
	"github.com/opslens/sentinel/internal/embed"
	"github.com/opslens/sentinel/internal/httpapi"
	"github.com/opslens/sentinel/internal/ingest"
	"github.com/opslens/sentinel/internal/llm"
	"github.com/opslens/sentinel/internal/notify"
	"github.com/opslens/sentinel/internal/processor"
	"github.com/opslens/sentinel/internal/rca"
	"github.com/opslens/sentinel/internal/scheduler"
	"github.com/opslens/sentinel/internal/storage"
	"github.com/opslens/sentinel/internal/vectorstore"
	"github.com/opslens/sentinel/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"})

	store, err := storage.Open(cfg.DatabaseURL, cfg.DBMaxConnections, cfg.DBIdleTimeout)
	if err != nil {
		log.WithError(err).Fatal("open relational storage")
	}
	defer store.Close()

	ctx := context.Background()
	vectors, err := vectorstore.Open(ctx, cfg.VectorDBURL)
	if err != nil {
		log.WithError(err).Fatal("open vector store")
	}

	llmClient, err := llm.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("construct llm provider")
	}

	embedder := buildEmbedder(cfg)
	notifier := notify.New(cfg.GChatWebhookURL, log)
	clusterer := cluster.New(store.Clusters())
	rcaEngine := rca.New(store.Clusters(), store.CodeBlocks(), store.RCAResults(), vectors, embedder, llmClient)
	trigger := codeindex.NewTrigger(store.Services(), store.CodeBlocks(), vectors, embedder)

	proc := processor.New(
		clusterer,
		notifyAdapter{client: notifier},
		rcaTriggerAdapter{engine: rcaEngine, enabled: cfg.EnableLLMAnalysis, log: log},
		processor.Config{ErrorLevels: cfg.ProcessingLogLevels},
		log,
	)

	dedup := buildDeduper(cfg)
	ingestEndpoint := ingest.NewWithDeduper(ingest.Config{
		BatchSizeLimit:    cfg.FluentBitBatchSizeLimit,
		RateLimitCapacity: cfg.FluentBitRateLimit,
		DedupWindow:       time.Duration(cfg.FluentBitDedupWindowSecs) * time.Second,
	}, dedup)

	api := httpapi.New(httpapi.Config{
		Clusters:     clusterer,
		RCAResults:   store.RCAResults(),
		RCAGenerator: rcaEngine,
		CodeIndex:    trigger,
		Ingestor:     ingestEndpoint,
		Processor:    proc,
		IngestToken:  cfg.FluentBitAPIToken,
		Log:          log,
	})

	schedulerSvc := runScheduler(store, rcaEngine, cfg, log)

	router := buildRouter(api, cfg, log, store, vectors, schedulerSvc)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.WithField("port", cfg.HTTPPort).Info("api server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown")
	}
}

func buildEmbedder(cfg *config.Config) embed.Embedder {
	if cfg.LLMProvider == "openai" && cfg.LLMAPIKey != "" {
		return embed.NewOpenAIEmbedder(cfg.LLMAPIKey, "")
	}
	return embed.NewDeterministicEmbedder(0)
}

func buildDeduper(cfg *config.Config) ingest.Deduper {
	if cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil
	}
	client := redis.NewClient(opts)
	return ingest.NewRedisDeduper(client, time.Duration(cfg.FluentBitDedupWindowSecs)*time.Second)
}

// runScheduler wires the periodic log-fetch/RCA-generation tick behind a
// BaseService so it gets the same start/stop and health-check shape as
// every other long-running component, instead of a standalone goroutine.
func runScheduler(store *storage.Store, rcaEngine *rca.Engine, cfg *config.Config, log *logger.Logger) *service.BaseService {
	logFetch := func(ctx context.Context, svc domain.Service) (map[string]any, error) {
		return nil, fmt.Errorf("no log-source fetch backend configured for service %s", svc.ServiceID)
	}

	rcaGenerate := func(ctx context.Context, svc domain.Service) (map[string]any, error) {
		clusters, err := store.Clusters().List(ctx, "active", svc.ServiceID, "", "")
		if err != nil {
			return nil, err
		}
		generated := 0
		for _, cl := range clusters {
			if cl.HasRCA {
				continue
			}
			if _, err := rcaEngine.AnalyzeCluster(ctx, cl.ClusterID); err != nil {
				return map[string]any{"generated": generated}, err
			}
			generated++
		}
		return map[string]any{"generated": generated}, nil
	}

	sched := scheduler.New(store.Services(), store.LogSources(), store.Tasks(), logFetch, rcaGenerate, 4, log)

	interval := cfg.LogFetchInterval
	if interval <= 0 {
		interval = time.Minute
	}

	svc := service.NewBase(service.BaseConfig{ID: "scheduler", Name: "scheduler", DB: store, Logger: log}).
		AddTickerWorker(interval, sched.Tick, service.WithTickerWorkerName("scheduler-tick"))

	if err := svc.Start(context.Background()); err != nil {
		log.WithError(err).Fatal("start scheduler service")
	}
	return svc
}

func buildRouter(api *httpapi.API, cfg *config.Config, log *logger.Logger, store *storage.Store, vectors *vectorstore.Store, scheduler *service.BaseService) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.LoggingMiddleware(log))
	router.Use(middleware.NewRecoveryMiddleware(log).Handler)

	if slmetrics.Enabled() {
		m := slmetrics.Init("sentinel-api")
		router.Use(middleware.MetricsMiddleware("sentinel-api", m))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAgeSeconds:    3600,
	}).Handler)

	router.Use(middleware.NewBodyLimitMiddleware(10 << 20).Handler)

	health := middleware.NewHealthChecker("sentinel-api")
	health.RegisterCheck("database", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return store.HealthCheck(ctx)
	})
	health.RegisterCheck("vector_store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return vectors.HealthCheck(ctx)
	})
	health.RegisterCheck("scheduler", func() error {
		if scheduler.HealthStatus() != "healthy" {
			return fmt.Errorf("scheduler unhealthy")
		}
		return nil
	})
	router.Handle("/health", health.Handler()).Methods(http.MethodGet)
	router.Handle("/ready", health.Handler()).Methods(http.MethodGet)

	var ingestMiddleware mux.MiddlewareFunc
	if cfg.RateLimitEnabled {
		rl := middleware.NewRateLimiterWithWindow(cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RateLimitRequests, log)
		ingestMiddleware = rl.Handler
	}

	api.Routes(router, ingestMiddleware)
	return router
}

// notifyAdapter adapts notify.Client to processor.Notifier's any-typed
// payload contract: the processor is decoupled from the concrete alert
// channel, so it hands over a domain.ExceptionCluster and this is the
// only place that knows how to render one as a chat message.
type notifyAdapter struct{ client *notify.Client }

func (n notifyAdapter) Notify(ctx context.Context, payload any) {
	cl, ok := payload.(domain.ExceptionCluster)
	if !ok {
		return
	}
	text := fmt.Sprintf("[%s] %s x%d in service %s", cl.ErrorCategory, cl.ExceptionMessage, cl.ClusterSize, cl.ServiceID)
	n.client.Notify(ctx, notify.Payload{Text: text})
}

// rcaTriggerAdapter adapts rca.Engine to processor.RCATrigger, running
// analysis in the background so a slow LLM call never blocks the
// ingestion batch that triggered it.
type rcaTriggerAdapter struct {
	engine  *rca.Engine
	enabled bool
	log     *logger.Logger
}

func (a rcaTriggerAdapter) TriggerRCA(ctx context.Context, clusterID string) {
	if !a.enabled {
		return
	}
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := a.engine.AnalyzeCluster(bgCtx, clusterID); err != nil {
			a.log.WithError(err).WithField("cluster_id", clusterID).Error("background rca generation")
		}
	}()
}
