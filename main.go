package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/answerflow-ai/answerflow/internal/activities"
	"github.com/answerflow-ai/answerflow/internal/config"
	"github.com/answerflow-ai/answerflow/internal/db"
	"github.com/answerflow-ai/answerflow/internal/eventlog"
	"github.com/answerflow-ai/answerflow/internal/health"
	"github.com/answerflow-ai/answerflow/internal/httpapi"
	"github.com/answerflow-ai/answerflow/internal/llm"
	"github.com/answerflow-ai/answerflow/internal/sendqueue"
	"github.com/answerflow-ai/answerflow/internal/session"
	"github.com/answerflow-ai/answerflow/internal/streaming"
	"github.com/answerflow-ai/answerflow/internal/tokens"
	"github.com/answerflow-ai/answerflow/internal/tools"
	"github.com/answerflow-ai/answerflow/internal/workflows"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("orchestrator exited", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfgMgr := config.NewManager(cfg, configPath, logger)
	if err := cfgMgr.Watch(); err != nil {
		logger.Warn("config hot reload unavailable", zap.Error(err))
	}
	defer cfgMgr.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	dbClient, err := db.NewClient(&db.Config{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbClient.Close()

	events := eventlog.NewStore(rdb, cfg.Workflow.EventLogTTL, logger)
	stream := streaming.NewManager(cfg.Workflow.StreamRingCapacity)
	history := session.NewStore(rdb, 0, 0, logger)
	tokenMgr := tokens.NewManager(dbClient, logger)
	signer := tokens.NewJWTSigner(cfg.Workflow.SigningKey, cfg.Workflow.TokenTTL)

	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Timeout, logger)
	searcher := tools.NewSerperClient(cfg.Search.APIKey, cfg.Search.BaseURL,
		cfg.Search.Country, cfg.Search.Locale, logger)
	scraper := tools.NewReadabilityScraper(0, logger)

	acts := activities.New(activities.Deps{
		LLM:      llmClient,
		Searcher: searcher,
		Scraper:  scraper,
		Events:   events,
		Stream:   stream,
		Tokens:   tokenMgr,
		Signer:   signer,
		DB:       dbClient,
		History:  history,
		Logger:   logger,
	})

	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("connect temporal: %w", err)
	}
	defer temporalClient.Close()

	w := worker.New(temporalClient, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.AnswerWorkflow)
	w.RegisterActivity(acts)
	if err := w.Start(); err != nil {
		return fmt.Errorf("start temporal worker: %w", err)
	}
	defer w.Stop()

	healthMgr := health.NewManager(5*time.Second, logger)
	healthMgr.Register(health.NewRedisChecker(rdb))
	healthMgr.Register(health.NewDBChecker(dbClient))

	mux := http.NewServeMux()
	healthMgr.RegisterRoutes(mux)
	httpapi.NewStreamingHandler(stream, events, logger).RegisterRoutes(mux)
	httpapi.NewWorkflowHandler(
		httpapi.NewTemporalRunner(temporalClient, cfg.Temporal.TaskQueue),
		sendqueue.New(logger), stream, events, cfgMgr, logger,
	).RegisterRoutes(mux)

	apiSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("api server listening", zap.Int("port", cfg.HTTP.Port))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("metrics server listening", zap.Int("port", cfg.Observability.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown incomplete", zap.Error(err))
	}
	return nil
}
