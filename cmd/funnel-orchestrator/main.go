// Funnel Orchestrator — выполняет automation flows.
//
// Orchestrator:
//   - Получает event.pending из RabbitMQ (fallback — polling PENDING событий)
//   - Сопоставляет события с триггерами и создаёт executions
//   - Выполняет узлы графа через интерпретатор
//   - Продолжает executions после delay, retry и падений процесса
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Funnel/internal/cache"
	"github.com/shaiso/Funnel/internal/config"
	"github.com/shaiso/Funnel/internal/crm"
	"github.com/shaiso/Funnel/internal/engine"
	"github.com/shaiso/Funnel/internal/gateway"
	"github.com/shaiso/Funnel/internal/mq"
	"github.com/shaiso/Funnel/internal/orchestrator"
	"github.com/shaiso/Funnel/internal/repo"
	"github.com/shaiso/Funnel/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting funnel-orchestrator")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := repo.Migrate(ctx, pool); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	flowRepo := repo.NewFlowRepo(pool)

	// Кэш графов необязателен
	var graphCache *cache.GraphCache
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis not available, graph cache disabled", "error", err)
		} else {
			defer rdb.Close()
			graphCache = cache.New(rdb, cache.WithTTL(cfg.GraphCacheTTL))
			logger.Info("redis connected")
		}
	}

	var mqConn *mq.Connection
	mqConn, err = mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
	}

	crmClient := crm.New(cfg.CRMURL, cfg.CRMToken, cfg.HTTPTimeout)
	gatewayClient := gateway.New(cfg.GatewayURL, cfg.GatewayToken, cfg.HTTPTimeout)

	orch := orchestrator.New(orchestrator.Config{
		Flows:          flowRepo,
		Executions:     repo.NewExecutionRepo(pool),
		Events:         repo.NewEventRepo(pool),
		Graphs:         cache.NewLoader(flowRepo, graphCache, logger),
		Interpreter:    engine.NewInterpreter(gatewayClient, crmClient),
		Contacts:       crmClient,
		Conn:           mqConn,
		PollInterval:   cfg.PollInterval,
		ResumeInterval: cfg.ResumeInterval,
		BatchSize:      cfg.BatchSize,
		MaxAttempts:    cfg.MaxAttempts,
		RunningLease:   cfg.RunningLease,
		Logger:         logger,
	})

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if orch.IsStopped() {
			http.Error(w, "stopping", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := config.Addr(cfg.OrchPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	orch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	logger.Info("funnel-orchestrator stopped")
}
