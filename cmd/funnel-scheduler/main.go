// Funnel Scheduler — запускает schedule-flows по расписанию.
//
// Работает только лидер (pg advisory lock): реплики ждут своей очереди.
// Каждое срабатывание записывает schedule-событие на контакт аудитории.
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

	"github.com/shaiso/Funnel/internal/config"
	"github.com/shaiso/Funnel/internal/crm"
	"github.com/shaiso/Funnel/internal/mq"
	"github.com/shaiso/Funnel/internal/repo"
	"github.com/shaiso/Funnel/internal/scheduler"
	"github.com/shaiso/Funnel/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting funnel-scheduler")

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

	scfg := scheduler.Config{
		Flows:     repo.NewFlowRepo(pool),
		Schedules: repo.NewScheduleRepo(pool),
		Events:    repo.NewEventRepo(pool),
		Audience:  crm.New(cfg.CRMURL, cfg.CRMToken, cfg.HTTPTimeout),
		BatchSize: cfg.BatchSize,
		Logger:    logger,
	}

	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, schedule events will be picked up by polling", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		scfg.Publisher = mq.NewPublisher(mqConn, logger)
		logger.Info("RabbitMQ connected")
	}

	sched := scheduler.New(scfg)
	leader := scheduler.NewPgLeader(pool, scheduler.LockKey)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx, cfg.SchedulerInterval, leader)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := config.Addr(cfg.SchedPort)
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
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	logger.Info("funnel-scheduler stopped")
}
