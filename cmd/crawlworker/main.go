// Package main runs one crawl worker process: it subscribes to its
// tier's task streams, executes crawl tasks against the upstream market
// APIs, and serves the admin HTTP endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/quantfeed/market-crawler/internal/api"
	"github.com/quantfeed/market-crawler/internal/broker"
	"github.com/quantfeed/market-crawler/internal/config"
	"github.com/quantfeed/market-crawler/internal/executor"
	"github.com/quantfeed/market-crawler/internal/fetch"
	"github.com/quantfeed/market-crawler/internal/gate"
	"github.com/quantfeed/market-crawler/internal/logging"
	"github.com/quantfeed/market-crawler/internal/metrics"
	"github.com/quantfeed/market-crawler/internal/provider"
	"github.com/quantfeed/market-crawler/internal/resource"
	"github.com/quantfeed/market-crawler/internal/supervisor"
)

// Exit codes: 0 clean drain, 1 forced drain, 2 startup failure.
const (
	exitClean  = 0
	exitForced = 1
	exitFatal  = 2
)

const registerInterval = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Local development convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return exitFatal
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level, cfg.Worker.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return exitFatal
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	metrics.Init()

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := broker.New(signalCtx, cfg.BrokerAddr(), cfg.Dragonfly.Password, cfg.Dragonfly.DB)
	if err != nil {
		logger.Error("broker unreachable", zap.String("addr", cfg.BrokerAddr()), zap.Error(err))
		return exitFatal
	}
	defer client.Close() //nolint:errcheck

	tier := cfg.Tier()
	logger.Info("crawl worker starting",
		zap.String("priority_level", string(tier)),
		zap.Strings("queues", tier.Queues()),
		zap.Int("max_concurrent_tasks", cfg.Worker.MaxConcurrentTasks),
		zap.Int("port", cfg.Server.Port))

	g, err := gate.New(cfg.Worker.NoProxyPermits, cfg.Worker.ProxyPermits)
	if err != nil {
		logger.Error("gate init failed", zap.Error(err))
		return exitFatal
	}

	pipeline := executor.New(
		logger.Named("executor"),
		provider.NewRouter(),
		resource.NewCache(client, logger.Named("resource")),
		fetch.NewExecutor(logger.Named("fetch")),
		g,
		executor.Options{
			WorkerID:     cfg.Worker.ID,
			InjectCookie: cfg.Inject.EnableCookie,
			InjectProxy:  cfg.Inject.EnableProxy,
		},
	)

	consumer := broker.NewConsumer(client, tier, cfg.Worker.ID, logger.Named("consumer"))
	sup := supervisor.New(logger.Named("supervisor"), pipeline, cfg.Worker.ID, tier, cfg.Worker.MaxConcurrentTasks)

	// taskCtx outlives the signal context so in-flight tasks finish
	// during a graceful drain; it is cancelled only on a forced drain.
	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	deliveries := make(chan broker.Delivery, cfg.Worker.MaxConcurrentTasks)
	outcomes := make(chan broker.Outcome, cfg.Worker.MaxConcurrentTasks)

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Run(signalCtx, deliveries)
	}()

	supervisorDone := make(chan struct{})
	go func() {
		sup.Run(taskCtx, deliveries, outcomes)
		close(supervisorDone)
	}()

	ackDone := make(chan struct{})
	go func() {
		// Acks survive the signal so finished tasks are not redelivered.
		consumer.AckLoop(context.Background(), outcomes)
		close(ackDone)
	}()

	registerCtx, stopRegister := context.WithCancel(context.Background())
	defer stopRegister()
	go sup.RegisterLoop(registerCtx, client, registerInterval)

	adminServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(logger.Named("api"), sup, client).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", zap.Error(err))
		}
	}()

	exitCode := exitClean
	select {
	case <-signalCtx.Done():
		logger.Info("shutdown signal received, draining",
			zap.Duration("deadline", cfg.DrainDeadline()))
		if err := <-consumerDone; err != nil {
			logger.Error("consumer exited with error", zap.Error(err))
		}
	case err := <-consumerDone:
		// The consumer only returns unprompted when the broker setup
		// failed; nothing more can be pulled, so shut down.
		if err != nil {
			logger.Error("consumer failed", zap.Error(err))
			exitCode = exitFatal
		}
	}

	select {
	case <-supervisorDone:
		logger.Info("drain complete")
	case <-time.After(cfg.DrainDeadline()):
		logger.Warn("drain deadline exceeded, aborting in-flight tasks")
		cancelTasks()
		<-supervisorDone
		if exitCode == exitClean {
			exitCode = exitForced
		}
	}

	<-ackDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown failed", zap.Error(err))
	}

	logger.Info("crawl worker stopped", zap.Int("exit_code", exitCode))
	return exitCode
}
