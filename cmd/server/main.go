// Command server starts the evaluation orchestration service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fernlab/evalsvc/internal/adapter/httpserver"
	"github.com/fernlab/evalsvc/internal/adapter/observability"
	"github.com/fernlab/evalsvc/internal/adapter/repo/postgres"
	"github.com/fernlab/evalsvc/internal/app"
	"github.com/fernlab/evalsvc/internal/config"
	"github.com/fernlab/evalsvc/internal/engine"
	"github.com/fernlab/evalsvc/internal/evaluator"
	"github.com/fernlab/evalsvc/internal/jobqueue"
	"github.com/fernlab/evalsvc/internal/ratelimiter"
	"github.com/fernlab/evalsvc/internal/streamer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics once per process so /metrics exposes HTTP
	// and job-lifecycle instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	evalStore := postgres.NewEvaluationStore(pool)
	remediationStore := postgres.NewRemediationStore(pool)

	registry, err := evaluator.Load(cfg.EvaluatorRegistryPath)
	if err != nil {
		slog.Error("evaluator registry load failed", slog.Any("error", err))
		os.Exit(1)
	}

	limiter := ratelimiter.New(cfg.DailyEvalLimit)

	jobCfg := jobqueue.Config{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MaxQueueSize:      cfg.MaxQueueSize,
		JobTTL:            cfg.JobTTL,
		SweepInterval:     cfg.SweepInterval,
		LogTailMax:        cfg.LogTailMax,
		RetryConfig:       cfg.GetRetryConfig(),
	}

	evalEngine := engine.NewEvaluationEngine(registry, cfg.EngineSourceRoot)
	jobs := jobqueue.NewJobManager(jobCfg, evalEngine, evalStore, evalStore)

	var remediation *jobqueue.RemediationManager
	var remediationStream *streamer.Streamer
	if cfg.EnableRemediation {
		remediationEngine := engine.NewRemediationEngine(cfg.EngineSourceRoot)
		remediation = jobqueue.NewRemediationManager(jobCfg, remediationEngine, remediationStore)
		remediationStream = streamer.New(streamer.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			RetryDirective:    cfg.RetryDirective,
			BufferSize:        cfg.StreamBufferSize,
			MetricsLabel:      "remediate",
		}, jobqueue.RemediationStreamSource{RM: remediation})
	}

	batches := jobqueue.NewBatchManager(jobs, limiter)
	stream := streamer.New(streamer.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		RetryDirective:    cfg.RetryDirective,
		BufferSize:        cfg.StreamBufferSize,
		MetricsLabel:      "evaluate",
	}, jobqueue.JobStreamSource{JM: jobs})

	srv := httpserver.NewServer(cfg, jobs, batches, stream, limiter, registry, remediation, remediationStream)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	stream.Shutdown()
	if remediationStream != nil {
		remediationStream.Shutdown()
	}
	jobs.Shutdown()
	if remediation != nil {
		remediation.Shutdown()
	}
}
