package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/api"
	"github.com/dvloznov/finance-elt/internal/app"
	"github.com/dvloznov/finance-elt/internal/config"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/jobs"
	"github.com/dvloznov/finance-elt/internal/jobs/inmemory"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/scheduler"
)

func main() {
	port := flag.String("port", "", "HTTP server port (overrides HTTP_PORT)")
	noSchedule := flag.Bool("no-schedule", false, "Serve the API without starting the cron schedule")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *port != "" {
		cfg.HTTPPort = *port
	}

	log := logger.NewWithOptions(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()

	requestStore := inmemory.NewStore()
	queue := inmemory.NewQueue(100, cfg.MaxConcurrentRuns, requestStore)

	// Cron ticks go through the same queue as API requests so MAX_CONCURRENT_RUNS bounds both.
	opts := scheduler.Options{
		OnTick: func(date civil.Date) {
			req := &jobs.RunRequest{LogicalDate: date, Mode: jobs.ModeRun, Trigger: domain.TriggerScheduled}
			if err := queue.Publish(ctx, req); err != nil {
				log.Error().Err(err).Str("logical_date", date.String()).Msg("Failed to enqueue scheduled run")
			}
		},
	}

	pipe, err := app.Wire(ctx, cfg, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire pipeline")
	}
	defer pipe.Close()

	recovered, err := pipe.Scheduler.RecoverInterrupted(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to recover interrupted runs")
	} else if recovered > 0 {
		log.Warn().Int("runs", recovered).Msg("Marked interrupted runs as failed")
	}

	if err := queue.Start(ctx, jobs.SchedulerHandler(pipe.Scheduler)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start run queue")
	}

	if !*noSchedule {
		if err := pipe.Scheduler.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start scheduler")
		}
		log.Info().Str("schedule", cfg.Schedule).Time("next_run", pipe.Scheduler.Next()).Msg("Scheduler started")
	}

	router := api.NewRouter(api.Deps{
		Runs:      pipe.Scheduler,
		Publisher: queue,
		Requests:  requestStore,
		NextRun:   pipe.Scheduler.Next,
		Token:     cfg.OperatorToken,
	}, log)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	pipe.Scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// In-flight runs are cancelled and recorded as FAILED/Cancelled.
	cancel()
	if err := queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping run queue")
	}
	if err := queue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close run queue")
	}

	log.Info().Msg("Daemon exited")
}
