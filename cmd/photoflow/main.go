package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"photoflow/internal/api"
	"photoflow/internal/config"
	"photoflow/internal/handlers/analysis"
	"photoflow/internal/maintenance"
	"photoflow/internal/queue"
	"photoflow/internal/resource"
	"photoflow/internal/scheduler"
	"photoflow/internal/store"
	"photoflow/internal/worker"
)

func main() {
	var (
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "queue DB path (overrides config)")
		driver  = flag.String("driver", "", "store driver: sqlite|bolt|memory (overrides config)")
		cfgPath = flag.String("config", "photoflow.yaml", "config file path")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}
	if *driver != "" {
		cfg.Driver = *driver
	}

	settings, err := cfg.Settings()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid processing settings")
	}
	pollEvery, err := cfg.PollEvery()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid monitor config")
	}
	pruneAfter, err := cfg.PruneAfter()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid maintenance config")
	}

	// A persistence failure must not keep the scheduler from running:
	// fall back to the in-memory store in degraded mode.
	st, err := store.Open(cfg.Driver, cfg.DB)
	if err != nil {
		log.Warn().Err(err).Str("driver", cfg.Driver).Str("db", cfg.DB).
			Msg("store open failed, running in degraded non-durable mode")
		st = store.NewMemory()
	}
	defer st.Close()

	q := queue.New(st)
	if demoted, err := q.Restore(context.Background()); err != nil {
		log.Warn().Err(err).Msg("queue restore failed, starting empty")
	} else if demoted > 0 {
		log.Info().Int("demoted", demoted).Msg("demoted interrupted RUNNING tasks to PENDING")
	}

	poller := resource.NewPoller(resource.Sysfs{}, pollEvery)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Start(ctx)
	defer poller.Stop()

	pool := worker.NewPool(analysis.Registry(), 16)
	sched := scheduler.New(scheduler.Config{}, q, pool, poller, settings)
	sched.Start(ctx)

	maint, err := maintenance.New(maintenance.Config{
		CurationCron: cfg.Maintenance.CurationCron,
		PruneAfter:   pruneAfter,
	}, sched, q)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid maintenance schedule")
	}
	go maint.Start(ctx)

	// Settings hot reload; the file is optional.
	if _, statErr := os.Stat(*cfgPath); statErr == nil {
		err := config.Watch(ctx, *cfgPath, func(f *config.File) {
			if _, err := sched.UpdateSettings(f.SettingsPatch()); err != nil {
				log.Warn().Err(err).Msg("rejected settings from config reload")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("config watch unavailable")
		}
	}

	srv := &http.Server{Addr: cfg.Listen, Handler: api.NewServer(sched)}
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	maint.Stop()
	sched.Stop(shutdownCtx)
	cancel()
}
