package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"transit-sync/internal/adapters/webdriver"
	"transit-sync/internal/client/geocode"
	"transit-sync/internal/client/telemetry"
	"transit-sync/internal/config"
	"transit-sync/internal/db"
	"transit-sync/internal/events"
	httpapi "transit-sync/internal/http"
	"transit-sync/internal/logger"
	"transit-sync/internal/metrics"
	"transit-sync/internal/repository"
	"transit-sync/internal/scheduler"
	"transit-sync/internal/service"
	"transit-sync/internal/snapshot"
	"transit-sync/internal/updater"
)

const shutdownTimeout = 2 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("failed to load config")
	}

	bus := events.NewBus()
	log := logger.New(cfg.Env, cfg.LogLevel, events.NewLogWriter(bus))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, bus, log); err != nil {
		log.Fatal().Err(err).Msg("transit-sync stopped with error")
	}
}

func run(ctx context.Context, cfg *config.Config, bus *events.Bus, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var history *service.HistoryService
	if cfg.Database.DSN != "" {
		conn, err := db.Connect(ctx, cfg.Database.DSN, log)
		if err != nil {
			return err
		}
		if sqlDB, err := conn.DB(); err == nil {
			defer sqlDB.Close()
		}
		history = service.NewHistoryService(repository.NewRunRepository(conn), cfg.Database.RetentionDays, log)
	} else {
		log.Warn().Msg("database not configured, run history disabled")
	}

	var geocoder geocode.Geocoder = geocode.NewClient(cfg.Geocoding, log)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, geocode cache will fall through")
		}
		geocoder = geocode.NewCachedGeocoder(geocoder, geocode.NewRedisCache(rdb), cfg.Redis.CacheTTL, m.ObserveGeocodeCache, log)
	}

	browsers := webdriver.NewFactory(cfg.WebDriver, log)
	sswConfig := updater.ConfigFrom(cfg.SSW)
	opener := service.SessionOpenerFunc(func(ctx context.Context) (service.PlateSession, error) {
		s, err := updater.Open(ctx, browsers, sswConfig, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	coordinator := service.NewCoordinator(opener, service.CoordinatorConfig{
		Pacing:           cfg.Workflow.Pacing,
		PaceAfterSkipped: cfg.Workflow.PaceAfterSkipped,
		OnFailure:        service.FailurePolicy(cfg.Workflow.OnPlateFailure),
	}, bus, m, log)

	deps := service.RunnerDeps{
		Extractor:   service.NewExtractor(browsers, cfg.Dashboard, log),
		Resolver:    service.NewResolver(telemetry.NewClient(cfg.Telemetry, log), geocoder, cfg.Geocoding.Pace, log),
		Coordinator: coordinator,
		Snapshots:   snapshot.NewStore(cfg.Workflow.SnapshotPath),
		Metrics:     m,
		Events:      bus,
	}
	if history != nil {
		deps.History = history
	}
	runner := service.NewRunner(deps, log)

	schedules, err := scheduler.OpenStore(cfg.Schedule.Path)
	if err != nil {
		return err
	}
	sched := scheduler.New(schedules, runner, cfg.Schedule.Tick, log)

	var runHistory httpapi.RunHistory
	if history != nil {
		runHistory = history
	}
	router := httpapi.NewRouter(cfg, log)
	httpapi.NewHandler(runner, runHistory, schedules, sched.Next, bus, m.Handler(), log).
		Register(router, httpapi.AuthMiddleware(cfg.HTTP.JWTSecret, log))

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end when shutdown is requested.
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go sched.Run(ctx)

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if _, err := runner.Cancel(); err == nil {
		log.Info().Msg("waiting for the current vehicle to finish")
	}
	if err := runner.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("run did not finish before shutdown timeout")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("transit-sync stopped")
	return nil
}
