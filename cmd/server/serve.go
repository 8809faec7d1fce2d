package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/liveclass/internal/adapters/amqp"
	router "github.com/dkeye/liveclass/internal/adapters/http"
	"github.com/dkeye/liveclass/internal/adapters/postgres"
	"github.com/dkeye/liveclass/internal/adapters/redis"
	"github.com/dkeye/liveclass/internal/adapters/rtc"
	"github.com/dkeye/liveclass/internal/app"
	"github.com/dkeye/liveclass/internal/app/notify"
	"github.com/dkeye/liveclass/internal/app/orch"
	"github.com/dkeye/liveclass/internal/app/roomstore"
	"github.com/dkeye/liveclass/internal/config"
	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/telemetry/prometheus"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event streams and media engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) (err error) {
	prometheus.Init()

	db, err := postgres.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if sqlDB, derr := db.DB(); derr == nil {
		defer sqlDB.Close()
	}
	durable := postgres.New(db)

	cache := redis.New(redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer func() { err = multierr.Append(err, cache.Close()) }()
	if err := cache.Ping(ctx); err != nil {
		return err
	}

	rooms, err := roomstore.New(durable, cache, roomstore.Options{TTL: cfg.Redis.RoomTTL, LocalSize: cfg.Rooms.LocalCacheSize})
	if err != nil {
		return err
	}

	engine, err := rtc.New(rtc.Config{ICEServers: cfg.Media.ICEServers})
	if err != nil {
		return err
	}

	var sink core.EventSink = core.NoopSink{}
	if cfg.AMQP.Enabled {
		s, derr := amqp.Dial(ctx, cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.MaxTries)
		if derr != nil {
			return derr
		}
		defer func() { err = multierr.Append(err, s.Close()) }()
		sink = s
	}

	clk := clock.New()
	registry := app.NewRegistry()
	notifier := notify.New(cache, rooms)
	o := orch.New(orch.Deps{
		Registry:            registry,
		Rooms:               rooms,
		Engine:              engine,
		Notifier:            notifier,
		Sink:                sink,
		Clock:               clk,
		EngineTimeout:       cfg.Media.EngineTimeout,
		TeardownParallelism: cfg.Media.TeardownParallelism,
	})
	reaper := app.NewReaper(registry, o.Broker, rooms, clk, app.ReaperConfig{
		Interval:  cfg.Media.ReapInterval,
		ReapAfter: cfg.Media.ReapAfter,
		Retention: cfg.Rooms.Retention,
	})

	r := router.SetupRouter(ctx, cfg, router.Services{Orch: o, Events: notifier, History: rooms})
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rooms.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("liveclass server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		if err := registry.Close(shutdownCtx, engine); err != nil {
			log.Warn().Err(err).Msg("releasing live rooms")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
