package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/odin-rt/notifier/internal/auth"
	"github.com/odin-rt/notifier/internal/config"
	"github.com/odin-rt/notifier/internal/events"
	"github.com/odin-rt/notifier/internal/monitoring"
	"github.com/odin-rt/notifier/internal/notify"
	"github.com/odin-rt/notifier/internal/registry"
	"github.com/odin-rt/notifier/internal/server"
	"github.com/odin-rt/notifier/internal/store"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevel("info"),
		Format: monitoring.LogFormat("json"),
	})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevel(cfg.LogLevel),
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Failed to open store")
	}
	defer st.Close()

	reg := registry.New(registry.Config{
		MaxConnsPerUser:   cfg.MaxConnsPerUser,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
	}, logger)

	queue := notify.New(notify.Config{
		FlushInterval: cfg.FlushInterval,
		MaxPending:    cfg.FlushMaxPending,
		MaxRetries:    cfg.FlushMaxRetries,
	}, st, reg, logger)

	jwt := auth.NewJWTManager(cfg.JWTSecret, 24*time.Hour)

	srv := server.New(cfg, reg, queue, st, jwt, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go queue.Run(ctx)
	go reg.RunSweeper(ctx, cfg.SweepInterval)

	var source *events.Source
	if cfg.NATSURL != "" {
		source, err = events.NewSource(cfg.NATSURL, cfg.NATSSubject, queue, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("Failed to connect event source")
		}
		go func() {
			if err := source.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Event source stopped")
			}
		}()
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("Shutdown signal received")

	// Stop intake first, then drain connections, then flush what is pending.
	if source != nil {
		source.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainGracePeriod+10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}

	cancel()
	queue.Shutdown(shutdownCtx)

	logger.Info().Msg("Shutdown complete")
}
