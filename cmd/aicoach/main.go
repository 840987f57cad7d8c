package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hydroac/aicoach/internal/api"
	"github.com/hydroac/aicoach/internal/coach"
	"github.com/hydroac/aicoach/internal/config"
	"github.com/hydroac/aicoach/internal/logger"
	"github.com/hydroac/aicoach/internal/provider"
	"github.com/hydroac/aicoach/internal/session"
	"github.com/hydroac/aicoach/internal/store"
)

func main() {
	envFile := pflag.String("env-file", "", "dotenv file to load before reading the environment")
	port := pflag.String("port", "", "listen port, overrides PORT")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	db, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("store")
	}
	defer db.Close()

	locks := session.NewManager()
	accessor := coach.NewAccessor(db, db, log, coach.WithLocks(locks), coach.WithRetry(cfg.RetryAttempts, cfg.RetryInterval))
	orchestrator := coach.NewOrchestrator(accessor, db, db, provider.NewClient(cfg.ProviderTimeout), locks, log,
		coach.OrchestratorConfig{
			DiscardMode:       coach.DiscardMode(cfg.DiscardMode),
			DescriptionLocale: cfg.DescriptionLocale,
		})
	handler := api.NewHandler(accessor, orchestrator, db, db, log, api.WithAdmins(cfg.AdminUIDs...))

	// Periodic cleanup of idle per-conversation locks
	go func() {
		ticker := time.NewTicker(cfg.SessionCleanupInterval)
		defer ticker.Stop()
		for range ticker.C {
			if n := locks.Cleanup(cfg.SessionMaxAge); n > 0 {
				log.Debug().Int("removed", n).Msg("session locks cleaned")
			}
		}
	}()

	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     api.NewRouter(handler, log),
		ReadTimeout: 10 * time.Second,
		// Turns wait on the provider, so writes may take up to its timeout.
		WriteTimeout: cfg.ProviderTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("driver", cfg.StoreDriver).Msg("aicoach: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("aicoach: shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("aicoach: stopped")
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return store.NewBoltStore(cfg.BoltPath())
	}
}
