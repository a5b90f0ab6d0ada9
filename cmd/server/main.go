package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/inkfold/server/internal/auth"
	"github.com/inkfold/server/internal/collab"
	"github.com/inkfold/server/internal/config"
	"github.com/inkfold/server/internal/gateway"
	"github.com/inkfold/server/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open store")
	}
	defer db.Close()

	var verifier auth.Verifier
	if cfg.RedisURL != "" {
		rv, err := auth.NewRedisVerifier(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rv.Close()
		verifier = rv
		log.Info().Msg("token verification backed by redis")
	} else {
		if cfg.Secret == "" {
			log.Fatal().Msg("secret is required when redis_url is not set")
		}
		verifier = auth.NewHMACVerifier([]byte(cfg.Secret))
		log.Info().Msg("token verification backed by signed tokens")
	}

	reg := collab.NewRegistry(collab.Options{
		Saver:    db,
		Debounce: cfg.Debounce,
		Grace:    cfg.Grace,
	})
	gw := gateway.New(gateway.Options{
		Verifier:  verifier,
		Registry:  reg,
		ReadLimit: cfg.ReadLimit,
		PongWait:  cfg.PongWait,
		RateLimit: cfg.MessageRate,
	})

	r := gateway.SetupRouter(ctx, cfg, gw, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("inkfold server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	reg.Shutdown(shutdownCtx)
	log.Info().Msg("Server exited gracefully")
}
