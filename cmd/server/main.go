package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lobby-research/lobby/internal/api"
	"github.com/lobby-research/lobby/internal/config"
	"github.com/lobby-research/lobby/internal/middleware"
	"github.com/lobby-research/lobby/internal/services"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("CONFIG_ENV") == "" || os.Getenv("CONFIG_ENV") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Dev() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	tokens := middleware.NewTokenAuth(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		log.Warn().Str("module", "main").Msg("jwt_secret empty, using development secret")
	}

	mux := http.NewServeMux()
	api.NewRouter(api.Options{
		Store:           store,
		Clock:           services.NewRoomClock(cfg.ParticipantTimeout, cfg.RoomTimeout),
		StorageTimeout:  cfg.StorageTimeout,
		DefaultCapacity: cfg.DefaultCapacity,
		Tokens:          tokens,
		TokenTTL:        cfg.TokenTTL,
		Admins:          []api.AdminCredential{{Email: cfg.AdminEmail, PasswordHash: cfg.AdminPasswordHash}},
	}).Register(mux)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":         true,
			"name":       "Lobby API",
			"commit":     cfg.Commit,
			"build_time": cfg.BuildTime,
		})
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"commit":     cfg.Commit,
			"build_time": cfg.BuildTime,
		})
	})
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	var handler http.Handler = tokens.WithAuth(mux)
	if len(cfg.CORSOrigins) > 0 {
		handler = middleware.CORS(cfg.CORSOrigins)(handler)
	}
	handler = middleware.SecureHeaders(handler)
	handler = middleware.AccessLog(log.Logger)(handler)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Lobby server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		return
	}
	log.Info().Msg("Server exited gracefully")
}
