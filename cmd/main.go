package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonmumm/actor-kit/internal/config"
	"github.com/jonmumm/actor-kit/internal/logger"
	"github.com/jonmumm/actor-kit/internal/machines/todo"
	"github.com/jonmumm/actor-kit/internal/registry"
	"github.com/jonmumm/actor-kit/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet; write straight to stderr and bail.
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	log.Info().Str("host", cfg.Host).Str("port", cfg.Port).Str("storage", cfg.Storage).
		Msg("Starting actor-kit server")

	// Persistence backend
	var store storage.Store
	switch cfg.Storage {
	case "redis":
		store, err = storage.NewRedisStore(storage.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	case "postgres":
		store, err = storage.NewPostgresStore(storage.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			DBName:   cfg.Postgres.DBName,
			SSLMode:  cfg.Postgres.SSLMode,
		})
	default:
		store = storage.NewMemoryStore()
	}
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage).Msg("Failed to initialize storage")
	}
	defer store.Close()

	// Registry with the built-in actor types
	var allowedOrigins []string
	if cfg.AllowedOrigins != "" {
		allowedOrigins = splitAndTrim(cfg.AllowedOrigins)
	}
	reg := registry.New(registry.Config{
		SigningKey:     cfg.Secret,
		Store:          store,
		AllowedOrigins: allowedOrigins,
	})
	reg.RegisterType("todo", todo.New)

	// HTTP surface
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	reg.Routes(engine)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful shutdown: drain actor hosts so final snapshots persist.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	reg.Shutdown(ctx)
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	log.Info().Msg("Server stopped")
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
