package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexus-realtime/internal/auth"
	"github.com/Tyrowin/nexus-realtime/internal/config"
	"github.com/Tyrowin/nexus-realtime/internal/logging"
	"github.com/Tyrowin/nexus-realtime/internal/notification"
	"github.com/Tyrowin/nexus-realtime/internal/realtime"
	"github.com/Tyrowin/nexus-realtime/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("NEXUS_CONFIG"), "path to a YAML config file")
	flag.Parse()

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("store", cfg.Store.Driver).Msg("starting Nexus realtime server")

	ctx := context.Background()
	store, err := notification.Open(ctx, notification.Options{
		Driver:         cfg.Store.Driver,
		DSN:            cfg.Store.DSN,
		ConnectTimeout: cfg.Store.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("open notification store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing notification store")
		}
	}()

	verifierOpts := []auth.Option{auth.WithLogger(logger)}
	if cfg.Auth.Issuer != "" {
		verifierOpts = append(verifierOpts, auth.WithIssuer(cfg.Auth.Issuer))
	}
	if cfg.Auth.RevocationRedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.Auth.RevocationRedisURL)
		if err != nil {
			return fmt.Errorf("parse revocation redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		defer func() { _ = client.Close() }()
		verifierOpts = append(verifierOpts, auth.WithRevocationList(client, cfg.Auth.RevocationKey))
	}
	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret, verifierOpts...)

	hub := realtime.NewHub(verifier, store, realtime.Options{
		SendBufferSize:      cfg.WebSocket.SendBufferSize,
		IdleTimeout:         cfg.WebSocket.IdleTimeout,
		PingInterval:        cfg.WebSocket.PingInterval,
		RateLimitBurst:      cfg.RateLimit.Burst,
		RateLimitRefill:     cfg.RateLimit.RefillInterval,
		TypingWindow:        cfg.Typing.Window,
		TypingSweepInterval: cfg.Typing.SweepInterval,
		Passthrough:         cfg.Events.Passthrough,
		StoreSaveRetries:    cfg.Store.SaveRetries,
		Logger:              logger,
	})
	go hub.Run()

	origins := server.NewOriginPolicy(cfg.Server.AllowedOrigins, logger)
	handler := server.NewHandler(hub, store, verifier, origins, server.HandlerConfig{
		TokenQueryParam: cfg.Auth.TokenQueryParam,
		MaxMessageSize:  cfg.WebSocket.MaxMessageSize,
		IdleTimeout:     cfg.WebSocket.IdleTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		IngressToken:    cfg.Notifications.IngressToken,
	}, logger)
	httpServer := server.CreateServer(cfg.Server, server.SetupRoutes(handler, origins, logger))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(httpServer, logger)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			_ = hub.Shutdown(cfg.Server.ShutdownTimeout)
			return fmt.Errorf("http server: %w", err)
		}
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	var shutdownErr error
	if err := server.ShutdownServer(httpServer, cfg.Server.ShutdownTimeout, logger); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := hub.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("hub shutdown: %w", err))
	}

	logger.Info().Msg("server stopped")
	return shutdownErr
}
