package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/agoracivic/chat-server/internal/v1/archive"
	"github.com/agoracivic/chat-server/internal/v1/auth"
	"github.com/agoracivic/chat-server/internal/v1/bus"
	"github.com/agoracivic/chat-server/internal/v1/config"
	"github.com/agoracivic/chat-server/internal/v1/health"
	"github.com/agoracivic/chat-server/internal/v1/logging"
	"github.com/agoracivic/chat-server/internal/v1/middleware"
	"github.com/agoracivic/chat-server/internal/v1/presence"
	"github.com/agoracivic/chat-server/internal/v1/ratelimit"
	"github.com/agoracivic/chat-server/internal/v1/session"
	"github.com/agoracivic/chat-server/internal/v1/store"
	"github.com/agoracivic/chat-server/internal/v1/tracing"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if cfg.OTELCollector != "" {
		tp, err := tracing.InitTracer(ctx, "chat-server", cfg.OTELCollector)
		if err != nil {
			logging.Warn(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logging.Error(shutdownCtx, "Failed to shut down tracer provider", zap.Error(err))
				}
			}()
		}
	}

	// --- JWT Validation ---
	validator, err := auth.NewValidator(ctx, cfg.JWTSecret, cfg.JWTAlgorithm, cfg.JWTJWKSURL)
	if err != nil {
		logging.Fatal(ctx, "Failed to create auth validator", zap.Error(err))
	}
	logging.Info(ctx, "JWT validator initialized", zap.String("algorithm", cfg.JWTAlgorithm))

	// --- Redis: live chat state, presence, pub/sub, rate limit counters ---
	kv, err := store.New(cfg.RedisURL, time.Duration(cfg.MessageTTLSec)*time.Second)
	if err != nil {
		logging.Fatal(ctx, "Failed to connect to Redis", zap.Error(err))
	}
	defer kv.Close()
	logging.Info(ctx, "Redis connected")

	// --- Postgres: archival and identity resolution ---
	exporter, err := archive.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal(ctx, "Failed to connect to Postgres", zap.Error(err))
	}
	defer exporter.Close()
	logging.Info(ctx, "Postgres connected")

	// --- Rate Limiting ---
	limiter, err := ratelimit.NewRateLimiter(cfg, kv.Client())
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}

	// --- Event Bus ---
	busService := bus.NewService(kv.Client())

	// --- Hub ---
	hub := session.NewHub(validator, kv, exporter, presence.NewTracker(kv.Client()), busService, limiter)

	busCtx, busCancel := context.WithCancel(ctx)
	defer busCancel()
	go busService.Run(busCtx, hub)
	hub.StartReaper(busCtx)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("chat-server"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	// Routing
	router.GET("/ws", hub.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(kv, exporter)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		logging.Info(ctx, "Chat server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop consuming bus events, then close every websocket session
	busCancel()
	hub.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}

	logging.Info(shutdownCtx, "Server exiting")
}
