package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/infergate/gateway/internal/admin"
	"github.com/infergate/gateway/internal/auth"
	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/database"
	"github.com/infergate/gateway/internal/gateway"
	"github.com/infergate/gateway/internal/middleware"
	"github.com/infergate/gateway/internal/usage"
)

func main() {
	configPath := flag.String("config", envOr("GATEWAY_CONFIG", "config.yaml"), "path to the YAML config file")
	fallbackPath := flag.String("usage-fallback", envOr("GATEWAY_USAGE_FALLBACK", "usage_fallback.ndjson"),
		"file receiving usage rows when the database is down")
	flag.Parse()

	// Local development convenience; absent .env is fine.
	_ = godotenv.Load()

	registry, err := config.NewRegistry(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}
	cfg := registry.Current().Config()
	setupLogging(cfg.Logging.Level)

	port := cfg.Server.Port
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	if port == "" {
		port = "8080"
	}

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	users := db.Users()
	keys := db.APIKeys()
	auth.EnsureDefaultAdmin(ctx, users, cfg.OAuth2.DefaultAdmin)

	recorder := usage.NewRecorder(db.Usage(), *fallbackPath)

	svc := auth.NewService(registry, users, keys)
	authenticator := middleware.NewAuthenticator(svc, users, registry)

	router := mux.NewRouter()
	router.Use(middleware.CORS)
	router.Use(middleware.Logging)
	router.Use(authenticator.Middleware)
	if rpm := cfg.Server.RateLimitPerMinute; rpm > 0 {
		router.Use(middleware.NewRateLimiter(rpm).Middleware)
	}

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		dbStatus := "connected"
		if err := db.Pool().PingContext(hctx); err != nil {
			dbStatus = "error"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":   "healthy",
			"service":  "gateway",
			"database": dbStatus,
		})
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	gateway.NewServer(registry, recorder).Register(router)
	admin.NewServer(registry, svc, users, keys).Register(router)

	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
		// Streaming completions hold the connection open well past any
		// sane write timeout, so only reads are bounded.
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// SIGHUP reloads the model/config file in place; SIGTERM drains.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				if err := registry.Reload(); err != nil {
					slog.Error("config reload failed", "error", err)
				} else {
					slog.Info("config reloaded", "path", *configPath)
				}
				continue
			}

			slog.Info("shutdown signal received", "signal", sig.String())
			shutdown(server, recorder, db)
			return
		}
	}()

	slog.Info("gateway listening", "port", port, "models", len(cfg.Models))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	// ListenAndServe unblocks as soon as the listener closes; the usage drain
	// and store teardown are still in flight on the signal goroutine.
	<-done
	slog.Info("gateway stopped")
}

// shutdown drains the HTTP server, then the usage recorder, then closes the
// store. Order matters: handlers must stop producing rows before the drain.
func shutdown(server *http.Server, recorder *usage.Recorder, db *database.DB) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}
	cancel()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	recorder.Shutdown(drainCtx)
	cancel()

	db.Close()
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
