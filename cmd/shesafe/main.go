package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lakshyagupta8383/sheSafe/internal/httpapi"
	"github.com/lakshyagupta8383/sheSafe/internal/metrics"
	"github.com/lakshyagupta8383/sheSafe/internal/presence"
)

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	addr := envOrDefault("SHESAFE_ADDR", ":8000")

	store, err := presence.BuildStoreFromDSN(envOrDefault("STORE_DSN", "memory://"))
	if err != nil {
		log.Fatalf("failed to initialize store backend: %v", err)
	}
	engine := presence.NewEngineWithOptions(presence.EngineOptions{
		Store:         store,
		HistoryCap:    intEnv("SHESAFE_HISTORY_CAP", 0),
		QuarantineCap: intEnv("SHESAFE_QUARANTINE_CAP", 0),
		TokenTTL:      durationEnv("SHESAFE_TOKEN_TTL", 0),
	})

	clips, err := httpapi.NewDirClipStore(envOrDefault("CLIP_DIR", "clips"))
	if err != nil {
		log.Fatalf("failed to initialize clip store: %v", err)
	}

	server := httpapi.NewServerWithConfig(engine, clips, httpapi.ServerConfig{
		WebhookSecret:   envOrDefault("WEBHOOK_SECRET", "supersecret"),
		DeviceToken:     envOrDefault("DEVICE_TOKEN", "devtoken"),
		RateLimitMax:    intEnv("SHESAFE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("SHESAFE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("SHESAFE_MAX_BODY_BYTES", 0),
		MaxClipBytes:    int64Env("SHESAFE_MAX_CLIP_BYTES", 0),
		Logger:          log.Default(),
	})

	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", server)

	httpServer := &http.Server{Addr: addr, Handler: mux}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown did not complete cleanly: %v", err)
		}
	}()

	log.Printf("shesafe listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	if err := engine.Close(); err != nil {
		log.Printf("store close failed: %v", err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
