package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lakshyagupta8383/sheSafe/internal/gatewaysync"
)

func main() {
	_ = godotenv.Load()

	baseURL := flag.String("base-url", envOrDefault("BACKEND_BASE", "http://127.0.0.1:8000"), "backend base URL")
	webhookSecret := flag.String("webhook-secret", envOrDefault("WEBHOOK_SECRET", "supersecret"), "shared webhook secret")
	deviceToken := flag.String("device-token", envOrDefault("DEVICE_TOKEN", "devtoken"), "static upload credential")
	device := flag.String("device", strings.TrimSpace(os.Getenv("DEVICE_ID")), "device ID for uploaded clips")
	watchDir := flag.String("watch-dir", envOrDefault("WATCH_DIR", "recordings"), "clip drop directory")
	staticLat := flag.Float64("static-lat", floatEnv("STATIC_LAT", 28.7041), "fallback latitude when a clip has no .meta")
	staticLon := flag.Float64("static-lon", floatEnv("STATIC_LON", 77.1025), "fallback longitude when a clip has no .meta")
	deleteOnSuccess := flag.Bool("delete-on-success", boolEnv("DELETE_ON_SUCCESS", false), "remove clips after a clean upload")
	settleDelay := flag.Duration("settle-delay", durationEnv("SETTLE_DELAY", time.Second), "quiet period before a clip counts as complete")
	pollInterval := flag.Duration("poll-interval", durationEnv("POLL_INTERVAL", 3*time.Second), "flush interval for settled clips")
	timeout := flag.Duration("timeout", durationEnv("UPLOAD_TIMEOUT", 30*time.Second), "per-request HTTP timeout")
	flag.Parse()

	if strings.TrimSpace(*device) == "" {
		log.Fatalf("device is required (--device or DEVICE_ID)")
	}
	if *timeout <= 0 {
		*timeout = 30 * time.Second
	}

	client := gatewaysync.NewClient(*baseURL, *webhookSecret, *deviceToken, &http.Client{Timeout: *timeout})
	watcher, err := gatewaysync.NewWatcher(client, gatewaysync.WatcherOptions{
		Dir:             *watchDir,
		Device:          strings.TrimSpace(*device),
		StaticLat:       *staticLat,
		StaticLon:       *staticLon,
		DeleteOnSuccess: *deleteOnSuccess,
		SettleDelay:     *settleDelay,
		PollInterval:    *pollInterval,
		Logger:          log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize clip watcher: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("shesafe-gateway watching %s for device %s (backend %s)", *watchDir, *device, *baseURL)
	if err := watcher.Run(rootCtx); err != nil && rootCtx.Err() == nil {
		log.Fatalf("clip watcher failed: %v", err)
	}
	log.Printf("shesafe-gateway stopping: %v", rootCtx.Err())
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
