package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lakshyagupta8383/sheSafe/internal/metrics"
	"github.com/lakshyagupta8383/sheSafe/internal/presence"
)

type ServerConfig struct {
	// WebhookSecret signs/authenticates inbound webhook posts; it doubles as
	// the shared X-Webhook-Token value.
	WebhookSecret string
	// DeviceToken is the static credential field gateways present on uploads.
	DeviceToken     string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	MaxClipBytes    int64
	Logger          *log.Logger
}

type Server struct {
	engine      *presence.Engine
	clips       ClipStore
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *log.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *presence.Engine, clips ClipStore) *Server {
	return NewServerWithConfig(engine, clips, ServerConfig{})
}

func NewServerWithConfig(engine *presence.Engine, clips ClipStore, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.MaxClipBytes <= 0 {
		cfg.MaxClipBytes = 16 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		clips:       clips,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      cfg.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case (r.URL.Path == "/" || r.URL.Path == "/dashboard") && r.Method == http.MethodGet:
		s.handleDashboard(w, r)
		return
	case strings.HasPrefix(r.URL.Path, clipURLPrefix) && r.Method == http.MethodGet:
		s.handleClip(w, r)
		return
	}

	switch {
	case r.URL.Path == "/api/webhook/sms" && r.Method == http.MethodPost:
		s.handleWebhook(w, r)
	case r.URL.Path == "/api/location" && r.Method == http.MethodGet:
		s.handleLocation(w, r)
	case r.URL.Path == "/api/mark-safe" && r.Method == http.MethodPost:
		s.handleMarkSafe(w, r)
	case r.URL.Path == "/api/token/generate" && r.Method == http.MethodPost:
		s.handleGenerateToken(w, r)
	case r.URL.Path == "/api/upload" && r.Method == http.MethodPost:
		s.handleUpload(w, r)
	case r.URL.Path == "/api/history" && r.Method == http.MethodGet:
		s.handleHistory(w, r)
	case r.URL.Path == "/api/quarantine" && r.Method == http.MethodGet:
		s.handleQuarantine(w, r)
	case r.URL.Path == "/api/live" && r.Method == http.MethodGet:
		s.handleLive(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

type webhookPayload struct {
	Device    string   `json:"device"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Timestamp string   `json:"timestamp"`
	RawSMS    string   `json:"raw_sms"`
	From      string   `json:"from"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.WebhookEventsTotal.Inc()
	timer := time.Now()
	defer func() {
		metrics.WebhookProcessingDuration.Observe(time.Since(timer).Seconds())
	}()

	if !s.allow(w, r) {
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		metrics.WebhookEventsRejectedTotal.Inc()
		return
	}
	if authErr := verifyWebhookAuth(
		s.cfg.WebhookSecret,
		r.Header.Get("X-Provider-Signature"),
		r.Header.Get("X-Webhook-Token"),
		body,
	); authErr != nil {
		metrics.WebhookEventsRejectedTotal.Inc()
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if err := validateWebhookBody(body); err != nil {
		metrics.WebhookEventsRejectedTotal.Inc()
		writeError(w, http.StatusBadRequest, "bad_request", "invalid webhook payload: "+err.Error())
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhookEventsRejectedTotal.Inc()
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	ctx := r.Context()
	if payload.Device != "" && payload.Lat != nil && payload.Lon != nil {
		if _, err := s.engine.RecordLocation(ctx, payload.Device, *payload.Lat, *payload.Lon, payload.Timestamp); err != nil {
			s.writeEngineError(w, err)
			return
		}
		metrics.WebhookEventsMatchedTotal.Inc()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	result, err := s.engine.IngestFreeTextEvent(ctx, payload.RawSMS, payload.From, payload.Timestamp)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if result.Matched {
		metrics.WebhookEventsMatchedTotal.Inc()
	} else {
		metrics.WebhookEventsQuarantinedTotal.Inc()
		s.logger.Printf("webhook: quarantined free-text event from %q", payload.From)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "matched": result.Matched})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	device := strings.TrimSpace(r.URL.Query().Get("device"))
	if device == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing device parameter")
		return
	}
	record, err := s.engine.GetLatest(r.Context(), device)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type markSafeRequest struct {
	Device    string `json:"device"`
	AuthToken string `json:"auth_token"`
}

func (s *Server) handleMarkSafe(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var req markSafeRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Device) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing device")
		return
	}
	record, err := s.engine.MarkSafe(r.Context(), req.Device, req.AuthToken)
	if err != nil {
		if errors.Is(err, presence.ErrInvalidToken) {
			metrics.TokenRedemptionFailuresTotal.Inc()
		}
		s.writeEngineError(w, err)
		return
	}
	if strings.TrimSpace(req.AuthToken) != "" {
		metrics.TokenRedemptionsTotal.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": record.Status})
}

func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	if authErr := verifyWebhookAuth(
		s.cfg.WebhookSecret,
		r.Header.Get("X-Provider-Signature"),
		r.Header.Get("X-Webhook-Token"),
		nil,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	device := strings.TrimSpace(r.URL.Query().Get("device"))
	if device == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing device parameter")
		return
	}
	token, err := s.engine.IssueToken(r.Context(), device, 0)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.TokensIssuedTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"token":       token,
		"ttl_seconds": int(s.engine.TokenTTL().Seconds()),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if authErr := verifyDeviceToken(s.cfg.DeviceToken, r.Header.Get("X-Device-Token")); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.clips == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "clip storage not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxClipBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxClipBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "clip exceeds configured limit")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "invalid multipart body")
		return
	}
	device := strings.TrimSpace(r.FormValue("device"))
	if device == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing device field")
		return
	}
	timestamp := strings.TrimSpace(r.FormValue("timestamp"))
	ctx := r.Context()

	// Coordinates are optional: a clip can arrive without a fix.
	latRaw, lonRaw := strings.TrimSpace(r.FormValue("lat")), strings.TrimSpace(r.FormValue("lon"))
	if latRaw != "" && lonRaw != "" {
		lat, latErr := strconv.ParseFloat(latRaw, 64)
		lon, lonErr := strconv.ParseFloat(lonRaw, 64)
		if latErr != nil || lonErr != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid coordinates")
			return
		}
		if _, err := s.engine.RecordLocation(ctx, device, lat, lon, timestamp); err != nil {
			s.writeEngineError(w, err)
			return
		}
	}

	file, header, err := r.FormFile("file")
	if err == http.ErrMissingFile {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid file field")
		return
	}
	defer file.Close()

	clipURL, err := s.clips.Save(device, header.Filename, file)
	if err != nil {
		s.logger.Printf("upload: failed to persist clip for %s: %v", device, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to persist clip")
		return
	}
	record, err := s.engine.AttachAudio(ctx, device, clipURL, timestamp)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.ClipUploadsTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"audioUrl": record.AudioURL,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	device := strings.TrimSpace(r.URL.Query().Get("device"))
	if device == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing device parameter")
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 0, 1, 10_000)
	entries, err := s.engine.History(r.Context(), device, limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": device, "entries": entries})
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 0, 1, 100_000)
	events, err := s.engine.Quarantine(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	if s.clips == nil {
		http.NotFound(w, r)
		return
	}
	s.clips.Serve(w, r, r.URL.Path)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, presence.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, "not_found", "device not found")
	case errors.Is(err, presence.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_token", "invalid auth token")
	case errors.Is(err, presence.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, presence.ErrStoreUnavailable):
		metrics.StoreErrorsTotal.Inc()
		s.logger.Printf("httpapi: store unavailable: %v", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "state store unavailable")
	default:
		s.logger.Printf("httpapi: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// allow applies the per-client rate limit when one is configured.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.rateLimiter == nil {
		return true
	}
	if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return false
	}
	return true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
