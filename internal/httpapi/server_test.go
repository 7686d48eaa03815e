package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lakshyagupta8383/sheSafe/internal/presence"
)

const (
	testWebhookSecret = "supersecret"
	testDeviceToken   = "devtoken"
)

func newTestServer(t *testing.T) (*Server, *presence.Engine) {
	t.Helper()
	engine := presence.NewEngine(presence.NewInMemoryStore())
	clips, err := NewDirClipStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirClipStore failed: %v", err)
	}
	server := NewServerWithConfig(engine, clips, ServerConfig{
		WebhookSecret: testWebhookSecret,
		DeviceToken:   testDeviceToken,
	})
	return server, engine
}

func doJSON(t *testing.T, server *Server, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestWebhookRejectsMissingAuth(t *testing.T) {
	server, _ := newTestServer(t)
	body := `{"device":"d1","lat":1,"lon":2}`

	rec := doJSON(t, server, http.MethodPost, "/api/webhook/sms", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no auth: expected 401, got %d", rec.Code)
	}

	rec = doJSON(t, server, http.MethodPost, "/api/webhook/sms", body, map[string]string{
		"X-Webhook-Token": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}

	rec = doJSON(t, server, http.MethodPost, "/api/webhook/sms", body, map[string]string{
		"X-Provider-Signature": "deadbeef",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: expected 401, got %d", rec.Code)
	}
}

func TestWebhookAcceptsSharedToken(t *testing.T) {
	server, engine := newTestServer(t)
	body := `{"device":"d1","lat":12.97,"lon":77.59,"timestamp":"2026-08-01T10:00:00Z"}`

	rec := doJSON(t, server, http.MethodPost, "/api/webhook/sms", body, map[string]string{
		"X-Webhook-Token": testWebhookSecret,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	record, err := engine.GetLatest(context.Background(), "d1")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if record.Lat == nil || *record.Lat != 12.97 {
		t.Fatalf("location not stored, got %+v", record)
	}
	if record.Status != presence.StatusActive {
		t.Fatalf("expected active, got %q", record.Status)
	}
}

func TestWebhookAcceptsBodySignature(t *testing.T) {
	server, _ := newTestServer(t)
	body := `{"device":"d1","lat":1,"lon":2}`

	rec := doJSON(t, server, http.MethodPost, "/api/webhook/sms", body, map[string]string{
		"X-Provider-Signature": SignBody(testWebhookSecret, []byte(body)),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookRejectsInvalidPayload(t *testing.T) {
	server, _ := newTestServer(t)
	cases := []string{
		`{}`,
		`{"device":"d1"}`,
		`{"device":"d1","lat":200,"lon":2}`,
		`{"raw_sms":""}`,
		`{"raw_sms":"hi","extra":"field"}`,
		`not json`,
	}
	for _, body := range cases {
		rec := doJSON(t, server, http.MethodPost, "/api/webhook/sms", body, map[string]string{
			"X-Webhook-Token": testWebhookSecret,
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("payload %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestWebhookFreeTextMatchesToken(t *testing.T) {
	server, engine := newTestServer(t)

	token, err := engine.IssueToken(context.Background(), "d1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	body := fmt.Sprintf(`{"raw_sms":"SOS https://t.example.com/t?token=%s","from":"+15550001111"}`, token)

	rec := doJSON(t, server, http.MethodPost, "/api/webhook/sms", body, map[string]string{
		"X-Webhook-Token": testWebhookSecret,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK      bool `json:"ok"`
		Matched bool `json:"matched"`
	}
	decodeBody(t, rec, &resp)
	if !resp.OK || !resp.Matched {
		t.Fatalf("expected matched response, got %+v", resp)
	}

	record, err := engine.GetLatest(context.Background(), "d1")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if record.Status != presence.StatusActive {
		t.Fatalf("expected active, got %q", record.Status)
	}
}

func TestWebhookFreeTextQuarantined(t *testing.T) {
	server, _ := newTestServer(t)
	body := `{"raw_sms":"hello, wrong number","from":"+15550002222"}`

	rec := doJSON(t, server, http.MethodPost, "/api/webhook/sms", body, map[string]string{
		"X-Webhook-Token": testWebhookSecret,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Matched bool `json:"matched"`
	}
	decodeBody(t, rec, &resp)
	if resp.Matched {
		t.Fatal("expected unmatched event")
	}

	rec = doJSON(t, server, http.MethodGet, "/api/quarantine", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("quarantine: expected 200, got %d", rec.Code)
	}
	var quarantine struct {
		Events []presence.UnmappedEvent `json:"events"`
	}
	decodeBody(t, rec, &quarantine)
	if len(quarantine.Events) != 1 || quarantine.Events[0].Sender != "+15550002222" {
		t.Fatalf("unexpected quarantine contents: %+v", quarantine.Events)
	}
}

func TestLocationEndpoint(t *testing.T) {
	server, engine := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/api/location?device=ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, server, http.MethodGet, "/api/location", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing device: expected 400, got %d", rec.Code)
	}

	if _, err := engine.RecordLocation(context.Background(), "d1", 1, 2, "2026-08-01T10:00:00Z"); err != nil {
		t.Fatalf("RecordLocation failed: %v", err)
	}
	rec = doJSON(t, server, http.MethodGet, "/api/location?device=d1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var record presence.Record
	decodeBody(t, rec, &record)
	if record.Device != "d1" || record.Lat == nil || *record.Lat != 1 {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestMarkSafeFlow(t *testing.T) {
	server, engine := newTestServer(t)
	ctx := context.Background()

	rec := doJSON(t, server, http.MethodPost, "/api/mark-safe", `{"device":"ghost"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown device: expected 404, got %d", rec.Code)
	}

	if _, err := engine.RecordLocation(ctx, "d1", 1, 2, ""); err != nil {
		t.Fatalf("RecordLocation failed: %v", err)
	}
	token, err := engine.IssueToken(ctx, "d1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	body := fmt.Sprintf(`{"device":"d1","auth_token":"%s"}`, token)
	rec = doJSON(t, server, http.MethodPost, "/api/mark-safe", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
	}
	decodeBody(t, rec, &resp)
	if !resp.OK || resp.Status != "safe" {
		t.Fatalf("unexpected response %+v", resp)
	}

	// The token is single use: replaying the confirmation must fail.
	rec = doJSON(t, server, http.MethodPost, "/api/mark-safe", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", rec.Code)
	}
}

func TestGenerateToken(t *testing.T) {
	server, engine := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/token/generate?device=d1", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no auth: expected 401, got %d", rec.Code)
	}

	headers := map[string]string{"X-Webhook-Token": testWebhookSecret}
	rec = doJSON(t, server, http.MethodPost, "/api/token/generate", "", headers)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing device: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, server, http.MethodPost, "/api/token/generate?device=d1", "", headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token      string `json:"token"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Token) != 32 {
		t.Fatalf("expected 32-char token, got %q", resp.Token)
	}
	if resp.TTLSeconds != int((15 * time.Minute).Seconds()) {
		t.Fatalf("unexpected ttl %d", resp.TTLSeconds)
	}

	// The issued token resolves through mark-safe.
	if _, err := engine.RecordLocation(context.Background(), "d1", 1, 2, ""); err != nil {
		t.Fatalf("RecordLocation failed: %v", err)
	}
	body := fmt.Sprintf(`{"device":"d1","auth_token":"%s"}`, resp.Token)
	rec = doJSON(t, server, http.MethodPost, "/api/mark-safe", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark-safe with issued token: expected 200, got %d", rec.Code)
	}
}

func buildUploadRequest(t *testing.T, target, device, lat, lon, filename string, clip []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fields := map[string]string{
		"device":    device,
		"lat":       lat,
		"lon":       lon,
		"timestamp": "2026-08-01T10:00:00Z",
	}
	for field, value := range fields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(field, value); err != nil {
			t.Fatalf("WriteField(%s) failed: %v", field, err)
		}
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		if _, err := part.Write(clip); err != nil {
			t.Fatalf("writing clip failed: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("closing multipart writer failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestUploadRequiresDeviceToken(t *testing.T) {
	server, _ := newTestServer(t)
	req := buildUploadRequest(t, "/api/upload", "d1", "1", "2", "clip.webm", []byte("audio"))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUploadStoresClipAndLocation(t *testing.T) {
	server, engine := newTestServer(t)

	req := buildUploadRequest(t, "/api/upload", "d1", "12.97", "77.59", "clip one.webm", []byte("audio-bytes"))
	req.Header.Set("X-Device-Token", testDeviceToken)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK       bool   `json:"ok"`
		AudioURL string `json:"audioUrl"`
	}
	decodeBody(t, rec, &resp)
	if !resp.OK || !strings.HasPrefix(resp.AudioURL, "/clips/d1/") {
		t.Fatalf("unexpected response %+v", resp)
	}

	record, err := engine.GetLatest(context.Background(), "d1")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if record.Lat == nil || *record.Lat != 12.97 {
		t.Fatalf("upload coordinates not stored: %+v", record)
	}
	if record.AudioURL != resp.AudioURL {
		t.Fatalf("audio url mismatch: %q vs %q", record.AudioURL, resp.AudioURL)
	}

	// The stored clip is served back under its URL.
	clipReq := httptest.NewRequest(http.MethodGet, resp.AudioURL, nil)
	clipRec := httptest.NewRecorder()
	server.ServeHTTP(clipRec, clipReq)
	if clipRec.Code != http.StatusOK {
		t.Fatalf("clip fetch: expected 200, got %d", clipRec.Code)
	}
	if clipRec.Body.String() != "audio-bytes" {
		t.Fatalf("clip content mismatch: %q", clipRec.Body.String())
	}
}

func TestUploadWithoutFile(t *testing.T) {
	server, engine := newTestServer(t)

	req := buildUploadRequest(t, "/api/upload", "d1", "1", "2", "", nil)
	req.Header.Set("X-Device-Token", testDeviceToken)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	record, err := engine.GetLatest(context.Background(), "d1")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if record.AudioURL != "" {
		t.Fatalf("expected no audio url, got %q", record.AudioURL)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	server, engine := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		stamp := fmt.Sprintf("2026-08-01T10:0%d:00Z", i)
		if _, err := engine.RecordLocation(ctx, "d1", 1, 2, stamp); err != nil {
			t.Fatalf("RecordLocation failed: %v", err)
		}
	}

	rec := doJSON(t, server, http.MethodGet, "/api/history?device=d1&limit=2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Device  string                  `json:"device"`
		Entries []presence.HistoryEntry `json:"entries"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(resp.Entries))
	}
	if resp.Entries[0].Timestamp != "2026-08-01T10:02:00Z" {
		t.Fatalf("expected newest first, got %q", resp.Entries[0].Timestamp)
	}
}

func TestRateLimit(t *testing.T) {
	engine := presence.NewEngine(presence.NewInMemoryStore())
	server := NewServerWithConfig(engine, nil, ServerConfig{
		WebhookSecret: testWebhookSecret,
		DeviceToken:   testDeviceToken,
		RateLimitMax:  2,
	})
	body := `{"raw_sms":"hello"}`
	headers := map[string]string{"X-Webhook-Token": testWebhookSecret}

	for i := 0; i < 2; i++ {
		rec := doJSON(t, server, http.MethodPost, "/api/webhook/sms", body, headers)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := doJSON(t, server, http.MethodPost, "/api/webhook/sms", body, headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestLiveFeed(t *testing.T) {
	server, engine := newTestServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := engine.RecordLocation(ctx, "d1", 1, 2, "2026-08-01T10:00:00Z"); err != nil {
		t.Fatalf("RecordLocation failed: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/live?device=d1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var snapshot presence.Update
	if err := wsjson.Read(ctx, conn, &snapshot); err != nil {
		t.Fatalf("reading snapshot failed: %v", err)
	}
	if snapshot.Kind != "snapshot" || snapshot.Device != "d1" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	if _, err := engine.MarkSafe(ctx, "d1", ""); err != nil {
		t.Fatalf("MarkSafe failed: %v", err)
	}
	var update presence.Update
	if err := wsjson.Read(ctx, conn, &update); err != nil {
		t.Fatalf("reading update failed: %v", err)
	}
	if update.Kind != presence.HistoryMarkedSafe {
		t.Fatalf("expected marked_safe update, got %q", update.Kind)
	}
	if update.Record.Status != presence.StatusSafe {
		t.Fatalf("expected safe record, got %+v", update.Record)
	}
}
