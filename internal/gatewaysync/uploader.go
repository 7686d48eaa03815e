package gatewaysync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lakshyagupta8383/sheSafe/internal/httpapi"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// ClipMeta is the location context uploaded alongside an audio clip.
type ClipMeta struct {
	Device    string
	Lat       float64
	Lon       float64
	Timestamp string
}

// Uploader is the backend surface the watcher needs. *Client implements it.
type Uploader interface {
	UploadClip(ctx context.Context, clipPath string, meta ClipMeta) error
}

// Client talks to the presence backend: webhook posts, token generation, and
// clip uploads. Transient failures (network, 429, 5xx) are retried with
// exponential backoff.
type Client struct {
	baseURL       string
	webhookSecret string
	deviceToken   string
	httpClient    *http.Client
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewClient(baseURL, webhookSecret, deviceToken string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:       baseURL,
		webhookSecret: strings.TrimSpace(webhookSecret),
		deviceToken:   strings.TrimSpace(deviceToken),
		httpClient:    httpClient,
		maxRetries:    3,
		baseDelay:     100 * time.Millisecond,
		maxDelay:      2 * time.Second,
	}
}

// PostWebhook relays a free-text SMS body to the backend, signing the payload
// with the shared webhook secret.
func (c *Client) PostWebhook(ctx context.Context, rawSMS, sender, timestamp string) error {
	payload := map[string]any{"raw_sms": rawSMS}
	if sender != "" {
		payload["from"] = sender
	}
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload["timestamp"] = timestamp
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	headers := map[string]string{
		"Content-Type":         "application/json",
		"X-Provider-Signature": httpapi.SignBody(c.webhookSecret, body),
	}
	return c.do(ctx, http.MethodPost, "/api/webhook/sms", headers, func() (io.Reader, error) {
		return bytes.NewReader(body), nil
	}, nil)
}

// GenerateToken asks the backend for a fresh single-use token for the device.
func (c *Client) GenerateToken(ctx context.Context, device string) (string, error) {
	target := "/api/token/generate?device=" + url.QueryEscape(device)
	headers := map[string]string{"X-Webhook-Token": c.webhookSecret}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, target, headers, nil, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("backend returned empty token")
	}
	return resp.Token, nil
}

// ExpandTokenPlaceholder substitutes {token} in an outgoing SMS body with a
// freshly issued token for the device. Text without the placeholder passes
// through untouched, with no backend round trip.
func (c *Client) ExpandTokenPlaceholder(ctx context.Context, device, text string) (string, error) {
	if !strings.Contains(text, "{token}") {
		return text, nil
	}
	token, err := c.GenerateToken(ctx, device)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(text, "{token}", token), nil
}

// UploadClip posts the audio file and its location context as one multipart
// request. The body builder re-reads the file on every retry attempt.
func (c *Client) UploadClip(ctx context.Context, clipPath string, meta ClipMeta) error {
	headers := map[string]string{"X-Device-Token": c.deviceToken}
	var contentType string
	buildBody := func() (io.Reader, error) {
		f, err := os.Open(clipPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		fields := map[string]string{
			"device":    meta.Device,
			"lat":       strconv.FormatFloat(meta.Lat, 'f', -1, 64),
			"lon":       strconv.FormatFloat(meta.Lon, 'f', -1, 64),
			"timestamp": meta.Timestamp,
		}
		for field, value := range fields {
			if value == "" {
				continue
			}
			if err := writer.WriteField(field, value); err != nil {
				return nil, err
			}
		}
		part, err := writer.CreateFormFile("file", filepath.Base(clipPath))
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		contentType = writer.FormDataContentType()
		return &buf, nil
	}
	return c.do(ctx, http.MethodPost, "/api/upload", headers, func() (io.Reader, error) {
		body, err := buildBody()
		if err != nil {
			return nil, err
		}
		// Each attempt gets a fresh boundary, so the header follows the body.
		headers["Content-Type"] = contentType
		return body, nil
	}, nil)
}

func (c *Client) do(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	buildBody func() (io.Reader, error),
	out any,
) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if buildBody != nil {
			var err error
			bodyReader, err = buildBody()
			if err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
