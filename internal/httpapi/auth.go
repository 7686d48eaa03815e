package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifyWebhookAuth accepts either of the two credentials an SMS gateway may
// present: X-Provider-Signature, a hex HMAC-SHA256 of the raw body keyed with
// the shared secret, or X-Webhook-Token, the shared secret itself. Signature
// wins when both are present. Comparisons are constant time.
func verifyWebhookAuth(secret, headerSig, headerToken string, body []byte) *authError {
	if secret == "" {
		return &authError{status: 503, code: "not_configured", message: "webhook secret not configured"}
	}
	if sig := strings.TrimSpace(headerSig); sig != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		_, _ = mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected)) {
			return nil
		}
		return &authError{status: 401, code: "unauthorized", message: "invalid signature"}
	}
	if token := strings.TrimSpace(headerToken); token != "" {
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
			return nil
		}
		return &authError{status: 401, code: "unauthorized", message: "invalid webhook token"}
	}
	return &authError{status: 401, code: "unauthorized", message: "missing signature or token"}
}

// verifyDeviceToken checks the static gateway upload credential.
func verifyDeviceToken(expected, presented string) *authError {
	if expected == "" {
		return &authError{status: 503, code: "not_configured", message: "device token not configured"}
	}
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing device token"}
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return &authError{status: 401, code: "unauthorized", message: "invalid device token"}
	}
	return nil
}

// SignBody produces the X-Provider-Signature value for a webhook body. Shared
// with the gateway so both sides agree on the format.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
