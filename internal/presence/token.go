package presence

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	// 16 random bytes, hex-encoded to 32 characters. Long enough that
	// guessing within any sane TTL window is infeasible.
	tokenRandomBytes = 16

	DefaultTokenTTL = 15 * time.Minute
)

// TokenBroker issues short-lived single-use tokens bound to a device and
// redeems each at most once. Redemption rides on the store's atomic
// GetAndDelete, so exactly one of any number of concurrent redeemers wins.
type TokenBroker struct {
	store Store
}

func NewTokenBroker(store Store) *TokenBroker {
	return &TokenBroker{store: store}
}

// Issue generates a fresh token for the device. Collisions are not checked;
// at 128 bits of entropy the probability is negligible.
func (b *TokenBroker) Issue(ctx context.Context, device string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(device) == "" {
		return "", fmt.Errorf("%w: empty device id", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	buf := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token generation failed: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := b.store.SetWithTTL(ctx, tokenKey(token), device, ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Redeem consumes the token and returns its bound device. The empty string
// means the token never existed, already expired, or was already redeemed;
// the caller cannot distinguish the three, which is intentional.
func (b *TokenBroker) Redeem(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", nil
	}
	device, found, err := b.store.GetAndDelete(ctx, tokenKey(token))
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	return device, nil
}

// Peek resolves the token's bound device without consuming it. Used by the
// event normalizer: repeated SMS location pings must not exhaust a token that
// is still needed for the safety confirmation.
func (b *TokenBroker) Peek(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", nil
	}
	device, found, err := b.store.Get(ctx, tokenKey(token))
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	return device, nil
}
