package presence

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Tracking links embed the token as a query parameter, e.g.
// "SOS https://host/track?token=ab12...". Tokens are hex today but the
// pattern also admits dash/underscore so older link formats keep matching.
var tokenPattern = regexp.MustCompile(`[?&]token=([A-Za-z0-9_-]+)`)

const DefaultQuarantineCap = 10000

// UnmappedEvent is a raw inbound payload that could not be associated with a
// device. It is quarantined with enough context for manual reconciliation,
// never discarded.
type UnmappedEvent struct {
	RawText    string `json:"rawText"`
	Sender     string `json:"sender,omitempty"`
	Timestamp  string `json:"timestamp"`
	Token      string `json:"token,omitempty"`
	ReceivedAt string `json:"receivedAt"`
}

// IngestResult reports whether a free-text event was mapped to a device.
type IngestResult struct {
	Matched bool   `json:"matched"`
	Device  string `json:"device,omitempty"`
}

// Normalizer turns free-text inbound events (SMS bodies carrying a tracking
// link) into canonical state transitions. The token lookup is non-destructive:
// redemption is reserved for the mark-safe flow, and SMS delivery may retry
// the same body any number of times.
type Normalizer struct {
	records       *RecordManager
	tokens        *TokenBroker
	store         Store
	quarantineCap int
	now           func() time.Time
}

func NewNormalizer(records *RecordManager, tokens *TokenBroker, store Store, quarantineCap int) *Normalizer {
	if quarantineCap <= 0 {
		quarantineCap = DefaultQuarantineCap
	}
	return &Normalizer{
		records:       records,
		tokens:        tokens,
		store:         store,
		quarantineCap: quarantineCap,
		now:           time.Now,
	}
}

// ExtractToken returns the first token embedded in a tracking link, or "".
func ExtractToken(text string) string {
	match := tokenPattern.FindStringSubmatch(text)
	if match == nil {
		return ""
	}
	return match[1]
}

// Ingest classifies one free-text event. A matched token becomes a
// coordinate-preserving MarkActive merge on the bound device; anything else
// lands in quarantine. Malformed text is not an error: the result simply
// reports matched=false.
func (n *Normalizer) Ingest(ctx context.Context, rawText, sender, timestamp string) (IngestResult, error) {
	token := ExtractToken(rawText)
	if token != "" {
		device, err := n.tokens.Peek(ctx, token)
		if err != nil {
			return IngestResult{}, err
		}
		if device != "" {
			if _, err := n.records.MarkActive(ctx, device, timestamp, rawText, sender); err != nil {
				return IngestResult{}, err
			}
			return IngestResult{Matched: true, Device: device}, nil
		}
	}
	if err := n.quarantine(ctx, rawText, sender, timestamp, token); err != nil {
		return IngestResult{}, err
	}
	return IngestResult{Matched: false}, nil
}

func (n *Normalizer) quarantine(ctx context.Context, rawText, sender, timestamp, token string) error {
	if strings.TrimSpace(timestamp) == "" {
		timestamp = n.now().UTC().Format(time.RFC3339)
	}
	event := UnmappedEvent{
		RawText:    rawText,
		Sender:     sender,
		Timestamp:  timestamp,
		Token:      token,
		ReceivedAt: n.now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.store.PushCapped(ctx, quarantineKey, string(data), n.quarantineCap)
}

// Quarantined returns up to limit unmapped events, newest first.
func (n *Normalizer) Quarantined(ctx context.Context, limit int) ([]UnmappedEvent, error) {
	if limit <= 0 || limit > n.quarantineCap {
		limit = n.quarantineCap
	}
	raws, err := n.store.ListRange(ctx, quarantineKey, limit)
	if err != nil {
		return nil, err
	}
	events := make([]UnmappedEvent, 0, len(raws))
	for _, raw := range raws {
		var event UnmappedEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}
