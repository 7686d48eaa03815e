package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lakshyagupta8383/sheSafe/internal/presence"
)

// handleLive streams presence updates over a websocket. An optional device
// query parameter narrows the feed to one device; without it the connection
// receives every update. Slow consumers drop updates rather than stall the
// engine.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("live: websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := r.Context()

	updates := make(chan presence.Update, 32)
	unsubscribe := s.engine.Subscribe(func(update presence.Update) {
		if device != "" && update.Device != device {
			return
		}
		select {
		case updates <- update:
		default:
		}
	})
	defer unsubscribe()

	// Seed the connection with the current record so a viewer joining
	// mid-incident is not blank until the next event.
	if device != "" {
		if record, err := s.engine.GetLatest(ctx, device); err == nil {
			seed := presence.Update{Device: device, Kind: "snapshot", Record: record}
			if err := wsjson.Write(ctx, conn, seed); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case update := <-updates:
			if err := wsjson.Write(ctx, conn, update); err != nil {
				if ctx.Err() == nil {
					s.logger.Printf("live: write failed: %v", err)
				}
				return
			}
		}
	}
}
