package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"jimbot/services/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Deployment is a trusted LAN; origins are not filtered here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// SubscribeHandler upgrades the connection and streams every event matching
// the requested pattern as a JSON envelope until the client disconnects.
func (h *HandlerSet) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
		if pattern == "" {
			writeJSON(w, http.StatusBadRequest, apiError("pattern query parameter required"))
			return
		}
		subscriberID := strings.TrimSpace(r.URL.Query().Get("subscriber_id"))
		if subscriberID == "" {
			subscriberID = r.RemoteAddr
		}

		sub, err := h.router.SubscribeChannel(pattern, 0)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiError(err.Error()))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			sub.Close()
			return
		}

		logger := h.logger.With(
			logging.String("subscriber_id", subscriberID),
			logging.String("pattern", pattern))
		logger.Info("websocket subscriber attached")

		done := make(chan struct{})
		go func() {
			//1.- Pump matched events to the socket until the reader signals exit.
			for {
				select {
				case <-done:
					return
				case event := <-sub.Events():
					if event == nil {
						continue
					}
					if err := conn.WriteJSON(event.Envelope()); err != nil {
						logger.Debug("websocket write failed", logging.Error(err))
						_ = conn.Close()
						return
					}
				}
			}
		}()

		//2.- Block on reads purely to observe disconnection, then prune the sink.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		close(done)
		sub.Close()
		_ = conn.Close()
		logger.Info("websocket subscriber detached")
	}
}
