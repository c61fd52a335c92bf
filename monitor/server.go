package monitor

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Handler mounts the monitor bus on an http.ServeMux as a WebSocket
// endpoint, grounded on mrf-agent-racer/backend/internal/ws/server.go's
// handleWS/checkOrigin shape.
type Handler struct {
	bus            *Bus
	allowedOrigins map[string]bool
	allowAll       bool
}

// NewHandler builds a monitor Handler. allowOrigins follows spec §6.2's
// allow_origins list, with "*" as a wildcard.
func NewHandler(bus *Bus, allowOrigins []string) *Handler {
	h := &Handler{bus: bus, allowedOrigins: make(map[string]bool)}
	for _, o := range allowOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			h.allowAll = true
			continue
		}
		if o != "" {
			h.allowedOrigins[o] = true
		}
	}
	return h
}

var upgrader = websocket.Upgrader{}

// ServeHTTP upgrades to WebSocket and pumps bus events to the new
// subscriber until it disconnects (spec §6.3 Monitor endpoint).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warningf("monitor upgrade failed: %v", err)
		return
	}

	sub := h.bus.Subscribe()
	go h.readLoop(conn, sub)
	h.writeLoop(conn, sub)
}

// readLoop implements supplemented feature 4: subscriber commands
// (watch_session/stop_watching) arrive on the same socket that
// delivers events.
func (h *Handler) readLoop(conn *websocket.Conn, sub *Subscriber) {
	defer h.bus.Unsubscribe(sub)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		h.bus.HandleCommand(sub, cmd)
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, sub *Subscriber) {
	defer conn.Close()
	for {
		select {
		case frame, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.bus.Unsubscribe(sub)
				return
			}
		case <-sub.Done():
			return
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowAll {
		return true
	}
	if h.allowedOrigins[origin] {
		return true
	}
	if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
		return h.allowedOrigins[parsed.Host]
	}
	return false
}
