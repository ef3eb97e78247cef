package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"gridserver/internal/config"
	"gridserver/internal/state"
	"gridserver/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard may be served from anywhere
		return true
	},
}

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	provider EngineProvider
	cfg      config.Config
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(provider EngineProvider, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
}

// sanitizeTickBody strips the junk some agent runtimes append to the JSON
// payload: NUL padding from fixed-size buffers and stray bytes after the
// closing brace.
func sanitizeTickBody(body []byte) []byte {
	body = bytes.TrimRight(body, "\x00")
	body = bytes.TrimSpace(body)
	if i := bytes.LastIndexByte(body, '}'); i >= 0 {
		body = body[:i+1]
	}
	return body
}

// HandleTick receives the agent's state report and replies with a directive.
// A malformed body is answered with WAIT rather than an error status: the
// agent treats any non-200 as a hard failure and we would rather skip a tick.
func (h *Handlers) HandleTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read tick body", "error", err)
		h.writeJSON(w, types.Wait())
		return
	}

	var tick types.Tick
	if err := json.Unmarshal(sanitizeTickBody(body), &tick); err != nil {
		h.logger.Error("failed to parse tick body", "error", err, "bytes", len(body))
		h.writeJSON(w, types.Wait())
		return
	}

	directive := h.provider.HandleTick(tick)
	h.writeJSON(w, directive)
}

// HandleUpdateSettings replaces the grid settings for both sides
func (h *Handlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var settings state.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if err := h.provider.UpdateSettings(settings); err != nil {
		h.logger.Warn("settings rejected", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "detail": err.Error()})
		return
	}

	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleControl flips the engine switches
func (h *Handlers) HandleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	result := h.provider.ApplyControl(req)
	h.writeJSON(w, result)
}

// HandleUIData returns the full dashboard payload
func (h *Handlers) HandleUIData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, h.provider.UIData())
}

// HandleHealth returns engine health plus version and toggle state
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, h.provider.Health())
}

// HandleRoot answers the bare liveness probe
func (h *Handlers) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	h.writeJSON(w, map[string]string{
		"status":  "running",
		"version": h.provider.Health().Version,
	})
}

// HandleWebSocket upgrades the connection and creates a new WebSocket client
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	// Send the current dashboard state so the client does not have to
	// poll /api/ui-data before the first event arrives
	evt := Event{Type: "snapshot", Data: h.provider.UIData()}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
