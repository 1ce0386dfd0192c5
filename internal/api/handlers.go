package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handlers serves the control-plane endpoints. All engine access goes
// through the Controller.
type Handlers struct {
	ctrl   Controller
	hub    *Hub
	logger zerolog.Logger

	upgrader websocket.Upgrader
}

func NewHandlers(ctrl Controller, hub *Hub, logger zerolog.Logger) *Handlers {
	h := &Handlers{
		ctrl:   ctrl,
		hub:    hub,
		logger: logger.With().Str("component", "api-handlers").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), r.Host)
		},
	}
	return h
}

// HandleHealth serves the liveness payload.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Health())
}

// HandleStatus serves the full engine snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// HandleCommand forwards a control command into the engine queue and
// blocks for its result.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, CommandResult{
			Message:   "bad request: " + err.Error(),
			Timestamp: time.Now(),
		})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, CommandResult{
			Message:   "missing command name",
			Timestamp: time.Now(),
		})
		return
	}

	res := h.ctrl.Command(req.Name, req.CorrelationID)
	h.logger.Info().
		Str("command", req.Name).
		Str("correlation_id", req.CorrelationID).
		Bool("success", res.Success).
		Str("message", res.Message).
		Msg("command dispatched")
	writeJSON(w, http.StatusOK, res)
}

// HandleWebSocket upgrades the connection and seeds the client with the
// current engine snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(h.hub, conn)
	if client == nil {
		return
	}

	seed := StreamEvent{
		Type:      "status",
		Timestamp: time.Now(),
		Data:      h.ctrl.Status(),
	}
	data, err := json.Marshal(seed)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal initial snapshot")
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn().Msg("initial snapshot dropped, client buffer full")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// isOriginAllowed permits same-host and loopback browser origins. Empty
// origin means a non-browser client, which is always allowed.
func isOriginAllowed(origin, reqHost string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == reqHost {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasSuffix(host, ".localhost")
}
