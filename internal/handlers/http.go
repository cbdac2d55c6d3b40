package handlers

import (
	"net/http"
)

// HTTPHandler wires all HTTP endpoints
type HTTPHandler struct {
	alertHandler      *AlertHandler
	alertGroupHandler *AlertGroupHandler
	authHandler       *AuthHandler
	eventsHandler     *EventsHandler
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(alertHandler *AlertHandler, alertGroupHandler *AlertGroupHandler, authHandler *AuthHandler, eventsHandler *EventsHandler) *HTTPHandler {
	return &HTTPHandler{
		alertHandler:      alertHandler,
		alertGroupHandler: alertGroupHandler,
		authHandler:       authHandler,
		eventsHandler:     eventsHandler,
	}
}

// SetupRoutes configures all HTTP routes
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)

	// Alert webhooks: /webhook/alert/{integration_uuid}
	if h.alertHandler != nil {
		mux.HandleFunc("/webhook/alert/", h.alertHandler.HandleWebhook)
	}
	if h.authHandler != nil {
		mux.HandleFunc("/auth/login", h.authHandler.HandleLogin)
	}
	if h.alertGroupHandler != nil {
		mux.HandleFunc("/api/alertgroups", h.alertGroupHandler.Handle)
		mux.HandleFunc("/api/alertgroups/", h.alertGroupHandler.Handle)
	}
	if h.eventsHandler != nil {
		mux.HandleFunc("/api/events", h.eventsHandler.HandleEvents)
	}
}

// handleHealth returns a simple health check response
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
