package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/database"
	"github.com/escalor/escalor/internal/services"
)

// AlertHandler receives inbound alert webhooks
type AlertHandler struct {
	alertService *services.AlertService
}

// NewAlertHandler creates a new alert handler
func NewAlertHandler(alertService *services.AlertService) *AlertHandler {
	return &AlertHandler{alertService: alertService}
}

// inboundPayload is the generic webhook body. Unknown fields are kept in the
// stored raw payload, so sources can send whatever extra context they have.
type inboundPayload struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	Fingerprint string `json:"fingerprint"`
	Status      string `json:"status"` // "firing" (default) or "resolved"
}

// HandleWebhook processes incoming alert webhooks
// Route: /webhook/alert/{integration_uuid}
func (h *AlertHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/webhook/alert/")
	integrationUUID := strings.TrimSuffix(path, "/")
	if integrationUUID == "" {
		respondError(w, http.StatusBadRequest, "Missing integration UUID")
		return
	}

	integration, err := h.alertService.GetIntegrationByUUID(integrationUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Alert integration not found: %s", integrationUUID)
			respondError(w, http.StatusNotFound, "Integration not found")
			return
		}
		log.Printf("Error looking up integration %s: %v", integrationUUID, err)
		respondError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if !integration.Enabled {
		log.Printf("Alert integration disabled: %s", integrationUUID)
		respondError(w, http.StatusForbidden, "Integration disabled")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	var payload inboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if payload.Title == "" {
		respondError(w, http.StatusBadRequest, "Missing alert title")
		return
	}

	var raw database.JSONB
	if err := json.Unmarshal(body, &raw); err != nil {
		raw = nil
	}

	inbound := &services.InboundAlert{
		Title:           payload.Title,
		Message:         payload.Message,
		Fingerprint:     payload.Fingerprint,
		Payload:         raw,
		IsResolveSignal: payload.Status == "resolved",
	}

	group, err := h.alertService.ProcessAlert(integration, inbound)
	if err != nil {
		log.Printf("Error processing alert for integration %s: %v", integration.Name, err)
		respondError(w, http.StatusInternalServerError, "Failed to process alert")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"alert_group_id": group.PublicID,
		"status":         string(group.Status),
	})
}
