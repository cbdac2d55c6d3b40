package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/database"
	"github.com/escalor/escalor/internal/middleware"
	"github.com/escalor/escalor/internal/services"
)

// AlertGroupHandler exposes alert group queries and actions
type AlertGroupHandler struct {
	db     *gorm.DB
	groups *services.AlertGroupService
}

// NewAlertGroupHandler creates a new alert group handler
func NewAlertGroupHandler(db *gorm.DB, groups *services.AlertGroupService) *AlertGroupHandler {
	return &AlertGroupHandler{db: db, groups: groups}
}

// Handle dispatches /api/alertgroups requests
// Routes:
//
//	GET  /api/alertgroups
//	GET  /api/alertgroups/{public_id}
//	POST /api/alertgroups/{public_id}/{action}
func (h *AlertGroupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/alertgroups"), "/")

	if rest == "" {
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		h.handleList(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	publicID := parts[0]

	group, err := database.GetAlertGroupByPublicID(h.db, publicID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Alert group not found")
			return
		}
		log.Printf("Error loading alert group %s: %v", publicID, err)
		respondError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		h.handleGet(w, group)
		return
	}

	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	h.handleAction(w, r, group, parts[1])
}

func (h *AlertGroupHandler) handleList(w http.ResponseWriter, r *http.Request) {
	query := h.db.Order("started_at desc")
	if status := r.URL.Query().Get("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	var groups []database.AlertGroup
	if err := query.Limit(limit).Find(&groups).Error; err != nil {
		log.Printf("Error listing alert groups: %v", err)
		respondError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"alert_groups": groups})
}

func (h *AlertGroupHandler) handleGet(w http.ResponseWriter, group *database.AlertGroup) {
	var full database.AlertGroup
	err := h.db.Preload("Alerts").Preload("LogRecords").First(&full, group.ID).Error
	if err != nil {
		log.Printf("Error loading alert group %d: %v", group.ID, err)
		respondError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	respondJSON(w, http.StatusOK, &full)
}

type actionRequest struct {
	DelaySeconds *int `json:"delay_seconds"` // silence only; nil means forever
}

func (h *AlertGroupHandler) handleAction(w http.ResponseWriter, r *http.Request, group *database.AlertGroup, action string) {
	var req actionRequest
	if r.Body != nil {
		// Body is optional for every action except a timed silence
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	userID := h.actingUserID(r)

	var changed bool
	var err error
	switch action {
	case "acknowledge":
		changed, err = h.groups.Acknowledge(group.ID, userID, database.ActionByUser)
	case "unacknowledge":
		changed, err = h.groups.Unacknowledge(group.ID, userID)
	case "resolve":
		changed, err = h.groups.Resolve(group.ID, userID, database.ActionByUser)
	case "unresolve":
		changed, err = h.groups.Unresolve(group.ID, userID, "reopened via API")
	case "silence":
		changed, err = h.groups.Silence(group.ID, userID, req.DelaySeconds)
	case "unsilence":
		changed, err = h.groups.Unsilence(group.ID, userID)
	case "wipe":
		changed, err = h.groups.Wipe(group.ID, userID)
	default:
		respondError(w, http.StatusNotFound, "Unknown action")
		return
	}

	if err != nil {
		log.Printf("Error applying %s to alert group %s: %v", action, group.PublicID, err)
		respondError(w, http.StatusInternalServerError, "Failed to apply action")
		return
	}

	updated, err := database.GetAlertGroup(h.db, group.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"changed":     changed,
		"alert_group": updated,
	})
}

// actingUserID maps the authenticated username to a user record. Actions by
// accounts without a matching user (like the admin login) carry no author.
func (h *AlertGroupHandler) actingUserID(r *http.Request) *uint {
	username := middleware.GetUserFromContext(r.Context())
	if username == "" {
		return nil
	}
	var user database.User
	if err := h.db.Where("username = ?", username).First(&user).Error; err != nil {
		return nil
	}
	return &user.ID
}
