package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/database"
	"github.com/escalor/escalor/internal/escalation"
	"github.com/escalor/escalor/internal/events"
	"github.com/escalor/escalor/internal/scheduler"
	"github.com/escalor/escalor/internal/services"
	"github.com/escalor/escalor/internal/testhelpers"
)

func setupAlertHandler(t *testing.T) (*AlertHandler, *database.Integration, *gorm.DB) {
	t.Helper()
	db := testhelpers.SetupTestDB(t)
	queue := scheduler.New(db, 1, 10*time.Millisecond)
	bus := events.NewBus()
	executor := escalation.NewExecutor(db, nil, nil, nil)
	manager := escalation.NewManager(db, queue, executor)
	groups := services.NewAlertGroupService(db, queue, manager, bus)
	alerts := services.NewAlertService(db, groups, manager, bus)

	integration := testhelpers.CreateIntegration(t, db, "grafana")
	return NewAlertHandler(alerts), integration, db
}

func postAlert(t *testing.T, handler *AlertHandler, uuid, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/alert/"+uuid, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.HandleWebhook(rec, req)
	return rec
}

func TestHandleWebhook(t *testing.T) {
	handler, integration, _ := setupAlertHandler(t)

	rec := postAlert(t, handler, integration.UUID, `{"title":"disk full","message":"root at 98%"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp["alert_group_id"] == "" {
		t.Errorf("response must carry the alert group id")
	}
	if resp["status"] != string(database.AlertGroupFiring) {
		t.Errorf("a new group fires, got %q", resp["status"])
	}
}

func TestHandleWebhookResolveSignal(t *testing.T) {
	handler, integration, _ := setupAlertHandler(t)

	if rec := postAlert(t, handler, integration.UUID, `{"title":"disk full","fingerprint":"fp"}`); rec.Code != http.StatusOK {
		t.Fatalf("firing alert failed: %d", rec.Code)
	}
	rec := postAlert(t, handler, integration.UUID, `{"title":"disk full","fingerprint":"fp","status":"resolved"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve signal failed: %d", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp["status"] != string(database.AlertGroupResolved) {
		t.Errorf("a resolve signal resolves the group, got %q", resp["status"])
	}
}

func TestHandleWebhookUnknownIntegration(t *testing.T) {
	handler, _, _ := setupAlertHandler(t)

	rec := postAlert(t, handler, "no-such-integration", `{"title":"disk full"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}

func TestHandleWebhookDisabledIntegration(t *testing.T) {
	handler, integration, db := setupAlertHandler(t)
	err := db.Model(&database.Integration{}).Where("id = ?", integration.ID).
		Update("enabled", false).Error
	if err != nil {
		t.Fatalf("failed to disable integration: %v", err)
	}

	rec := postAlert(t, handler, integration.UUID, `{"title":"disk full"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestHandleWebhookRejectsBadRequests(t *testing.T) {
	handler, integration, _ := setupAlertHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook/alert/"+integration.UUID, nil)
	rec := httptest.NewRecorder()
	handler.HandleWebhook(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: expected status 405, got %d", rec.Code)
	}

	if rec := postAlert(t, handler, integration.UUID, `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON: expected status 400, got %d", rec.Code)
	}
	if rec := postAlert(t, handler, integration.UUID, `{"message":"no title"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing title: expected status 400, got %d", rec.Code)
	}
	if rec := postAlert(t, handler, "", `{"title":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing uuid: expected status 400, got %d", rec.Code)
	}
}
