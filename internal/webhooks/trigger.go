package webhooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/database"
	"github.com/escalor/escalor/internal/scheduler"
)

// Trigger fires outgoing webhooks for alert groups. Delivery goes through the
// task queue so an escalation step never blocks on a slow receiver; the task
// handler does the actual HTTP call.
type Trigger struct {
	db     *gorm.DB
	queue  *scheduler.Scheduler
	client *http.Client
}

// NewTrigger creates a webhook trigger
func NewTrigger(db *gorm.DB, queue *scheduler.Scheduler) *Trigger {
	return &Trigger{
		db:     db,
		queue:  queue,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// RegisterHandlers binds the webhook task kind to this trigger
func (t *Trigger) RegisterHandlers() {
	t.queue.Register(database.TaskKindWebhook, t.handleWebhookTask)
}

// TriggerWebhook enqueues delivery of one webhook for one alert group
func (t *Trigger) TriggerWebhook(webhookID, alertGroupID uint) error {
	payload := database.JSONB{"webhook_id": webhookID}
	_, err := t.queue.Schedule(database.TaskKindWebhook, &alertGroupID, payload, time.Now().UTC())
	return err
}

func (t *Trigger) handleWebhookTask(task *database.ScheduledTask) error {
	webhookID, ok := task.Payload.Uint("webhook_id")
	if !ok || task.AlertGroupID == nil {
		log.Printf("Webhooks: task %s has a malformed payload, dropping", task.TaskUUID)
		return nil
	}

	var webhook database.CustomWebhook
	if err := t.db.First(&webhook, webhookID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Webhooks: webhook %d is gone, dropping task %s", webhookID, task.TaskUUID)
			return nil
		}
		return fmt.Errorf("failed to load webhook %d: %w", webhookID, err)
	}
	if !webhook.Enabled {
		log.Printf("Webhooks: webhook %s is disabled, skipping", webhook.Name)
		return nil
	}

	group, err := database.GetAlertGroup(t.db, *task.AlertGroupID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load alert group %d: %w", *task.AlertGroupID, err)
	}

	return t.deliver(&webhook, group)
}

func (t *Trigger) deliver(webhook *database.CustomWebhook, group *database.AlertGroup) error {
	body, err := json.Marshal(map[string]interface{}{
		"alert_group_id": group.PublicID,
		"title":          group.Title,
		"status":         group.Status,
		"started_at":     group.StartedAt.UTC().Format(time.RFC3339),
		"fingerprint":    group.Fingerprint,
	})
	if err != nil {
		return err
	}

	method := webhook.HTTPMethod
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequest(method, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request for %s: %w", webhook.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range webhook.Headers {
		if s, ok := value.(string); ok {
			req.Header.Set(key, s)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s delivery failed: %w", webhook.Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook %s returned status %d", webhook.Name, resp.StatusCode)
	}
	log.Printf("Webhooks: delivered %s for alert group %s (status %d)", webhook.Name, group.PublicID, resp.StatusCode)
	return nil
}
