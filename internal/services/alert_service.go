package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"regexp"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/database"
	"github.com/escalor/escalor/internal/escalation"
	"github.com/escalor/escalor/internal/events"
)

// AlertService receives raw alerts, routes them through channel filters and
// attaches them to alert groups
type AlertService struct {
	db          *gorm.DB
	groups      *AlertGroupService
	escalations *escalation.Manager
	bus         *events.Bus
}

// NewAlertService creates the ingest service
func NewAlertService(db *gorm.DB, groups *AlertGroupService, escalations *escalation.Manager, bus *events.Bus) *AlertService {
	return &AlertService{db: db, groups: groups, escalations: escalations, bus: bus}
}

// GetIntegrationByUUID looks up an integration by its webhook token
func (s *AlertService) GetIntegrationByUUID(integrationUUID string) (*database.Integration, error) {
	var integration database.Integration
	err := s.db.Where("uuid = ?", integrationUUID).First(&integration).Error
	if err != nil {
		return nil, err
	}
	return &integration, nil
}

// InboundAlert is one normalized alert extracted from a webhook payload
type InboundAlert struct {
	Title           string
	Message         string
	Fingerprint     string
	Payload         database.JSONB
	IsResolveSignal bool
}

// ProcessAlert routes one inbound alert to its alert group, creating the
// group (and starting escalation) when the fingerprint opens a new one.
// A resolve signal resolves the group on behalf of the source instead of
// escalating it.
func (s *AlertService) ProcessAlert(integration *database.Integration, inbound *InboundAlert) (*database.AlertGroup, error) {
	fingerprint := inbound.Fingerprint
	if fingerprint == "" {
		sum := sha256.Sum256([]byte(inbound.Title))
		fingerprint = hex.EncodeToString(sum[:16])
	}

	filter, err := s.matchChannelFilter(integration, inbound)
	if err != nil {
		return nil, err
	}

	group, created, err := database.GetOrCreateGrouping(s.db, integration, filter, fingerprint, inbound.Title)
	if err != nil {
		return nil, fmt.Errorf("failed to group alert: %w", err)
	}

	alert := &database.Alert{
		PublicID:        uuid.New().String(),
		AlertGroupID:    group.ID,
		Title:           inbound.Title,
		Message:         inbound.Message,
		Payload:         inbound.Payload,
		IsResolveSignal: inbound.IsResolveSignal,
	}
	if err := s.db.Create(alert).Error; err != nil {
		return nil, fmt.Errorf("failed to store alert: %w", err)
	}

	if inbound.IsResolveSignal {
		if _, err := s.groups.Resolve(group.ID, nil, database.ActionBySource); err != nil {
			return nil, err
		}
		return database.GetAlertGroup(s.db, group.ID)
	}

	if created {
		record := &database.AlertGroupLogRecord{
			AlertGroupID: group.ID,
			Type:         database.LogTypeRegistered,
			Reason:       "alert group registered",
		}
		if err := database.AddLogRecord(s.db, record); err != nil {
			log.Printf("Alerts: failed to write registered log record for group %d: %v", group.ID, err)
		}
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type:         database.LogTypeRegistered,
				AlertGroupID: group.PublicID,
				Status:       string(group.Status),
				Reason:       inbound.Title,
			})
		}
		if err := s.escalations.StartEscalation(s.db, group, escalation.StartEscalationDelay); err != nil {
			return nil, err
		}
		return group, nil
	}

	// Attaching to an existing group
	switch group.Status {
	case database.AlertGroupResolved:
		// Exactly one of several racing attaches reopens the group
		if _, err := s.groups.Unresolve(group.ID, nil, "new alert attached to a resolved group"); err != nil {
			return nil, err
		}
	case database.AlertGroupFiring:
		// A paused notify_if_num_alerts step re-checks its threshold now
		if err := s.escalations.ResumeIfPaused(s.db, group); err != nil {
			return nil, err
		}
	}
	return database.GetAlertGroup(s.db, group.ID)
}

// matchChannelFilter walks the integration's filters in order and returns the
// first whose term matches the alert, falling back to the default filter.
// Returns nil when the integration has no filters, or when no term matches
// and no default filter exists; the group is then created without a route and
// never escalates on its own.
func (s *AlertService) matchChannelFilter(integration *database.Integration, inbound *InboundAlert) (*database.ChannelFilter, error) {
	var filters []database.ChannelFilter
	err := s.db.Where("integration_id = ?", integration.ID).
		Order("is_default asc, \"order\" asc").
		Find(&filters).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load channel filters for integration %s: %w", integration.Name, err)
	}
	if len(filters) == 0 {
		return nil, nil
	}

	haystack := inbound.Title + "\n" + inbound.Message
	if len(inbound.Payload) > 0 {
		if data, err := json.Marshal(inbound.Payload); err == nil {
			haystack += "\n" + string(data)
		}
	}

	var fallback *database.ChannelFilter
	for i := range filters {
		filter := &filters[i]
		if filter.IsDefault {
			if fallback == nil {
				fallback = filter
			}
			continue
		}
		if filter.FilteringTerm == "" {
			continue
		}
		re, err := regexp.Compile(filter.FilteringTerm)
		if err != nil {
			log.Printf("Alerts: channel filter %d has an invalid term %q, skipping: %v", filter.ID, filter.FilteringTerm, err)
			continue
		}
		if re.MatchString(haystack) {
			return filter, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	log.Printf("Alerts: no channel filter of integration %s matched and none is default, alert stays unrouted", integration.Name)
	return nil, nil
}
