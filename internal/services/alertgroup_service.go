package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/database"
	"github.com/escalor/escalor/internal/escalation"
	"github.com/escalor/escalor/internal/events"
	"github.com/escalor/escalor/internal/scheduler"
)

// AlertGroupService is the only writer of AlertGroup.Status. Every transition
// runs in a transaction under a row lock, so concurrent actions on the same
// group serialize and each one sees the state the previous one left behind.
//
// Transition methods return changed=false with a nil error when the group is
// not in a state the transition applies to; callers treat that as "somebody
// got there first", not as a failure.
type AlertGroupService struct {
	db          *gorm.DB
	queue       *scheduler.Scheduler
	escalations *escalation.Manager
	bus         *events.Bus
}

// NewAlertGroupService creates the state machine service
func NewAlertGroupService(db *gorm.DB, queue *scheduler.Scheduler, escalations *escalation.Manager, bus *events.Bus) *AlertGroupService {
	return &AlertGroupService{db: db, queue: queue, escalations: escalations, bus: bus}
}

// RegisterHandlers binds the unsilence task kind to this service
func (s *AlertGroupService) RegisterHandlers() {
	s.queue.Register(database.TaskKindUnsilence, s.handleUnsilenceTask)
}

// Acknowledge marks a firing or silenced group as acknowledged and stops its
// escalation. The snapshot cursor stays put so Unacknowledge can resume.
func (s *AlertGroupService) Acknowledge(groupID uint, userID *uint, source string) (bool, error) {
	changed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		group, err := database.GetAlertGroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		if group.Status != database.AlertGroupFiring && group.Status != database.AlertGroupSilenced {
			return nil
		}
		if group.WipedAt != nil {
			return nil
		}

		if group.Status == database.AlertGroupSilenced {
			if err := s.liftSilence(tx, group, userID); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		err = tx.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
			Updates(map[string]interface{}{
				"status":                  database.AlertGroupAcknowledged,
				"acknowledged_at":         now,
				"acknowledged_by":         source,
				"acknowledged_by_user_id": userID,
			}).Error
		if err != nil {
			return err
		}
		group.Status = database.AlertGroupAcknowledged
		group.AcknowledgedAt = &now

		if err := s.escalations.StopEscalation(tx, group); err != nil {
			return err
		}
		s.logAndPublish(tx, group, database.LogTypeAck, userID, "alert group acknowledged")
		changed = true
		return nil
	})
	return changed, err
}

// Unacknowledge takes an acknowledge back. Escalation resumes from the stored
// cursor: steps already executed do not run again.
func (s *AlertGroupService) Unacknowledge(groupID uint, userID *uint) (bool, error) {
	changed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		group, err := database.GetAlertGroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		if group.Status != database.AlertGroupAcknowledged || group.WipedAt != nil {
			return nil
		}

		err = tx.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
			Updates(map[string]interface{}{
				"status":                  database.AlertGroupFiring,
				"acknowledged_at":         nil,
				"acknowledged_by":         "",
				"acknowledged_by_user_id": nil,
			}).Error
		if err != nil {
			return err
		}
		group.Status = database.AlertGroupFiring
		group.AcknowledgedAt = nil

		if err := s.escalations.ContinueEscalation(tx, group, time.Now().UTC().Add(escalation.NextEscalationDelay)); err != nil {
			return err
		}
		s.logAndPublish(tx, group, database.LogTypeUnAck, userID, "acknowledge taken back")
		changed = true
		return nil
	})
	return changed, err
}

// Resolve closes the group. Works from firing, acknowledged and silenced;
// response time (started to first human reaction) is persisted here.
func (s *AlertGroupService) Resolve(groupID uint, userID *uint, source string) (bool, error) {
	changed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		group, err := database.GetAlertGroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		if group.Status == database.AlertGroupResolved {
			return nil
		}

		if group.Status == database.AlertGroupSilenced {
			if err := s.liftSilence(tx, group, userID); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		reactedAt := now
		if group.AcknowledgedAt != nil && group.AcknowledgedAt.Before(now) {
			reactedAt = *group.AcknowledgedAt
		}
		responseTime := int64(reactedAt.Sub(group.StartedAt).Seconds())

		err = tx.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
			Updates(map[string]interface{}{
				"status":                database.AlertGroupResolved,
				"resolved_at":           now,
				"resolved_by":           source,
				"resolved_by_user_id":   userID,
				"response_time_seconds": responseTime,
			}).Error
		if err != nil {
			return err
		}
		group.Status = database.AlertGroupResolved
		group.ResolvedAt = &now

		if err := s.escalations.StopEscalation(tx, group); err != nil {
			return err
		}
		s.logAndPublish(tx, group, database.LogTypeResolved, userID, fmt.Sprintf("resolved by %s", source))
		changed = true
		return nil
	})
	return changed, err
}

// ResolveByLastStep closes a group on behalf of a final_resolve escalation step
func (s *AlertGroupService) ResolveByLastStep(alertGroupID uint) error {
	_, err := s.Resolve(alertGroupID, nil, database.ActionByLastStep)
	return err
}

// Unresolve reopens a resolved group and restarts escalation from the top
// with a fresh snapshot. The status guard in the update makes the reopen
// exactly-once: two racing unresolves (say, two alerts attaching at the same
// moment) produce one reopen and one no-op.
func (s *AlertGroupService) Unresolve(groupID uint, userID *uint, reason string) (bool, error) {
	changed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&database.AlertGroup{}).
			Where("id = ? AND status = ? AND wiped_at IS NULL", groupID, database.AlertGroupResolved).
			Updates(map[string]interface{}{
				"status":              database.AlertGroupFiring,
				"resolved_at":         nil,
				"resolved_by":         "",
				"resolved_by_user_id": nil,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		group, err := database.GetAlertGroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}

		if err := s.escalations.StartEscalation(tx, group, escalation.StartEscalationDelay); err != nil {
			return err
		}
		s.logAndPublish(tx, group, database.LogTypeUnResolved, userID, reason)
		changed = true
		return nil
	})
	return changed, err
}

// Silence mutes a group. A resolved or acknowledged group is first reopened
// (with its own log records), then silenced; escalation pauses keeping the
// cursor. delaySeconds nil or zero means silenced forever, otherwise an
// unsilence task fires when the silence runs out.
func (s *AlertGroupService) Silence(groupID uint, userID *uint, delaySeconds *int) (bool, error) {
	changed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		group, err := database.GetAlertGroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		if group.Status == database.AlertGroupSilenced || group.WipedAt != nil {
			return nil
		}

		if group.Status == database.AlertGroupResolved {
			err = tx.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
				Updates(map[string]interface{}{
					"status":              database.AlertGroupFiring,
					"resolved_at":         nil,
					"resolved_by":         "",
					"resolved_by_user_id": nil,
				}).Error
			if err != nil {
				return err
			}
			s.logAndPublish(tx, group, database.LogTypeUnResolved, userID, "reopened by silence")
		}
		if group.Status == database.AlertGroupAcknowledged {
			err = tx.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
				Updates(map[string]interface{}{
					"acknowledged_at":         nil,
					"acknowledged_by":         "",
					"acknowledged_by_user_id": nil,
				}).Error
			if err != nil {
				return err
			}
			s.logAndPublish(tx, group, database.LogTypeUnAck, userID, "acknowledge taken back by silence")
		}

		now := time.Now().UTC()
		var until *time.Time
		if delaySeconds != nil && *delaySeconds > 0 {
			u := now.Add(time.Duration(*delaySeconds) * time.Second)
			until = &u
		}

		err = tx.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
			Updates(map[string]interface{}{
				"status":              database.AlertGroupSilenced,
				"silenced_at":         now,
				"silenced_until":      until,
				"silenced_by_user_id": userID,
			}).Error
		if err != nil {
			return err
		}
		group.Status = database.AlertGroupSilenced
		group.SilencedAt = &now
		group.SilencedUntil = until

		if err := s.escalations.PauseEscalation(tx, group); err != nil {
			return err
		}

		record := &database.AlertGroupLogRecord{
			AlertGroupID:        group.ID,
			Type:                database.LogTypeSilence,
			AuthorID:            userID,
			Reason:              "alert group silenced",
			SilenceDelaySeconds: delaySeconds,
		}
		if err := database.AddLogRecord(tx, record); err != nil {
			log.Printf("AlertGroups: failed to write silence log record for group %d: %v", group.ID, err)
		}
		s.publish(group, database.LogTypeSilence, "alert group silenced")

		if until != nil {
			groupIDCopy := group.ID
			if _, err := s.queue.Schedule(database.TaskKindUnsilence, &groupIDCopy, nil, *until); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	return changed, err
}

// Unsilence unmutes a group. Escalation restarts from the top with a fresh
// snapshot of the chain as configured now.
func (s *AlertGroupService) Unsilence(groupID uint, userID *uint) (bool, error) {
	changed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		group, err := database.GetAlertGroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		if group.Status != database.AlertGroupSilenced || group.WipedAt != nil {
			return nil
		}

		if err := s.liftSilence(tx, group, userID); err != nil {
			return err
		}
		if err := s.escalations.StartEscalation(tx, group, escalation.StartEscalationDelay); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// liftSilence flips a silenced group back to firing and records it. Caller
// holds the row lock and decides what happens to escalation.
func (s *AlertGroupService) liftSilence(tx *gorm.DB, group *database.AlertGroup, userID *uint) error {
	err := tx.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
		Updates(map[string]interface{}{
			"status":              database.AlertGroupFiring,
			"silenced_at":         nil,
			"silenced_until":      nil,
			"silenced_by_user_id": nil,
		}).Error
	if err != nil {
		return err
	}
	group.Status = database.AlertGroupFiring
	group.SilencedAt = nil
	group.SilencedUntil = nil
	s.logAndPublish(tx, group, database.LogTypeUnSilence, userID, "silence lifted")
	return nil
}

// handleUnsilenceTask lifts a timed silence when it runs out. The task is
// advisory: if the group left the silenced state in the meantime, or the
// silence was extended, it does nothing.
func (s *AlertGroupService) handleUnsilenceTask(task *database.ScheduledTask) error {
	if task.AlertGroupID == nil {
		return nil
	}
	group, err := database.GetAlertGroup(s.db, *task.AlertGroupID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if group.Status != database.AlertGroupSilenced {
		return nil
	}
	if group.SilencedUntil == nil || group.SilencedUntil.After(time.Now().UTC()) {
		return nil
	}
	_, err = s.Unsilence(group.ID, nil)
	return err
}

// Wipe resolves the group for good and strips the alert payloads. A wiped
// group never absorbs new alerts and allows no further transitions.
func (s *AlertGroupService) Wipe(groupID uint, userID *uint) (bool, error) {
	changed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		group, err := database.GetAlertGroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		if group.WipedAt != nil {
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"wiped_at": now,
		}
		if group.Status != database.AlertGroupResolved {
			updates["status"] = database.AlertGroupResolved
			updates["resolved_at"] = now
			updates["resolved_by"] = database.ActionByWipe
			updates["resolved_by_user_id"] = userID
		}
		if err := tx.Model(&database.AlertGroup{}).Where("id = ?", group.ID).Updates(updates).Error; err != nil {
			return err
		}
		group.Status = database.AlertGroupResolved
		group.WipedAt = &now

		err = tx.Model(&database.Alert{}).Where("alert_group_id = ?", group.ID).
			Updates(map[string]interface{}{
				"payload": nil,
				"message": "",
				"title":   "",
			}).Error
		if err != nil {
			return err
		}

		if err := s.escalations.StopEscalation(tx, group); err != nil {
			return err
		}
		s.logAndPublish(tx, group, database.LogTypeWiped, userID, "alert group wiped")
		changed = true
		return nil
	})
	return changed, err
}

func (s *AlertGroupService) logAndPublish(tx *gorm.DB, group *database.AlertGroup, logType string, userID *uint, reason string) {
	record := &database.AlertGroupLogRecord{
		AlertGroupID: group.ID,
		Type:         logType,
		AuthorID:     userID,
		Reason:       reason,
	}
	if err := database.AddLogRecord(tx, record); err != nil {
		log.Printf("AlertGroups: failed to write %s log record for group %d: %v", logType, group.ID, err)
	}
	s.publish(group, logType, reason)
}

func (s *AlertGroupService) publish(group *database.AlertGroup, logType, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:         logType,
		AlertGroupID: group.PublicID,
		Status:       string(group.Status),
		Reason:       reason,
	})
}
