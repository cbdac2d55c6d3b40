package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/backends"
	"github.com/escalor/escalor/internal/database"
	"github.com/escalor/escalor/internal/scheduler"
)

// defaultNotifyWaitDelay applies to wait steps of a personal notification
// chain that carry no explicit delay
const defaultNotifyWaitDelay = 5 * time.Minute

// NotificationService walks users' personal notification chains. Escalation
// steps hand users over via NotifyUser; every further step of a chain is its
// own queued task, so a long wait step survives restarts.
type NotificationService struct {
	db             *gorm.DB
	queue          *scheduler.Scheduler
	registry       *backends.Registry
	defaultBackend string
}

// NewNotificationService creates the dispatch service
func NewNotificationService(db *gorm.DB, queue *scheduler.Scheduler, registry *backends.Registry, defaultBackend string) *NotificationService {
	return &NotificationService{
		db:             db,
		queue:          queue,
		registry:       registry,
		defaultBackend: defaultBackend,
	}
}

// RegisterHandlers binds the notify_user task kind to this service
func (s *NotificationService) RegisterHandlers() {
	s.queue.Register(database.TaskKindNotifyUser, s.handleNotifyTask)
}

// NotifyUser starts the user's personal notification chain for an alert
// group. A user without policies for the requested urgency gets one direct
// notification over the default backend.
func (s *NotificationService) NotifyUser(alertGroupID, userID uint, important bool, reason string) error {
	policies, err := database.GetNotificationPolicies(s.db, userID, important)
	if err != nil {
		return fmt.Errorf("failed to load notification policies for user %d: %w", userID, err)
	}

	payload := database.JSONB{
		"user_id":   userID,
		"important": important,
		"reason":    reason,
	}
	if len(policies) > 0 {
		payload["policy_id"] = policies[0].ID
	}

	_, err = s.queue.Schedule(database.TaskKindNotifyUser, &alertGroupID, payload, time.Now().UTC())
	return err
}

func (s *NotificationService) handleNotifyTask(task *database.ScheduledTask) error {
	userID, ok := task.Payload.Uint("user_id")
	if !ok || task.AlertGroupID == nil {
		log.Printf("Notifications: task %s has a malformed payload, dropping", task.TaskUUID)
		return nil
	}
	important := task.Payload.Bool("important")
	reason := task.Payload.String("reason")

	group, err := database.GetAlertGroup(s.db, *task.AlertGroupID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load alert group %d: %w", *task.AlertGroupID, err)
	}
	// Somebody already took care of the group (or it got silenced): the rest
	// of the chain is pointless noise
	if group.Status != database.AlertGroupFiring || group.WipedAt != nil {
		log.Printf("Notifications: alert group %d is %s, dropping notification for user %d", group.ID, group.Status, userID)
		return nil
	}

	var user database.User
	if err := s.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Notifications: user %d is gone, dropping task %s", userID, task.TaskUUID)
			return nil
		}
		return fmt.Errorf("failed to load user %d: %w", userID, err)
	}

	policyID, hasPolicy := task.Payload.Uint("policy_id")
	if !hasPolicy {
		// No configured chain: one direct attempt over the default backend
		s.deliver(&user, group, nil, s.defaultBackend, important, reason)
		return nil
	}

	var policy database.UserNotificationPolicy
	if err := s.db.First(&policy, policyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Notifications: policy %d was deleted mid-chain for user %d, stopping", policyID, userID)
			return nil
		}
		return fmt.Errorf("failed to load notification policy %d: %w", policyID, err)
	}

	switch policy.Step {
	case database.NotificationStepWait:
		delay := defaultNotifyWaitDelay
		if policy.WaitDelaySeconds != nil && *policy.WaitDelaySeconds > 0 {
			delay = time.Duration(*policy.WaitDelaySeconds) * time.Second
		}
		return s.scheduleNext(group.ID, &policy, important, reason, time.Now().UTC().Add(delay))

	case database.NotificationStepNotify:
		channel := policy.NotifyBy
		if channel == "" {
			channel = s.defaultBackend
		}
		s.deliver(&user, group, &policy.ID, channel, important, reason)
		return s.scheduleNext(group.ID, &policy, important, reason, time.Now().UTC())

	default:
		log.Printf("Notifications: unknown step %q in policy %d, skipping to next", policy.Step, policy.ID)
		return s.scheduleNext(group.ID, &policy, important, reason, time.Now().UTC())
	}
}

// deliver performs one notification attempt and records it. Backend errors
// are recorded, never propagated: a broken channel must not replay the task
// or abort the rest of the chain.
func (s *NotificationService) deliver(user *database.User, group *database.AlertGroup, policyID *uint, channel string, important bool, reason string) {
	s.logAttempt(user, group, policyID, database.NotificationTriggered, channel, reason, "")

	backend, err := s.registry.Get(channel)
	if err != nil {
		log.Printf("Notifications: %v", err)
		s.logAttempt(user, group, policyID, database.NotificationFailed, channel, reason, database.ErrNotificationBackendNotConfigured)
		return
	}

	msg := &backends.Message{
		User:       user,
		AlertGroup: group,
		Title:      group.Title,
		Body:       fmt.Sprintf("Alert group %s is firing (%s)", group.PublicID, reason),
		Important:  important,
	}
	if err := backend.Send(msg); err != nil {
		log.Printf("Notifications: failed to notify user %s via %s: %v", user.Username, channel, err)
		s.logAttempt(user, group, policyID, database.NotificationFailed, channel, reason, database.ErrNotificationBackendError)
		return
	}
	s.logAttempt(user, group, policyID, database.NotificationSuccess, channel, reason, "")
}

func (s *NotificationService) scheduleNext(alertGroupID uint, current *database.UserNotificationPolicy, important bool, reason string, at time.Time) error {
	next, err := database.NextNotificationPolicy(s.db, current)
	if err != nil {
		return fmt.Errorf("failed to load next notification policy after %d: %w", current.ID, err)
	}
	if next == nil {
		return nil
	}

	payload := database.JSONB{
		"user_id":   current.UserID,
		"policy_id": next.ID,
		"important": important,
		"reason":    reason,
	}
	_, err = s.queue.Schedule(database.TaskKindNotifyUser, &alertGroupID, payload, at)
	return err
}

func (s *NotificationService) logAttempt(user *database.User, group *database.AlertGroup, policyID *uint, recordType, channel, reason, errorCode string) {
	err := database.AddNotificationLogRecord(s.db, &database.UserNotificationPolicyLogRecord{
		UserID:                user.ID,
		AlertGroupID:          group.ID,
		NotificationPolicyID:  policyID,
		Type:                  recordType,
		NotificationChannel:   channel,
		Reason:                reason,
		NotificationErrorCode: errorCode,
	})
	if err != nil {
		log.Printf("Notifications: failed to write log record for user %d: %v", user.ID, err)
	}
}
