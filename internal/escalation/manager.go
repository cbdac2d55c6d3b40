package escalation

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/database"
	"github.com/escalor/escalor/internal/scheduler"
)

// Manager drives the escalation walk for alert groups. It owns the snapshot
// lifecycle (build, cursor advance, pause, stop) and the escalate task chain;
// the actual step behavior lives in Executor.
//
// Every escalate task carries its own UUID in AlertGroup.ActiveEscalationID.
// State transitions replace that token, so a task delivered late (delivery is
// at-least-once and cancellation advisory) sees the mismatch and no-ops.
type Manager struct {
	db       *gorm.DB
	queue    *scheduler.Scheduler
	executor *Executor
}

// NewManager wires the escalation driver to its task queue and step executor
func NewManager(db *gorm.DB, queue *scheduler.Scheduler, executor *Executor) *Manager {
	return &Manager{db: db, queue: queue, executor: executor}
}

// RegisterHandlers binds the escalate task kind to this manager
func (m *Manager) RegisterHandlers() {
	m.queue.Register(database.TaskKindEscalate, m.handleEscalateTask)
}

// StartEscalation freezes the alert group's escalation chain into a fresh
// snapshot and schedules the first step after countdown. A group without an
// escalation chain gets an escalation_finished log record and no tasks.
func (m *Manager) StartEscalation(db *gorm.DB, group *database.AlertGroup, countdown time.Duration) error {
	snapshot, err := Build(db, group)
	if err != nil {
		if errors.Is(err, ErrNoEscalationChain) {
			log.Printf("Escalation: alert group %d has no escalation chain, nothing to escalate", group.ID)
			m.finishEscalation(db, group, "no escalation chain configured")
			return nil
		}
		return fmt.Errorf("failed to build escalation snapshot for alert group %d: %w", group.ID, err)
	}

	raw, err := snapshot.ToRaw()
	if err != nil {
		return err
	}

	taskUUID := uuid.New().String()
	groupID := group.ID
	runAt := time.Now().UTC().Add(countdown)
	// Token write and task insert commit together: a crash in between would
	// leave the group pointing at a task row that does not exist
	err = db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
			Updates(map[string]interface{}{
				"raw_escalation_snapshot": raw,
				"active_escalation_id":    taskUUID,
				"is_escalation_finished":  false,
			}).Error
		if err != nil {
			return err
		}
		return m.queue.ScheduleWithUUIDTx(tx, taskUUID, database.TaskKindEscalate, &groupID, nil, runAt)
	})
	if err != nil {
		return fmt.Errorf("failed to arm escalation for alert group %d: %w", group.ID, err)
	}
	group.RawEscalationSnapshot = raw
	group.ActiveEscalationID = taskUUID
	group.IsEscalationFinished = false
	return nil
}

// ContinueEscalation resumes the walk from the stored cursor, clearing any
// pause flag. Used when an acknowledge is taken back and after a pause lifts.
func (m *Manager) ContinueEscalation(db *gorm.DB, group *database.AlertGroup, at time.Time) error {
	snapshot, err := FromRaw(group.RawEscalationSnapshot)
	if err != nil {
		return err
	}
	if snapshot == nil {
		// Never escalated (or snapshot was lost): start over
		return m.StartEscalation(db, group, StartEscalationDelay)
	}
	if snapshot.NextActivePolicy() == nil && !snapshot.PauseEscalation {
		log.Printf("Escalation: alert group %d already walked its whole chain, not resuming", group.ID)
		return nil
	}

	snapshot.PauseEscalation = false
	eta := at
	snapshot.NextStepETA = &eta
	raw, err := snapshot.ToRaw()
	if err != nil {
		return err
	}

	taskUUID := uuid.New().String()
	groupID := group.ID
	err = db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
			Updates(map[string]interface{}{
				"raw_escalation_snapshot": raw,
				"active_escalation_id":    taskUUID,
				"is_escalation_finished":  false,
			}).Error
		if err != nil {
			return err
		}
		return m.queue.ScheduleWithUUIDTx(tx, taskUUID, database.TaskKindEscalate, &groupID, nil, at)
	})
	if err != nil {
		return fmt.Errorf("failed to re-arm escalation for alert group %d: %w", group.ID, err)
	}
	group.RawEscalationSnapshot = raw
	group.ActiveEscalationID = taskUUID
	group.IsEscalationFinished = false
	return nil
}

// PauseEscalation sets the pause flag on the stored snapshot and invalidates
// the continuation token, keeping the cursor so the walk can resume where it
// stopped. Used by silence.
func (m *Manager) PauseEscalation(db *gorm.DB, group *database.AlertGroup) error {
	snapshot, err := FromRaw(group.RawEscalationSnapshot)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	snapshot.PauseEscalation = true
	raw, err := snapshot.ToRaw()
	if err != nil {
		return err
	}

	err = db.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
		Updates(map[string]interface{}{
			"raw_escalation_snapshot": raw,
			"active_escalation_id":    "",
		}).Error
	if err != nil {
		return err
	}
	group.RawEscalationSnapshot = raw
	group.ActiveEscalationID = ""

	if err := m.queue.CancelForAlertGroup(group.ID, database.TaskKindEscalate); err != nil {
		log.Printf("Escalation: failed to cancel pending escalate tasks for alert group %d: %v", group.ID, err)
	}
	return nil
}

// StopEscalation ends the walk for good: the continuation token is cleared,
// pending escalate tasks are canceled and the finished flag is set. Used by
// acknowledge and resolve.
func (m *Manager) StopEscalation(db *gorm.DB, group *database.AlertGroup) error {
	err := db.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
		Updates(map[string]interface{}{
			"active_escalation_id":   "",
			"is_escalation_finished": true,
		}).Error
	if err != nil {
		return err
	}
	group.ActiveEscalationID = ""
	group.IsEscalationFinished = true

	if err := m.queue.CancelForAlertGroup(group.ID, database.TaskKindEscalate); err != nil {
		log.Printf("Escalation: failed to cancel pending escalate tasks for alert group %d: %v", group.ID, err)
	}
	return nil
}

// ResumeIfPaused lifts a notify_if_num_alerts pause when a new alert arrives
// so the threshold step re-evaluates with the fresh count
func (m *Manager) ResumeIfPaused(db *gorm.DB, group *database.AlertGroup) error {
	snapshot, err := FromRaw(group.RawEscalationSnapshot)
	if err != nil {
		return err
	}
	if snapshot == nil || !snapshot.PauseEscalation {
		return nil
	}
	return m.ContinueEscalation(db, group, time.Now().UTC().Add(NextEscalationDelay))
}

// handleEscalateTask executes one step of the walk. The guards come first:
// any state change or restart since the task was scheduled makes it stale,
// and a stale task must do nothing at all.
func (m *Manager) handleEscalateTask(task *database.ScheduledTask) error {
	if task.AlertGroupID == nil {
		log.Printf("Escalation: escalate task %s has no alert group, dropping", task.TaskUUID)
		return nil
	}

	group, err := database.GetAlertGroup(m.db, *task.AlertGroupID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Escalation: alert group %d is gone, dropping escalate task %s", *task.AlertGroupID, task.TaskUUID)
			return nil
		}
		return fmt.Errorf("failed to load alert group %d: %w", *task.AlertGroupID, err)
	}

	if group.ActiveEscalationID != task.TaskUUID {
		log.Printf("Escalation: escalate task %s for alert group %d is stale, skipping", task.TaskUUID, group.ID)
		return nil
	}
	if group.Status != database.AlertGroupFiring || group.WipedAt != nil || group.IsEscalationFinished {
		log.Printf("Escalation: alert group %d is not firing anymore, skipping escalate task %s", group.ID, task.TaskUUID)
		return nil
	}

	snapshot, err := FromRaw(group.RawEscalationSnapshot)
	if err != nil {
		return err
	}
	if snapshot == nil {
		log.Printf("Escalation: alert group %d has no escalation snapshot, skipping escalate task %s", group.ID, task.TaskUUID)
		return nil
	}
	if snapshot.PauseEscalation {
		return nil
	}

	executedOrder := snapshot.NextActiveOrder()
	policy := snapshot.NextActivePolicy()
	if policy == nil {
		m.finishEscalation(m.db, group, "escalation chain walked to the end")
		return nil
	}

	result := m.executor.ExecuteStep(group, snapshot, policy)

	switch {
	case result.StartFromBeginning:
		snapshot.LastActiveOrder = nil
	case result.PauseEscalation:
		snapshot.PauseEscalation = true
	default:
		snapshot.LastActiveOrder = &executedOrder
	}
	snapshot.NextStepETA = result.ETA

	raw, err := snapshot.ToRaw()
	if err != nil {
		return err
	}

	if result.StopEscalation || result.ETA == nil {
		// No continuation: persist the step outcome, guarded by the token so
		// a state transition that landed mid-step keeps its own snapshot
		res := m.db.Model(&database.AlertGroup{}).
			Where("id = ? AND active_escalation_id = ?", group.ID, task.TaskUUID).
			Update("raw_escalation_snapshot", raw)
		if res.Error != nil {
			return fmt.Errorf("failed to save escalation snapshot for alert group %d: %w", group.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			log.Printf("Escalation: alert group %d changed state during escalate task %s, discarding step result", group.ID, task.TaskUUID)
			return nil
		}
		group.RawEscalationSnapshot = raw
		if result.StopEscalation {
			m.finishEscalation(m.db, group, "escalation stopped by the executed step")
		}
		// Paused: resumption comes from a later state change or a new alert
		return nil
	}

	// Hand-off: snapshot write, token rotation and the next task row commit
	// together, so a crash can never leave the group pointing at a task that
	// was never written
	nextUUID := uuid.New().String()
	groupID := group.ID
	err = m.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&database.AlertGroup{}).
			Where("id = ? AND active_escalation_id = ?", group.ID, task.TaskUUID).
			Updates(map[string]interface{}{
				"raw_escalation_snapshot": raw,
				"active_escalation_id":    nextUUID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// A state transition replaced the token while the step ran; the
			// transition owns the walk now
			log.Printf("Escalation: alert group %d changed state during escalate task %s, not scheduling a next step", group.ID, task.TaskUUID)
			return nil
		}
		return m.queue.ScheduleWithUUIDTx(tx, nextUUID, database.TaskKindEscalate, &groupID, nil, *result.ETA)
	})
	if err != nil {
		return fmt.Errorf("failed to hand escalation of alert group %d to its next step: %w", group.ID, err)
	}
	return nil
}

func (m *Manager) finishEscalation(db *gorm.DB, group *database.AlertGroup, reason string) {
	err := db.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
		Updates(map[string]interface{}{
			"active_escalation_id":   "",
			"is_escalation_finished": true,
		}).Error
	if err != nil {
		log.Printf("Escalation: failed to mark escalation finished for alert group %d: %v", group.ID, err)
		return
	}
	group.ActiveEscalationID = ""
	group.IsEscalationFinished = true

	logErr := database.AddLogRecord(db, &database.AlertGroupLogRecord{
		AlertGroupID: group.ID,
		Type:         database.LogTypeEscalationFinished,
		Reason:       reason,
	})
	if logErr != nil {
		log.Printf("Escalation: failed to write escalation_finished log record for alert group %d: %v", group.ID, logErr)
	}
}
