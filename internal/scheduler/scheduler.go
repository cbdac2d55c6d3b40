package scheduler

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/database"
)

// retryBackoff is applied when a handler returns an error; the task row goes
// back to pending so another worker picks it up.
const retryBackoff = 10 * time.Second

// Handler processes one claimed task. Handlers must be idempotent: delivery
// is at-least-once, so a crash between execution and the done update replays
// the task.
type Handler func(task *database.ScheduledTask) error

type replayEntry struct {
	task database.ScheduledTask
}

// Scheduler is the durable delayed task driver. Tasks are rows in the
// scheduled_tasks table; a pool of workers polls for due pending rows and
// claims them with a conditional update, so a claim succeeds on exactly one
// worker even with several instances sharing the database.
type Scheduler struct {
	db           *gorm.DB
	pollInterval time.Duration
	workers      int

	mu       sync.RWMutex
	handlers map[string]Handler

	replayMu sync.Mutex
	replay   []replayEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler with the given worker count and poll interval
func New(db *gorm.DB, workers int, pollInterval time.Duration) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Scheduler{
		db:           db,
		workers:      workers,
		pollInterval: pollInterval,
		handlers:     make(map[string]Handler),
		stopCh:       make(chan struct{}),
	}
}

// Register binds a handler to a task kind. Must be called before Start.
func (s *Scheduler) Register(kind string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

// Schedule persists a task to run at runAt and returns its UUID. When the
// insert fails the task is kept in an in-memory replay buffer and retried by
// the replay loop, so callers get a usable UUID either way.
func (s *Scheduler) Schedule(kind string, alertGroupID *uint, payload database.JSONB, runAt time.Time) (string, error) {
	return s.ScheduleWithUUID(uuid.New().String(), kind, alertGroupID, payload, runAt)
}

// ScheduleWithUUID persists a task under a caller-chosen UUID. Callers that
// record the UUID somewhere first (like the escalation continuation token on
// the alert group) use this so the record exists before the task can fire.
//
// The replay buffer is process-local: it survives a flaky database, not a
// crash of this process. Tasks whose insert must commit together with other
// writes go through ScheduleWithUUIDTx on the caller's transaction instead.
func (s *Scheduler) ScheduleWithUUID(taskUUID, kind string, alertGroupID *uint, payload database.JSONB, runAt time.Time) (string, error) {
	task := database.ScheduledTask{
		TaskUUID:     taskUUID,
		Kind:         kind,
		AlertGroupID: alertGroupID,
		Payload:      payload,
		RunAt:        runAt,
		Status:       database.TaskPending,
	}

	if err := s.db.Create(&task).Error; err != nil {
		log.Printf("Scheduler: failed to persist %s task %s, buffering for replay: %v", kind, task.TaskUUID, err)
		s.replayMu.Lock()
		s.replay = append(s.replay, replayEntry{task: task})
		s.replayMu.Unlock()
		return task.TaskUUID, nil
	}
	return task.TaskUUID, nil
}

// ScheduleWithUUIDTx persists a task on the caller's open transaction, so the
// insert commits or rolls back together with the caller's other writes. No
// replay buffering here: a failed insert fails the whole transaction.
func (s *Scheduler) ScheduleWithUUIDTx(tx *gorm.DB, taskUUID, kind string, alertGroupID *uint, payload database.JSONB, runAt time.Time) error {
	task := database.ScheduledTask{
		TaskUUID:     taskUUID,
		Kind:         kind,
		AlertGroupID: alertGroupID,
		Payload:      payload,
		RunAt:        runAt,
		Status:       database.TaskPending,
	}
	return tx.Create(&task).Error
}

// Cancel marks a pending task canceled. Cancellation is advisory: a task
// already claimed by a worker keeps running, which is why handlers re-check
// state before acting.
func (s *Scheduler) Cancel(taskUUID string) error {
	return s.db.Model(&database.ScheduledTask{}).
		Where("task_uuid = ? AND status = ?", taskUUID, database.TaskPending).
		Update("status", database.TaskCanceled).Error
}

// CancelForAlertGroup cancels all pending tasks of the given kinds for one
// alert group
func (s *Scheduler) CancelForAlertGroup(alertGroupID uint, kinds ...string) error {
	query := s.db.Model(&database.ScheduledTask{}).
		Where("alert_group_id = ? AND status = ?", alertGroupID, database.TaskPending)
	if len(kinds) > 0 {
		query = query.Where("kind IN ?", kinds)
	}
	return query.Update("status", database.TaskCanceled).Error
}

// Start launches the worker pool and the replay loop
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
	s.wg.Add(1)
	go s.replayLoop()
	log.Printf("Scheduler: started %d workers (poll interval %s)", s.workers, s.pollInterval)
}

// Stop signals all loops to exit and waits for them
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.Println("Scheduler: stopped")
}

func (s *Scheduler) workerLoop(id int) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			// Drain all currently due tasks before going back to sleep
			for s.runNext() {
				select {
				case <-s.stopCh:
					return
				default:
				}
			}
		}
	}
}

// RunPending synchronously claims and executes every currently due task and
// returns how many ran. Lets callers drive the queue without the worker pool.
func (s *Scheduler) RunPending() int {
	ran := 0
	for s.runNext() {
		ran++
	}
	return ran
}

// runNext claims and executes one due task. Returns false when nothing was due.
func (s *Scheduler) runNext() bool {
	var task database.ScheduledTask
	err := s.db.Where("status = ? AND run_at <= ?", database.TaskPending, time.Now().UTC()).
		Order("run_at asc").
		First(&task).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			log.Printf("Scheduler: failed to poll for due tasks: %v", err)
		}
		return false
	}

	// Conditional update is the claim: only one worker wins the row
	now := time.Now().UTC()
	result := s.db.Model(&database.ScheduledTask{}).
		Where("id = ? AND status = ?", task.ID, database.TaskPending).
		Updates(map[string]interface{}{
			"status":     database.TaskRunning,
			"claimed_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if result.Error != nil {
		log.Printf("Scheduler: failed to claim task %s: %v", task.TaskUUID, result.Error)
		return false
	}
	if result.RowsAffected == 0 {
		// Another worker got it first
		return true
	}

	s.execute(&task)
	return true
}

func (s *Scheduler) execute(task *database.ScheduledTask) {
	s.mu.RLock()
	handler, ok := s.handlers[task.Kind]
	s.mu.RUnlock()

	if !ok {
		log.Printf("Scheduler: no handler registered for task kind %q, dropping task %s", task.Kind, task.TaskUUID)
		s.finish(task, database.TaskDone, fmt.Sprintf("no handler for kind %q", task.Kind))
		return
	}

	if err := handler(task); err != nil {
		log.Printf("Scheduler: %s task %s failed (attempt %d): %v", task.Kind, task.TaskUUID, task.Attempts+1, err)
		s.db.Model(&database.ScheduledTask{}).
			Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"status":     database.TaskPending,
				"run_at":     time.Now().UTC().Add(retryBackoff),
				"last_error": err.Error(),
			})
		return
	}
	s.finish(task, database.TaskDone, "")
}

func (s *Scheduler) finish(task *database.ScheduledTask, status, lastError string) {
	err := s.db.Model(&database.ScheduledTask{}).
		Where("id = ?", task.ID).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": lastError,
		}).Error
	if err != nil {
		log.Printf("Scheduler: failed to mark task %s as %s: %v", task.TaskUUID, status, err)
	}
}

func (s *Scheduler) replayLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.FlushReplay()
			return
		case <-ticker.C:
			s.FlushReplay()
		}
	}
}

// FlushReplay retries persisting tasks that failed to insert earlier. Entries
// that fail again stay buffered.
func (s *Scheduler) FlushReplay() {
	s.replayMu.Lock()
	pending := s.replay
	s.replay = nil
	s.replayMu.Unlock()

	if len(pending) == 0 {
		return
	}

	var failed []replayEntry
	for _, entry := range pending {
		if err := s.db.Create(&entry.task).Error; err != nil {
			failed = append(failed, entry)
			continue
		}
		log.Printf("Scheduler: replayed buffered %s task %s", entry.task.Kind, entry.task.TaskUUID)
	}

	if len(failed) > 0 {
		s.replayMu.Lock()
		s.replay = append(failed, s.replay...)
		s.replayMu.Unlock()
	}
}

// ReclaimStale returns tasks stuck in running longer than maxAge back to
// pending. Used by the background sweeper to recover from worker crashes.
func (s *Scheduler) ReclaimStale(maxAge time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-maxAge)
	result := s.db.Model(&database.ScheduledTask{}).
		Where("status = ? AND claimed_at < ?", database.TaskRunning, threshold).
		Updates(map[string]interface{}{
			"status":     database.TaskPending,
			"run_at":     time.Now().UTC(),
			"last_error": "reclaimed after stale claim",
		})
	return result.RowsAffected, result.Error
}
