package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/backends"
	"github.com/escalor/escalor/internal/database"
	"github.com/escalor/escalor/internal/escalation"
	"github.com/escalor/escalor/internal/events"
	"github.com/escalor/escalor/internal/scheduler"
	"github.com/escalor/escalor/internal/testhelpers"
	"github.com/escalor/escalor/internal/webhooks"
)

// recordingBackend captures deliveries instead of talking to a real channel
type recordingBackend struct {
	mu   sync.Mutex
	sent []*backends.Message
	fail bool
}

func (b *recordingBackend) ID() string {
	return "test"
}

func (b *recordingBackend) Send(msg *backends.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errTestBackend
	}
	b.sent = append(b.sent, msg)
	return nil
}

func (b *recordingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

var errTestBackend = errors.New("test backend down")

// stack is the full engine wired the way main wires it, minus HTTP and
// without the worker pool running; tests drive tasks with runDue.
type stack struct {
	db            *gorm.DB
	queue         *scheduler.Scheduler
	manager       *escalation.Manager
	groups        *AlertGroupService
	notifications *NotificationService
	alerts        *AlertService
	backend       *recordingBackend
	bus           *events.Bus
}

func setupStack(t *testing.T) *stack {
	t.Helper()
	db := testhelpers.SetupTestDB(t)
	queue := scheduler.New(db, 1, 10*time.Millisecond)
	bus := events.NewBus()

	backend := &recordingBackend{}
	registry := backends.NewRegistry()
	registry.Register(backend)

	notifications := NewNotificationService(db, queue, registry, "test")
	resolver := NewOnCallResolver(db)
	webhookTrigger := webhooks.NewTrigger(db, queue)

	executor := escalation.NewExecutor(db, notifications, resolver, webhookTrigger)
	manager := escalation.NewManager(db, queue, executor)
	groups := NewAlertGroupService(db, queue, manager, bus)
	executor.SetLastStepResolver(groups)
	alerts := NewAlertService(db, groups, manager, bus)

	manager.RegisterHandlers()
	notifications.RegisterHandlers()
	groups.RegisterHandlers()
	webhookTrigger.RegisterHandlers()

	return &stack{
		db:            db,
		queue:         queue,
		manager:       manager,
		groups:        groups,
		notifications: notifications,
		alerts:        alerts,
		backend:       backend,
		bus:           bus,
	}
}

// firingGroup creates an alert group routed through a chain that notifies the
// given user and then waits
func (s *stack) firingGroup(t *testing.T, user *database.User) *database.AlertGroup {
	t.Helper()
	notifyPolicy := &database.EscalationPolicy{Step: database.StepNotifyUsers}
	chain := testhelpers.CreateChain(t, s.db, "chain-"+user.Username,
		notifyPolicy,
		&database.EscalationPolicy{Step: database.StepWait, WaitDelaySeconds: testhelpers.IntPtr(300)},
	)
	if err := s.db.Model(notifyPolicy).Association("NotifyToUsers").Append(user); err != nil {
		t.Fatalf("failed to attach user: %v", err)
	}
	integration := testhelpers.CreateIntegration(t, s.db, "integration-"+user.Username)
	filter := testhelpers.CreateChannelFilter(t, s.db, integration.ID, &chain.ID)
	return testhelpers.CreateAlertGroup(t, s.db, integration.ID, &filter.ID, "fp-"+user.Username)
}

// runDue forces every pending task due and executes the queue until it is
// drained, so delayed steps run without waiting out their delays
func (s *stack) runDue(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		err := s.db.Model(&database.ScheduledTask{}).
			Where("status = ?", database.TaskPending).
			Update("run_at", time.Now().UTC().Add(-time.Second)).Error
		if err != nil {
			t.Fatalf("failed to force tasks due: %v", err)
		}
		if s.queue.RunPending() == 0 {
			return
		}
	}
	t.Fatalf("task queue did not drain")
}

// runDueOnce executes only the tasks that are already due, leaving future
// ones alone
func (s *stack) runDueOnce() {
	s.queue.RunPending()
}

func (s *stack) reload(t *testing.T, id uint) *database.AlertGroup {
	t.Helper()
	group, err := database.GetAlertGroup(s.db, id)
	if err != nil {
		t.Fatalf("failed to reload alert group: %v", err)
	}
	return group
}

func (s *stack) logCount(t *testing.T, groupID uint, logType string) int {
	t.Helper()
	var count int64
	err := s.db.Model(&database.AlertGroupLogRecord{}).
		Where("alert_group_id = ? AND type = ?", groupID, logType).
		Count(&count).Error
	if err != nil {
		t.Fatalf("failed to count log records: %v", err)
	}
	return int(count)
}

func (s *stack) pendingCount(t *testing.T, groupID uint, kind string) int {
	t.Helper()
	var count int64
	err := s.db.Model(&database.ScheduledTask{}).
		Where("alert_group_id = ? AND kind = ? AND status = ?", groupID, kind, database.TaskPending).
		Count(&count).Error
	if err != nil {
		t.Fatalf("failed to count tasks: %v", err)
	}
	return int(count)
}
