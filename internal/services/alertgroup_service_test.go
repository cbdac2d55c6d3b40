package services

import (
	"testing"
	"time"

	"github.com/escalor/escalor/internal/database"
	"github.com/escalor/escalor/internal/escalation"
	"github.com/escalor/escalor/internal/testhelpers"
)

func TestAcknowledgeStopsEscalation(t *testing.T) {
	s := setupStack(t)
	user := testhelpers.CreateUser(t, s.db, "alice")
	group := s.firingGroup(t, user)
	if err := s.manager.StartEscalation(s.db, group, escalation.StartEscalationDelay); err != nil {
		t.Fatalf("StartEscalation failed: %v", err)
	}

	changed, err := s.groups.Acknowledge(group.ID, &user.ID, database.ActionByUser)
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if !changed {
		t.Fatalf("acknowledge of a firing group must change it")
	}

	reloaded := s.reload(t, group.ID)
	if reloaded.Status != database.AlertGroupAcknowledged {
		t.Errorf("expected acknowledged, got %s", reloaded.Status)
	}
	if reloaded.AcknowledgedAt == nil || reloaded.AcknowledgedBy != database.ActionByUser {
		t.Errorf("acknowledge metadata not recorded")
	}
	if reloaded.ActiveEscalationID != "" {
		t.Errorf("acknowledge must clear the continuation token")
	}
	if s.pendingCount(t, group.ID, database.TaskKindEscalate) != 0 {
		t.Errorf("acknowledge must cancel pending escalate tasks")
	}
	if s.logCount(t, group.ID, database.LogTypeAck) != 1 {
		t.Errorf("acknowledge must be logged")
	}

	// Acknowledging again is a no-op, not an error
	changed, err = s.groups.Acknowledge(group.ID, &user.ID, database.ActionByUser)
	if err != nil {
		t.Fatalf("second Acknowledge failed: %v", err)
	}
	if changed {
		t.Errorf("second acknowledge must change nothing")
	}
}

func TestAcknowledgeBeforeFirstStepPreventsAllNotifications(t *testing.T) {
	s := setupStack(t)
	user := testhelpers.CreateUser(t, s.db, "alice")
	testhelpers.CreateNotificationPolicy(t, s.db, user.ID, 0, database.NotificationStepNotify, "test", false)
	group := s.firingGroup(t, user)
	if err := s.manager.StartEscalation(s.db, group, escalation.StartEscalationDelay); err != nil {
		t.Fatalf("StartEscalation failed: %v", err)
	}

	// Ack lands inside the start delay, before step one ever ran
	if _, err := s.groups.Acknowledge(group.ID, &user.ID, database.ActionByUser); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}

	// Even if the canceled escalate task were redelivered, the rotated token
	// and the acknowledged status keep it inert
	err := s.db.Model(&database.ScheduledTask{}).
		Where("alert_group_id = ?", group.ID).
		Updates(map[string]interface{}{"status": database.TaskPending, "run_at": time.Now().UTC().Add(-time.Second)}).Error
	if err != nil {
		t.Fatalf("failed to resurrect task: %v", err)
	}
	s.runDueOnce()

	if s.backend.count() != 0 {
		t.Errorf("nobody may be notified after an early acknowledge")
	}
	if s.pendingCount(t, group.ID, database.TaskKindNotifyUser) != 0 {
		t.Errorf("no notification tasks may exist after an early acknowledge")
	}
	snapshot, err := escalation.FromRaw(s.reload(t, group.ID).RawEscalationSnapshot)
	if err != nil {
		t.Fatalf("FromRaw failed: %v", err)
	}
	if snapshot.LastActiveOrder != nil {
		t.Errorf("cursor must not move for a group acknowledged before step one")
	}
}

func TestUnacknowledgeResumesFromCursor(t *testing.T) {
	s := setupStack(t)
	user := testhelpers.CreateUser(t, s.db, "alice")
	testhelpers.CreateNotificationPolicy(t, s.db, user.ID, 0, database.NotificationStepNotify, "test", false)
	group := s.firingGroup(t, user)
	if err := s.manager.StartEscalation(s.db, group, 0); err != nil {
		t.Fatalf("StartEscalation failed: %v", err)
	}

	// Step one runs and notifies alice
	s.runDueOnce()
	s.runDueOnce() // the queued notify_user task
	if s.backend.count() != 1 {
		t.Fatalf("expected the first step to notify once, got %d", s.backend.count())
	}

	if _, err := s.groups.Acknowledge(group.ID, &user.ID, database.ActionByUser); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	changed, err := s.groups.Unacknowledge(group.ID, &user.ID)
	if err != nil {
		t.Fatalf("Unacknowledge failed: %v", err)
	}
	if !changed {
		t.Fatalf("unacknowledge of an acknowledged group must change it")
	}

	reloaded := s.reload(t, group.ID)
	if reloaded.Status != database.AlertGroupFiring {
		t.Errorf("expected firing, got %s", reloaded.Status)
	}
	if reloaded.AcknowledgedAt != nil {
		t.Errorf("unacknowledge must clear the acknowledge metadata")
	}
	if reloaded.IsEscalationFinished {
		t.Errorf("escalation must be live again")
	}
	snapshot, _ := escalation.FromRaw(reloaded.RawEscalationSnapshot)
	if snapshot.LastActiveOrder == nil || *snapshot.LastActiveOrder != 0 {
		t.Errorf("resume must keep the cursor, got %v", snapshot.LastActiveOrder)
	}
	if s.pendingCount(t, group.ID, database.TaskKindEscalate) != 1 {
		t.Errorf("resume must schedule the continuation task")
	}

	// The resumed walk continues with step two, not step one again
	s.runDue(t)
	if s.backend.count() != 1 {
		t.Errorf("already executed steps must not notify again, got %d deliveries", s.backend.count())
	}
}

func TestUnacknowledgeRequiresAcknowledged(t *testing.T) {
	s := setupStack(t)
	user := testhelpers.CreateUser(t, s.db, "alice")
	group := s.firingGroup(t, user)

	changed, err := s.groups.Unacknowledge(group.ID, &user.ID)
	if err != nil {
		t.Fatalf("Unacknowledge failed: %v", err)
	}
	if changed {
		t.Errorf("unacknowledge of a firing group must be a no-op")
	}
}

func TestResolvePersistsResponseTime(t *testing.T) {
	s := setupStack(t)
	user := testhelpers.CreateUser(t, s.db, "alice")
	group := s.firingGroup(t, user)

	startedAt := time.Now().UTC().Add(-10 * time.Minute)
	if err := s.db.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
		Update("started_at", startedAt).Error; err != nil {
		t.Fatalf("failed to backdate group: %v", err)
	}

	// Ack two minutes ago: the response time is to the ack, not the resolve
	ackAt := time.Now().UTC().Add(-2 * time.Minute)
	if _, err := s.groups.Acknowledge(group.ID, &user.ID, database.ActionByUser); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if err := s.db.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
		Update("acknowledged_at", ackAt).Error; err != nil {
		t.Fatalf("failed to backdate ack: %v", err)
	}

	changed, err := s.groups.Resolve(group.ID, &user.ID, database.ActionByUser)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !changed {
		t.Fatalf("resolve of an acknowledged group must change it")
	}

	reloaded := s.reload(t, group.ID)
	if reloaded.Status != database.AlertGroupResolved {
		t.Errorf("expected resolved, got %s", reloaded.Status)
	}
	if reloaded.ResponseTimeSeconds == nil {
		t.Fatalf("resolve must persist the response time")
	}
	got := *reloaded.ResponseTimeSeconds
	want := int64(8 * 60) // started 10m ago, acked 2m ago
	if got < want-5 || got > want+5 {
		t.Errorf("expected response time about %ds, got %ds", want, got)
	}
}

func TestUnresolveIsExactlyOnce(t *testing.T) {
	s := setupStack(t)
	user := testhelpers.CreateUser(t, s.db, "alice")
	group := s.firingGroup(t, user)
	if _, err := s.groups.Resolve(group.ID, &user.ID, database.ActionByUser); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	first, err := s.groups.Unresolve(group.ID, nil, "new alert")
	if err != nil {
		t.Fatalf("first Unresolve failed: %v", err)
	}
	second, err := s.groups.Unresolve(group.ID, nil, "new alert")
	if err != nil {
		t.Fatalf("second Unresolve failed: %v", err)
	}
	if !first || second {
		t.Errorf("exactly one unresolve must win, got first=%v second=%v", first, second)
	}

	reloaded := s.reload(t, group.ID)
	if reloaded.Status != database.AlertGroupFiring {
		t.Errorf("expected firing, got %s", reloaded.Status)
	}
	if s.logCount(t, group.ID, database.LogTypeUnResolved) != 1 {
		t.Errorf("expected exactly one unresolve log record")
	}

	// Escalation restarts from the top with a fresh snapshot
	snapshot, _ := escalation.FromRaw(reloaded.RawEscalationSnapshot)
	if snapshot.LastActiveOrder != nil {
		t.Errorf("reopened group must start escalation from the top")
	}
	if s.pendingCount(t, group.ID, database.TaskKindEscalate) != 1 {
		t.Errorf("reopened group must have a pending escalate task")
	}
}

func TestStaleStepAfterResolveDoesNothing(t *testing.T) {
	s := setupStack(t)
	user := testhelpers.CreateUser(t, s.db, "alice")
	testhelpers.CreateNotificationPolicy(t, s.db, user.ID, 0, database.NotificationStepNotify, "test", false)
	group := s.firingGroup(t, user)
	if err := s.manager.StartEscalation(s.db, group, 0); err != nil {
		t.Fatalf("StartEscalation failed: %v", err)
	}

	// Step one runs, then the group is resolved while step two is pending
	s.runDueOnce()
	s.runDueOnce()
	delivered := s.backend.count()

	if _, err := s.groups.Resolve(group.ID, &user.ID, database.ActionByUser); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// Redeliver everything that was in flight
	err := s.db.Model(&database.ScheduledTask{}).
		Where("alert_group_id = ? AND kind = ?", group.ID, database.TaskKindEscalate).
		Updates(map[string]interface{}{"status": database.TaskPending, "run_at": time.Now().UTC().Add(-time.Second)}).Error
	if err != nil {
		t.Fatalf("failed to resurrect tasks: %v", err)
	}
	s.runDueOnce()
	s.runDueOnce()

	if s.backend.count() != delivered {
		t.Errorf("stale steps after resolve must not notify")
	}
	if s.reload(t, group.ID).Status != database.AlertGroupResolved {
		t.Errorf("group must stay resolved")
	}
}

func TestSilenceWithDelay(t *testing.T) {
	s := setupStack(t)
	user := testhelpers.CreateUser(t, s.db, "alice")
	group := s.firingGroup(t, user)
	if err := s.manager.StartEscalation(s.db, group, 0); err != nil {
		t.Fatalf("StartEscalation failed: %v", err)
	}

	changed, err := s.groups.Silence(group.ID, &user.ID, testhelpers.IntPtr(3600))
	if err != nil {
		t.Fatalf("Silence failed: %v", err)
	}
	if !changed {
		t.Fatalf("silence of a firing group must change it")
	}

	reloaded := s.reload(t, group.ID)
	if reloaded.Status != database.AlertGroupSilenced {
		t.Errorf("expected silenced, got %s", reloaded.Status)
	}
	if reloaded.SilencedUntil == nil {
		t.Errorf("timed silence must carry an expiry")
	}
	if reloaded.SilencedForever() {
		t.Errorf("timed silence is not forever")
	}
	snapshot, _ := escalation.FromRaw(reloaded.RawEscalationSnapshot)
	if !snapshot.PauseEscalation {
		t.Errorf("silence must pause the snapshot")
	}
	if s.pendingCount(t, group.ID, database.TaskKindEscalate) != 0 {
		t.Errorf("silence must cancel pending escalate tasks")
	}
	if s.pendingCount(t, group.ID, database.TaskKindUnsilence) != 1 {
		t.Errorf("timed silence must schedule its unsilence task")
	}

	var record database.AlertGroupLogRecord
	if err := s.db.Where("alert_group_id = ? AND type = ?", group.ID, database.LogTypeSilence).First(&record).Error; err != nil {
		t.Fatalf("silence log record missing: %v", err)
	}
	if record.SilenceDelaySeconds == nil || *record.SilenceDelaySeconds != 3600 {
		t.Errorf("silence delay not logged")
	}
}

func TestSilenceForever(t *testing.T) {
	s := setupStack(t)
	user := testhelpers.CreateUser(t, s.db, "alice")
	group := s.firingGroup(t, user)

	if _, err := s.groups.Silence(group.ID, &user.ID, nil); err != nil {
		t.Fatalf("Silence failed: %v", err)
	}

	reloaded := s.reload(t, group.ID)
	if !reloaded.SilencedForever() {
		t.Errorf("silence without a delay must be forever")
	}
	if s.pendingCount(t, group.ID, database.TaskKindUnsilence) != 0 {
		t.Errorf("a forever silence needs no unsilence task")
	}
}

func TestSilenceReopensResolvedGroupFirst(t *testing.T) {
	s := setupStack(t)
	user := testhelpers.CreateUser(t, s.db, "alice")
	group := s.firingGroup(t, user)
	if _, err := s.groups.Resolve(group.ID, &user.ID, database.ActionByUser); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	changed, err := s.groups.Silence(group.ID, &user.ID, nil)
	if err != nil {
		t.Fatalf("Silence failed: %v", err)
	}
	if !changed {
		t.Fatalf("silence of a resolved group must change it")
	}

	reloaded := s.reload(t, group.ID)
	if reloaded.Status != database.AlertGroupSilenced {
		t.Errorf("expected silenced, got %s", reloaded.Status)
	}
	if reloaded.ResolvedAt != nil {
		t.Errorf("silence must clear the resolve metadata first")
	}
	if s.logCount(t, group.ID, database.LogTypeUnResolved) != 1 {
		t.Errorf("the implicit reopen must be logged")
	}
}

func TestUnsilenceRestartsFromTop(t *testing.T) {
	s := setupStack(t)
	user := testhelpers.CreateUser(t, s.db, "alice")
	testhelpers.CreateNotificationPolicy(t, s.db, user.ID, 0, database.NotificationStepNotify, "test", false)
	group := s.firingGroup(t, user)
	if err := s.manager.StartEscalation(s.db, group, 0); err != nil {
		t.Fatalf("StartEscalation failed: %v", err)
	}
	s.runDueOnce() // step one executes, cursor moves to 0
	if _, err := s.groups.Silence(group.ID, &user.ID, testhelpers.IntPtr(60)); err != nil {
		t.Fatalf("Silence failed: %v", err)
	}

	changed, err := s.groups.Unsilence(group.ID, &user.ID)
	if err != nil {
		t.Fatalf("Unsilence failed: %v", err)
	}
	if !changed {
		t.Fatalf("unsilence of a silenced group must change it")
	}

	reloaded := s.reload(t, group.ID)
	if reloaded.Status != database.AlertGroupFiring {
		t.Errorf("expected firing, got %s", reloaded.Status)
	}
	if reloaded.SilencedAt != nil || reloaded.SilencedUntil != nil {
		t.Errorf("unsilence must clear the silence metadata")
	}
	snapshot, _ := escalation.FromRaw(reloaded.RawEscalationSnapshot)
	if snapshot.LastActiveOrder != nil {
		t.Errorf("unsilence must restart from the top, cursor is %v", snapshot.LastActiveOrder)
	}
	if s.logCount(t, group.ID, database.LogTypeUnSilence) != 1 {
		t.Errorf("unsilence must be logged")
	}
}

func TestUnsilenceTaskLiftsExpiredSilence(t *testing.T) {
	s := setupStack(t)
	user := testhelpers.CreateUser(t, s.db, "alice")
	group := s.firingGroup(t, user)
	if _, err := s.groups.Silence(group.ID, &user.ID, testhelpers.IntPtr(1)); err != nil {
		t.Fatalf("Silence failed: %v", err)
	}

	// Expire the silence, then let its task fire
	expired := time.Now().UTC().Add(-time.Second)
	if err := s.db.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
		Update("silenced_until", expired).Error; err != nil {
		t.Fatalf("failed to expire silence: %v", err)
	}
	err := s.db.Model(&database.ScheduledTask{}).
		Where("alert_group_id = ? AND kind = ?", group.ID, database.TaskKindUnsilence).
		Update("run_at", expired).Error
	if err != nil {
		t.Fatalf("failed to force task due: %v", err)
	}
	s.runDueOnce()

	if s.reload(t, group.ID).Status != database.AlertGroupFiring {
		t.Errorf("expired silence must lift automatically")
	}
}

func TestWipe(t *testing.T) {
	s := setupStack(t)
	user := testhelpers.CreateUser(t, s.db, "alice")
	group := s.firingGroup(t, user)
	alert := &database.Alert{PublicID: "a1", AlertGroupID: group.ID, Title: "secret", Message: "secret details", Payload: database.JSONB{"k": "v"}}
	if err := s.db.Create(alert).Error; err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}

	changed, err := s.groups.Wipe(group.ID, &user.ID)
	if err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}
	if !changed {
		t.Fatalf("wipe must change an unwiped group")
	}

	reloaded := s.reload(t, group.ID)
	if reloaded.WipedAt == nil {
		t.Errorf("wipe timestamp missing")
	}
	if reloaded.Status != database.AlertGroupResolved || reloaded.ResolvedBy != database.ActionByWipe {
		t.Errorf("wipe must resolve the group on its behalf")
	}

	var stripped database.Alert
	if err := s.db.First(&stripped, alert.ID).Error; err != nil {
		t.Fatalf("failed to reload alert: %v", err)
	}
	if stripped.Title != "" || stripped.Message != "" {
		t.Errorf("wipe must strip alert content, got %q / %q", stripped.Title, stripped.Message)
	}

	// A wiped group accepts no further transitions
	if changed, _ := s.groups.Acknowledge(group.ID, &user.ID, database.ActionByUser); changed {
		t.Errorf("wiped group must reject acknowledge")
	}
	if changed, _ := s.groups.Unresolve(group.ID, nil, "reopen"); changed {
		t.Errorf("wiped group must reject unresolve")
	}
}
