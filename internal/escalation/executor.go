package escalation

import (
	"fmt"
	"log"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/database"
)

// UserNotifier starts the personal notification chain for one user. The
// executor never talks to delivery backends directly; it hands users off here.
type UserNotifier interface {
	NotifyUser(alertGroupID, userID uint, important bool, reason string) error
}

// ScheduleResolver answers "who is on call" and "who is in this group"
type ScheduleResolver interface {
	UsersOnCall(scheduleID uint, at time.Time) ([]uint, error)
	GroupMembers(groupID uint) ([]uint, error)
}

// WebhookTrigger fires an outgoing webhook for an alert group
type WebhookTrigger interface {
	TriggerWebhook(webhookID, alertGroupID uint) error
}

// LastStepResolver resolves an alert group on behalf of a final_resolve step
type LastStepResolver interface {
	ResolveByLastStep(alertGroupID uint) error
}

// StepResult tells the escalation driver what to do after a step ran
type StepResult struct {
	// ETA is when the next step should run; nil means "no further step from
	// this result" (paused or stopped)
	ETA                *time.Time
	StopEscalation     bool
	StartFromBeginning bool
	PauseEscalation    bool
}

type stepFunc func(e *Executor, group *database.AlertGroup, snapshot *Snapshot, policy *PolicySnapshot) StepResult

var stepFuncs = map[string]stepFunc{
	database.StepWait:                    (*Executor).stepWait,
	database.StepNotifyUsers:             (*Executor).stepNotifyUsers,
	database.StepNotifyUsersImportant:    (*Executor).stepNotifyUsers,
	database.StepNotifyUsersQueue:        (*Executor).stepNotifyUsersQueue,
	database.StepNotifyGroup:             (*Executor).stepNotifyGroup,
	database.StepNotifyGroupImportant:    (*Executor).stepNotifyGroup,
	database.StepNotifySchedule:          (*Executor).stepNotifySchedule,
	database.StepNotifyScheduleImportant: (*Executor).stepNotifySchedule,
	database.StepTriggerWebhook:          (*Executor).stepTriggerWebhook,
	database.StepNotifyIfTime:            (*Executor).stepNotifyIfTime,
	database.StepNotifyIfNumAlerts:       (*Executor).stepNotifyIfNumAlerts,
	database.StepRepeatEscalation:        (*Executor).stepRepeatEscalation,
	database.StepFinalResolve:            (*Executor).stepFinalResolve,
}

// Executor runs single escalation steps against a snapshot. It mutates only
// the snapshot (round-robin cursor, repeat counter) and the audit trail; the
// walk cursor itself is advanced by the Manager.
type Executor struct {
	db       *gorm.DB
	notifier UserNotifier
	resolver ScheduleResolver
	webhooks WebhookTrigger
	closer   LastStepResolver
}

// NewExecutor wires an executor with its collaborators
func NewExecutor(db *gorm.DB, notifier UserNotifier, resolver ScheduleResolver, webhooks WebhookTrigger) *Executor {
	return &Executor{
		db:       db,
		notifier: notifier,
		resolver: resolver,
		webhooks: webhooks,
	}
}

// SetLastStepResolver wires the final_resolve collaborator after construction;
// the resolver itself is built on top of the escalation manager, so it cannot
// exist yet when the executor is created
func (e *Executor) SetLastStepResolver(closer LastStepResolver) {
	e.closer = closer
}

// ExecuteStep runs one policy step. A misconfigured or empty-target step is
// not fatal: it records an escalation_failed log record and escalation moves
// on to the next step.
func (e *Executor) ExecuteStep(group *database.AlertGroup, snapshot *Snapshot, policy *PolicySnapshot) StepResult {
	fn, ok := stepFuncs[policy.Step]
	if !ok {
		log.Printf("Escalation: unknown step %q in policy %d for alert group %d", policy.Step, policy.ID, group.ID)
		e.logFailed(group, policy, database.ErrEscalationUnknownStep, fmt.Sprintf("unknown escalation step %q", policy.Step))
		return e.defaultResult()
	}

	result := fn(e, group, snapshot, policy)
	now := time.Now().UTC()
	policy.PassedLastTime = &now
	return result
}

func (e *Executor) defaultResult() StepResult {
	eta := time.Now().UTC().Add(NextEscalationDelay)
	return StepResult{ETA: &eta}
}

func (e *Executor) stepWait(group *database.AlertGroup, snapshot *Snapshot, policy *PolicySnapshot) StepResult {
	delay := DefaultWaitDelay
	if policy.WaitDelaySeconds != nil && *policy.WaitDelaySeconds > 0 {
		delay = time.Duration(*policy.WaitDelaySeconds) * time.Second
	} else {
		e.logFailed(group, policy, database.ErrEscalationWaitNotConfigured, "wait step has no delay configured, using default")
	}
	e.logTriggered(group, policy, fmt.Sprintf("waiting %s before the next step", delay))
	eta := time.Now().UTC().Add(delay)
	return StepResult{ETA: &eta}
}

func (e *Executor) stepNotifyUsers(group *database.AlertGroup, snapshot *Snapshot, policy *PolicySnapshot) StepResult {
	if len(policy.NotifyToUsers) == 0 {
		e.logFailed(group, policy, database.ErrEscalationNoRecipients, "no users selected to notify")
		return e.defaultResult()
	}
	important := policy.Step == database.StepNotifyUsersImportant
	e.logTriggered(group, policy, fmt.Sprintf("notifying %d user(s)", len(policy.NotifyToUsers)))
	e.notifyAll(group, policy, policy.NotifyToUsers, important)
	return e.defaultResult()
}

func (e *Executor) stepNotifyUsersQueue(group *database.AlertGroup, snapshot *Snapshot, policy *PolicySnapshot) StepResult {
	if len(policy.NotifyToUsers) == 0 {
		e.logFailed(group, policy, database.ErrEscalationNoRecipients, "no users selected to notify")
		return e.defaultResult()
	}

	// Round-robin: notify the user after the one notified last time
	users := make([]uint, len(policy.NotifyToUsers))
	copy(users, policy.NotifyToUsers)
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	next := users[0]
	if policy.LastNotifiedUserID != nil {
		for i, id := range users {
			if id == *policy.LastNotifiedUserID {
				next = users[(i+1)%len(users)]
				break
			}
		}
	}
	policy.LastNotifiedUserID = &next

	e.logTriggered(group, policy, fmt.Sprintf("notifying next user in rotation (user %d)", next))
	e.notifyAll(group, policy, []uint{next}, false)
	return e.defaultResult()
}

func (e *Executor) stepNotifyGroup(group *database.AlertGroup, snapshot *Snapshot, policy *PolicySnapshot) StepResult {
	if policy.NotifyGroupID == nil {
		e.logFailed(group, policy, database.ErrEscalationGroupNotSelected, "no user group selected to notify")
		return e.defaultResult()
	}
	members, err := e.resolver.GroupMembers(*policy.NotifyGroupID)
	if err != nil {
		log.Printf("Escalation: failed to resolve members of group %d: %v", *policy.NotifyGroupID, err)
		e.logFailed(group, policy, database.ErrEscalationGroupEmpty, "failed to resolve user group members")
		return e.defaultResult()
	}
	if len(members) == 0 {
		e.logFailed(group, policy, database.ErrEscalationGroupEmpty, "selected user group has no members")
		return e.defaultResult()
	}
	important := policy.Step == database.StepNotifyGroupImportant
	e.logTriggered(group, policy, fmt.Sprintf("notifying %d group member(s)", len(members)))
	e.notifyAll(group, policy, members, important)
	return e.defaultResult()
}

func (e *Executor) stepNotifySchedule(group *database.AlertGroup, snapshot *Snapshot, policy *PolicySnapshot) StepResult {
	if policy.NotifyScheduleID == nil {
		e.logFailed(group, policy, database.ErrEscalationNoScheduleSelected, "no schedule selected to notify")
		return e.defaultResult()
	}
	onCall, err := e.resolver.UsersOnCall(*policy.NotifyScheduleID, time.Now().UTC())
	if err != nil {
		log.Printf("Escalation: failed to resolve on-call users of schedule %d: %v", *policy.NotifyScheduleID, err)
		e.logFailed(group, policy, database.ErrEscalationScheduleEmpty, "failed to resolve on-call users")
		return e.defaultResult()
	}
	if len(onCall) == 0 {
		e.logFailed(group, policy, database.ErrEscalationScheduleEmpty, "nobody is on call for the selected schedule")
		return e.defaultResult()
	}
	important := policy.Step == database.StepNotifyScheduleImportant
	e.logTriggered(group, policy, fmt.Sprintf("notifying %d on-call user(s)", len(onCall)))
	e.notifyAll(group, policy, onCall, important)
	return e.defaultResult()
}

func (e *Executor) stepTriggerWebhook(group *database.AlertGroup, snapshot *Snapshot, policy *PolicySnapshot) StepResult {
	if policy.CustomWebhookID == nil {
		e.logFailed(group, policy, database.ErrEscalationWebhookNotSelected, "no outgoing webhook selected")
		return e.defaultResult()
	}
	if err := e.webhooks.TriggerWebhook(*policy.CustomWebhookID, group.ID); err != nil {
		log.Printf("Escalation: failed to trigger webhook %d for alert group %d: %v", *policy.CustomWebhookID, group.ID, err)
	}
	e.logTriggered(group, policy, "outgoing webhook triggered")
	return e.defaultResult()
}

func (e *Executor) stepNotifyIfTime(group *database.AlertGroup, snapshot *Snapshot, policy *PolicySnapshot) StepResult {
	if policy.FromTime == nil || policy.ToTime == nil {
		e.logFailed(group, policy, database.ErrEscalationIfTimeNotConfigured, "continue-if-time step has no window configured")
		return e.defaultResult()
	}
	from, errFrom := time.Parse("15:04", *policy.FromTime)
	to, errTo := time.Parse("15:04", *policy.ToTime)
	if errFrom != nil || errTo != nil {
		e.logFailed(group, policy, database.ErrEscalationIfTimeNotConfigured, "continue-if-time step window is malformed")
		return e.defaultResult()
	}

	now := time.Now().UTC()
	if inTimeWindow(now, from, to) {
		e.logTriggered(group, policy, "inside the configured time window, continuing")
		return e.defaultResult()
	}

	eta := nextWindowStart(now, from)
	e.logTriggered(group, policy, fmt.Sprintf("outside the configured time window, resuming at %s", eta.Format(time.RFC3339)))
	return StepResult{ETA: &eta}
}

func (e *Executor) stepNotifyIfNumAlerts(group *database.AlertGroup, snapshot *Snapshot, policy *PolicySnapshot) StepResult {
	if policy.NumAlertsInWindow == nil || policy.NumMinutesInWindow == nil {
		e.logFailed(group, policy, database.ErrEscalationWindowNotConfigured, "continue-if-alerts step has no threshold configured")
		return e.defaultResult()
	}

	since := time.Now().UTC().Add(-time.Duration(*policy.NumMinutesInWindow) * time.Minute)
	count, err := database.CountAlertsSince(e.db, group.ID, since)
	if err != nil {
		log.Printf("Escalation: failed to count alerts for alert group %d: %v", group.ID, err)
		return e.defaultResult()
	}

	if count < int64(*policy.NumAlertsInWindow) {
		// Not enough alerts yet: pause without advancing, the step re-checks
		// when a new alert resumes the walk
		policy.PauseEscalation = true
		e.logTriggered(group, policy, fmt.Sprintf("only %d of %d alerts in window, pausing escalation", count, *policy.NumAlertsInWindow))
		return StepResult{PauseEscalation: true}
	}

	policy.PauseEscalation = false
	e.logTriggered(group, policy, fmt.Sprintf("%d alerts in window reached the threshold, continuing", count))
	return e.defaultResult()
}

func (e *Executor) stepRepeatEscalation(group *database.AlertGroup, snapshot *Snapshot, policy *PolicySnapshot) StepResult {
	if policy.EscalationCounter >= database.MaxTimesRepeatEscalation {
		e.logTriggered(group, policy, "repeat limit reached, continuing past the repeat step")
		return e.defaultResult()
	}
	policy.EscalationCounter++
	e.logTriggered(group, policy, fmt.Sprintf("repeating escalation from the beginning (%d/%d)", policy.EscalationCounter, database.MaxTimesRepeatEscalation))
	eta := time.Now().UTC().Add(NextEscalationDelay)
	return StepResult{ETA: &eta, StartFromBeginning: true}
}

func (e *Executor) stepFinalResolve(group *database.AlertGroup, snapshot *Snapshot, policy *PolicySnapshot) StepResult {
	e.logTriggered(group, policy, "resolving alert group as the last escalation step")
	if e.closer == nil {
		log.Printf("Escalation: no resolver wired for final_resolve, stopping escalation for alert group %d", group.ID)
		return StepResult{StopEscalation: true}
	}
	if err := e.closer.ResolveByLastStep(group.ID); err != nil {
		log.Printf("Escalation: failed to resolve alert group %d by last step: %v", group.ID, err)
	}
	return StepResult{StopEscalation: true}
}

func (e *Executor) notifyAll(group *database.AlertGroup, policy *PolicySnapshot, userIDs []uint, important bool) {
	for _, userID := range userIDs {
		if err := e.notifier.NotifyUser(group.ID, userID, important, policy.Step); err != nil {
			log.Printf("Escalation: failed to start notification of user %d for alert group %d: %v", userID, group.ID, err)
		}
	}
}

func (e *Executor) logTriggered(group *database.AlertGroup, policy *PolicySnapshot, reason string) {
	err := database.AddLogRecord(e.db, &database.AlertGroupLogRecord{
		AlertGroupID:         group.ID,
		Type:                 database.LogTypeEscalationTriggered,
		Reason:               reason,
		EscalationPolicyStep: policy.Step,
	})
	if err != nil {
		log.Printf("Escalation: failed to write log record for alert group %d: %v", group.ID, err)
	}
}

func (e *Executor) logFailed(group *database.AlertGroup, policy *PolicySnapshot, errorCode, reason string) {
	err := database.AddLogRecord(e.db, &database.AlertGroupLogRecord{
		AlertGroupID:         group.ID,
		Type:                 database.LogTypeEscalationFailed,
		Reason:               reason,
		EscalationPolicyStep: policy.Step,
		EscalationErrorCode:  errorCode,
	})
	if err != nil {
		log.Printf("Escalation: failed to write log record for alert group %d: %v", group.ID, err)
	}
}

// inTimeWindow reports whether the clock time of now falls inside [from, to),
// handling windows that span midnight
func inTimeWindow(now, from, to time.Time) bool {
	minutes := now.Hour()*60 + now.Minute()
	fromMin := from.Hour()*60 + from.Minute()
	toMin := to.Hour()*60 + to.Minute()
	if fromMin <= toMin {
		return minutes >= fromMin && minutes < toMin
	}
	return minutes >= fromMin || minutes < toMin
}

// nextWindowStart returns the next moment the daily window opens
func nextWindowStart(now, from time.Time) time.Time {
	start := time.Date(now.Year(), now.Month(), now.Day(), from.Hour(), from.Minute(), 0, 0, time.UTC)
	if !start.After(now) {
		start = start.Add(24 * time.Hour)
	}
	return start
}
