package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JSONB is a custom type for JSON columns (jsonb on PostgreSQL, TEXT on SQLite)
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return errors.New("type assertion to []byte failed")
	}
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Uint reads a numeric key, tolerating the float64 that JSON round-trips
// numbers into
func (j JSONB) Uint(key string) (uint, bool) {
	switch v := j[key].(type) {
	case float64:
		return uint(v), true
	case int:
		return uint(v), true
	case uint:
		return v, true
	default:
		return 0, false
	}
}

// Bool reads a boolean key
func (j JSONB) Bool(key string) bool {
	v, _ := j[key].(bool)
	return v
}

// String reads a string key
func (j JSONB) String(key string) string {
	v, _ := j[key].(string)
	return v
}

// User represents a person that can be notified and can act on alert groups
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PublicID  string    `gorm:"uniqueIndex;size:36;not null" json:"public_id"`
	Username  string    `gorm:"uniqueIndex;size:128;not null" json:"username"`
	Email     string    `gorm:"size:255" json:"email"`
	Phone     string    `gorm:"size:32" json:"phone"`
	// Per-channel delivery addresses
	SlackUserID    string `gorm:"size:64" json:"slack_user_id"`
	TelegramChatID int64  `json:"telegram_chat_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relationships
	NotificationPolicies []UserNotificationPolicy `gorm:"foreignKey:UserID" json:"notification_policies,omitempty"`
}

func (User) TableName() string {
	return "users"
}

// UserGroup is a named set of users an escalation step can target
type UserGroup struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:128;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Users []User `gorm:"many2many:user_group_members;" json:"users,omitempty"`
}

func (UserGroup) TableName() string {
	return "user_groups"
}

// Schedule is an on-call rotation an escalation step can target
type Schedule struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:128;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Shifts []OnCallShift `gorm:"foreignKey:ScheduleID" json:"shifts,omitempty"`
}

func (Schedule) TableName() string {
	return "schedules"
}

// OnCallShift is one interval during which a user is on call for a schedule
type OnCallShift struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ScheduleID uint      `gorm:"not null;index" json:"schedule_id"`
	UserID     uint      `gorm:"not null;index" json:"user_id"`
	Start      time.Time `gorm:"not null" json:"start"`
	End        time.Time `gorm:"not null" json:"end"`
	CreatedAt  time.Time `json:"created_at"`

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (OnCallShift) TableName() string {
	return "on_call_shifts"
}

// Integration is an alert receive channel: the source alerts arrive from.
// The UUID is the token in the inbound webhook URL.
type Integration struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UUID      string    `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	Name      string    `gorm:"uniqueIndex;size:128;not null" json:"name"`
	Kind      string    `gorm:"size:64;not null" json:"kind"` // e.g. "alertmanager", "grafana", "webhook"
	Enabled   bool      `gorm:"default:true" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ChannelFilters []ChannelFilter `gorm:"foreignKey:IntegrationID" json:"channel_filters,omitempty"`
}

func (Integration) TableName() string {
	return "integrations"
}

// GetWebhookURL returns the inbound webhook URL for this integration
func (i *Integration) GetWebhookURL(baseURL string) string {
	return baseURL + "/webhook/alert/" + i.UUID
}

// ChannelFilter routes alerts of an integration to an escalation chain.
// Filters are evaluated in order; the first matching term wins, the default
// filter catches everything else.
type ChannelFilter struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	IntegrationID     uint      `gorm:"not null;index" json:"integration_id"`
	Order             int       `gorm:"not null;default:0" json:"order"`
	FilteringTerm     string    `gorm:"size:255" json:"filtering_term"` // regexp matched against the alert payload
	IsDefault         bool      `gorm:"default:false" json:"is_default"`
	EscalationChainID *uint     `gorm:"index" json:"escalation_chain_id"`
	SlackChannelID    string    `gorm:"size:64" json:"slack_channel_id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	EscalationChain *EscalationChain `gorm:"foreignKey:EscalationChainID" json:"escalation_chain,omitempty"`
}

func (ChannelFilter) TableName() string {
	return "channel_filters"
}

// EscalationChain is a user-configured ordered template of escalation policies
type EscalationChain struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:128;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Policies []EscalationPolicy `gorm:"foreignKey:EscalationChainID" json:"policies,omitempty"`
}

func (EscalationChain) TableName() string {
	return "escalation_chains"
}

// Escalation step kinds
const (
	StepWait                    = "wait"
	StepNotifyUsers             = "notify_users"
	StepNotifyUsersImportant    = "notify_users_important"
	StepNotifyUsersQueue        = "notify_users_queue"
	StepNotifyGroup             = "notify_group"
	StepNotifyGroupImportant    = "notify_group_important"
	StepNotifySchedule          = "notify_schedule"
	StepNotifyScheduleImportant = "notify_schedule_important"
	StepTriggerWebhook          = "trigger_webhook"
	StepNotifyIfTime            = "notify_if_time"
	StepNotifyIfNumAlerts       = "notify_if_num_alerts"
	StepRepeatEscalation        = "repeat_escalation"
	StepFinalResolve            = "final_resolve"
)

// MaxTimesRepeatEscalation caps the repeat_escalation step
const MaxTimesRepeatEscalation = 5

// EscalationPolicy is one step of an escalation chain
type EscalationPolicy struct {
	ID                uint   `gorm:"primaryKey" json:"id"`
	EscalationChainID uint   `gorm:"not null;index" json:"escalation_chain_id"`
	Order             int    `gorm:"not null;default:0" json:"order"`
	Step              string `gorm:"size:64;not null" json:"step"`

	// Step-specific parameters, nullable because each step uses a subset
	WaitDelaySeconds   *int    `json:"wait_delay_seconds"`
	LastNotifiedUserID *uint   `json:"last_notified_user_id"` // round-robin cursor for notify_users_queue
	FromTime           *string `gorm:"size:8" json:"from_time"` // "15:04" UTC, notify_if_time
	ToTime             *string `gorm:"size:8" json:"to_time"`
	NumAlertsInWindow  *int    `json:"num_alerts_in_window"`
	NumMinutesInWindow *int    `json:"num_minutes_in_window"`
	CustomWebhookID    *uint   `gorm:"index" json:"custom_webhook_id"`
	NotifyScheduleID   *uint   `gorm:"index" json:"notify_schedule_id"`
	NotifyGroupID      *uint   `gorm:"index" json:"notify_group_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	NotifyToUsers []User `gorm:"many2many:escalation_policy_users;" json:"notify_to_users,omitempty"`
}

func (EscalationPolicy) TableName() string {
	return "escalation_policies"
}

// AlertGroupStatus represents the lifecycle state of an alert group
type AlertGroupStatus string

const (
	AlertGroupFiring       AlertGroupStatus = "firing"
	AlertGroupAcknowledged AlertGroupStatus = "acknowledged"
	AlertGroupResolved     AlertGroupStatus = "resolved"
	AlertGroupSilenced     AlertGroupStatus = "silenced"
)

// Actor kinds recorded on acknowledge/resolve
const (
	ActionByUser     = "user"
	ActionBySource   = "source"
	ActionByLastStep = "last_step"
	ActionByWipe     = "wipe"
)

// AlertGroup is a deduplicated cluster of alerts treated as one incident.
// Status is the single source of truth for the lifecycle state; it is only
// mutated by the state machine transitions in services.AlertGroupService.
type AlertGroup struct {
	ID              uint             `gorm:"primaryKey" json:"id"`
	PublicID        string           `gorm:"uniqueIndex;size:36;not null" json:"public_id"`
	IntegrationID   uint             `gorm:"not null;index" json:"integration_id"`
	ChannelFilterID *uint            `gorm:"index" json:"channel_filter_id"`
	Fingerprint     string           `gorm:"size:255;not null;index" json:"fingerprint"`
	Title           string           `gorm:"size:255" json:"title"`
	Status          AlertGroupStatus `gorm:"size:20;not null;default:'firing';index" json:"status"`
	StartedAt       time.Time        `gorm:"not null" json:"started_at"`

	AcknowledgedAt       *time.Time `json:"acknowledged_at"`
	AcknowledgedBy       string     `gorm:"size:20" json:"acknowledged_by"` // "user" | "source"
	AcknowledgedByUserID *uint      `json:"acknowledged_by_user_id"`

	ResolvedAt       *time.Time `json:"resolved_at"`
	ResolvedBy       string     `gorm:"size:20" json:"resolved_by"` // "user" | "source" | "last_step" | "wipe"
	ResolvedByUserID *uint      `json:"resolved_by_user_id"`

	SilencedAt       *time.Time `json:"silenced_at"`
	SilencedUntil    *time.Time `json:"silenced_until"` // nil while silenced means "forever"
	SilencedByUserID *uint      `json:"silenced_by_user_id"`

	// Escalation bookkeeping. RawEscalationSnapshot is the frozen copy of the
	// escalation chain built when escalation (re)starts; ActiveEscalationID is
	// the token stale escalation tasks are checked against.
	RawEscalationSnapshot JSONB  `gorm:"type:jsonb" json:"raw_escalation_snapshot"`
	ActiveEscalationID    string `gorm:"size:64" json:"active_escalation_id"`
	IsEscalationFinished  bool   `gorm:"default:false" json:"is_escalation_finished"`

	// Seconds from started_at to the first of acknowledge/resolve, persisted on resolve
	ResponseTimeSeconds *int64 `json:"response_time_seconds"`

	WipedAt   *time.Time `json:"wiped_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	Alerts     []Alert               `gorm:"foreignKey:AlertGroupID" json:"alerts,omitempty"`
	LogRecords []AlertGroupLogRecord `gorm:"foreignKey:AlertGroupID" json:"log_records,omitempty"`
}

func (AlertGroup) TableName() string {
	return "alert_groups"
}

// Silenced reports whether the group is in the silenced state
func (g *AlertGroup) Silenced() bool {
	return g.Status == AlertGroupSilenced
}

// SilencedForever reports whether the group is silenced without an automatic resume
func (g *AlertGroup) SilencedForever() bool {
	return g.Status == AlertGroupSilenced && g.SilencedUntil == nil
}

// Alert is one raw inbound event attached to exactly one alert group
type Alert struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	PublicID        string    `gorm:"uniqueIndex;size:36;not null" json:"public_id"`
	AlertGroupID    uint      `gorm:"not null;index" json:"alert_group_id"`
	Title           string    `gorm:"size:255" json:"title"`
	Message         string    `gorm:"type:text" json:"message"`
	Payload         JSONB     `gorm:"type:jsonb" json:"payload"`
	IsResolveSignal bool      `gorm:"default:false" json:"is_resolve_signal"`
	CreatedAt       time.Time `json:"created_at"`
}

func (Alert) TableName() string {
	return "alerts"
}

// Alert group log record types
const (
	LogTypeAck                 = "acknowledge"
	LogTypeUnAck               = "unacknowledge"
	LogTypeResolved            = "resolve"
	LogTypeUnResolved          = "unresolve"
	LogTypeSilence             = "silence"
	LogTypeUnSilence           = "unsilence"
	LogTypeWiped               = "wiped"
	LogTypeEscalationTriggered = "escalation_triggered"
	LogTypeEscalationFailed    = "escalation_failed"
	LogTypeEscalationFinished  = "escalation_finished"
	LogTypeRegistered          = "registered"
)

// Escalation error codes recorded on escalation_failed log records
const (
	ErrEscalationNoScheduleSelected  = "schedule_not_selected"
	ErrEscalationScheduleEmpty       = "schedule_has_no_users_on_call"
	ErrEscalationGroupNotSelected    = "group_not_selected"
	ErrEscalationGroupEmpty          = "group_has_no_members"
	ErrEscalationNoRecipients        = "no_recipients"
	ErrEscalationWaitNotConfigured   = "wait_step_not_configured"
	ErrEscalationIfTimeNotConfigured = "if_time_step_not_configured"
	ErrEscalationWindowNotConfigured = "num_alerts_window_step_not_configured"
	ErrEscalationWebhookNotSelected  = "webhook_not_selected"
	ErrEscalationUnknownStep         = "unknown_step"
)

// AlertGroupLogRecord is one append-only entry of the alert group audit trail
type AlertGroupLogRecord struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	AlertGroupID         uint      `gorm:"not null;index" json:"alert_group_id"`
	Type                 string    `gorm:"size:32;not null" json:"type"`
	AuthorID             *uint     `json:"author_id"`
	Reason               string    `gorm:"size:255" json:"reason"`
	EscalationPolicyStep string    `gorm:"size:64" json:"escalation_policy_step"`
	EscalationErrorCode  string    `gorm:"size:64" json:"escalation_error_code"`
	SilenceDelaySeconds  *int      `json:"silence_delay_seconds"`
	StepSpecificInfo     JSONB     `gorm:"type:jsonb" json:"step_specific_info"`
	CreatedAt            time.Time `json:"created_at"`
}

func (AlertGroupLogRecord) TableName() string {
	return "alert_group_log_records"
}

// User notification policy step kinds
const (
	NotificationStepNotify = "notify"
	NotificationStepWait   = "wait"
)

// UserNotificationPolicy is one step of a user's personal notification chain.
// Default and important chains are independent ordered lists.
type UserNotificationPolicy struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	UserID           uint      `gorm:"not null;index" json:"user_id"`
	Important        bool      `gorm:"default:false" json:"important"`
	Order            int       `gorm:"not null;default:0" json:"order"`
	Step             string    `gorm:"size:16;not null" json:"step"` // "notify" | "wait"
	NotifyBy         string    `gorm:"size:64" json:"notify_by"`     // backend id, e.g. "slack", "email"
	WaitDelaySeconds *int      `json:"wait_delay_seconds"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (UserNotificationPolicy) TableName() string {
	return "user_notification_policies"
}

// Notification log record types
const (
	NotificationTriggered = "triggered"
	NotificationSuccess   = "success"
	NotificationFailed    = "failed"
)

// Notification error codes
const (
	ErrNotificationBackendNotConfigured = "backend_not_configured"
	ErrNotificationBackendError         = "backend_error"
	ErrNotificationForbidden            = "notification_forbidden"
)

// UserNotificationPolicyLogRecord is the append-only audit trail of
// notification attempts; written once, never mutated afterwards.
type UserNotificationPolicyLogRecord struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	UserID                uint      `gorm:"not null;index" json:"user_id"`
	AlertGroupID          uint      `gorm:"not null;index" json:"alert_group_id"`
	NotificationPolicyID  *uint     `json:"notification_policy_id"`
	Type                  string    `gorm:"size:16;not null" json:"type"` // "triggered" | "success" | "failed"
	NotificationChannel   string    `gorm:"size:64" json:"notification_channel"`
	Reason                string    `gorm:"size:255" json:"reason"`
	NotificationErrorCode string    `gorm:"size:64" json:"notification_error_code"`
	CreatedAt             time.Time `json:"created_at"`
}

func (UserNotificationPolicyLogRecord) TableName() string {
	return "user_notification_policy_log_records"
}

// CustomWebhook is an outgoing webhook an escalation step can trigger
type CustomWebhook struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Name       string    `gorm:"uniqueIndex;size:128;not null" json:"name"`
	URL        string    `gorm:"size:1024;not null" json:"url"`
	HTTPMethod string    `gorm:"size:8;default:'POST'" json:"http_method"`
	Headers    JSONB     `gorm:"type:jsonb" json:"headers"`
	Enabled    bool      `gorm:"default:true" json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (CustomWebhook) TableName() string {
	return "custom_webhooks"
}

// Scheduled task statuses
const (
	TaskPending  = "pending"
	TaskRunning  = "running"
	TaskDone     = "done"
	TaskCanceled = "canceled"
)

// Scheduled task kinds
const (
	TaskKindEscalate   = "escalate"
	TaskKindNotifyUser = "notify_user"
	TaskKindUnsilence  = "unsilence"
	TaskKindWebhook    = "webhook"
)

// ScheduledTask is one durable delayed unit of work. Rows double as the
// broker: workers claim due pending rows with a conditional update, so
// delivery is at-least-once and cancellation is advisory.
type ScheduledTask struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	TaskUUID     string     `gorm:"uniqueIndex;size:36;not null" json:"task_uuid"`
	Kind         string     `gorm:"size:32;not null;index" json:"kind"`
	AlertGroupID *uint      `gorm:"index" json:"alert_group_id"`
	Payload      JSONB      `gorm:"type:jsonb" json:"payload"`
	RunAt        time.Time  `gorm:"not null;index" json:"run_at"`
	Status       string     `gorm:"size:16;not null;default:'pending';index" json:"status"`
	Attempts     int        `gorm:"default:0" json:"attempts"`
	LastError    string     `gorm:"size:1024" json:"last_error"`
	ClaimedAt    *time.Time `json:"claimed_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (ScheduledTask) TableName() string {
	return "scheduled_tasks"
}
