package escalation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/database"
)

// Timing constants for the escalation walk. The default inter-step delay is
// deliberately short; wait steps carry their own delay. The start delay lets
// an alert group settle (absorb near-simultaneous duplicates, survive an
// immediate ack+unack) before the first notification goes out.
const (
	NextEscalationDelay  = 5 * time.Second
	StartEscalationDelay = 10 * time.Second
	DefaultWaitDelay     = 5 * time.Minute
)

// ErrNoEscalationChain is returned by Build when the alert group's route has
// no escalation chain configured.
var ErrNoEscalationChain = errors.New("no escalation chain configured")

// ChannelFilterSnapshot freezes the routing target identity at escalation start
type ChannelFilterSnapshot struct {
	ID             uint   `json:"id"`
	FilteringTerm  string `json:"filtering_term"`
	SlackChannelID string `json:"slack_channel_id"`
}

// ChainSnapshot freezes the escalation chain identity at escalation start
type ChainSnapshot struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

// PolicySnapshot is a detached copy of one escalation policy. It is immune to
// later edits or deletion of the live policy; only LastNotifiedUserID,
// EscalationCounter, PassedLastTime and PauseEscalation mutate during the walk.
type PolicySnapshot struct {
	ID    uint   `json:"id"`
	Order int    `json:"order"`
	Step  string `json:"step"`

	WaitDelaySeconds   *int    `json:"wait_delay_seconds"`
	NotifyToUsers      []uint  `json:"notify_to_users"`
	LastNotifiedUserID *uint   `json:"last_notified_user_id"`
	FromTime           *string `json:"from_time"`
	ToTime             *string `json:"to_time"`
	NumAlertsInWindow  *int    `json:"num_alerts_in_window"`
	NumMinutesInWindow *int    `json:"num_minutes_in_window"`
	CustomWebhookID    *uint   `json:"custom_webhook_id"`
	NotifyScheduleID   *uint   `json:"notify_schedule_id"`
	NotifyGroupID      *uint   `json:"notify_group_id"`

	EscalationCounter int        `json:"escalation_counter"`
	PassedLastTime    *time.Time `json:"passed_last_time"`
	PauseEscalation   bool       `json:"pause_escalation"`
}

// Snapshot is the frozen, per-alert-group copy of an escalation chain that the
// walk actually executes. The policy list and chain/route identity never
// change after Build; only the cursor, pause flag and next-step ETA advance.
type Snapshot struct {
	ChannelFilter   *ChannelFilterSnapshot `json:"channel_filter_snapshot"`
	EscalationChain *ChainSnapshot         `json:"escalation_chain_snapshot"`
	Policies        []*PolicySnapshot      `json:"escalation_policies_snapshots"`

	// LastActiveOrder is the cursor: index of the last executed policy,
	// nil when the walk has not started.
	LastActiveOrder *int       `json:"last_active_escalation_policy_order"`
	SlackChannelID  string     `json:"slack_channel_id"`
	PauseEscalation bool       `json:"pause_escalation"`
	NextStepETA     *time.Time `json:"next_step_eta"`
}

// NextActiveOrder returns the index of the policy the walk should execute next
func (s *Snapshot) NextActiveOrder() int {
	if s.LastActiveOrder == nil {
		return 0
	}
	return *s.LastActiveOrder + 1
}

// NextActivePolicy returns the policy at NextActiveOrder, or nil when the
// chain is exhausted
func (s *Snapshot) NextActivePolicy() *PolicySnapshot {
	order := s.NextActiveOrder()
	if order >= len(s.Policies) {
		return nil
	}
	return s.Policies[order]
}

// LastActivePolicy returns the policy at the cursor, or nil when the walk has
// not started
func (s *Snapshot) LastActivePolicy() *PolicySnapshot {
	if s.LastActiveOrder == nil || *s.LastActiveOrder >= len(s.Policies) {
		return nil
	}
	return s.Policies[*s.LastActiveOrder]
}

// Build materializes a snapshot from the alert group's channel filter and its
// escalation chain as they exist right now. Returns ErrNoEscalationChain when
// the group has no route or the route has no chain.
func Build(db *gorm.DB, group *database.AlertGroup) (*Snapshot, error) {
	if group.ChannelFilterID == nil {
		return nil, ErrNoEscalationChain
	}

	var filter database.ChannelFilter
	if err := db.First(&filter, *group.ChannelFilterID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoEscalationChain
		}
		return nil, err
	}
	if filter.EscalationChainID == nil {
		return nil, ErrNoEscalationChain
	}

	var chain database.EscalationChain
	if err := db.First(&chain, *filter.EscalationChainID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoEscalationChain
		}
		return nil, err
	}

	var policies []database.EscalationPolicy
	err := db.Preload("NotifyToUsers").
		Where("escalation_chain_id = ?", chain.ID).
		Order("\"order\" asc").
		Find(&policies).Error
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		ChannelFilter: &ChannelFilterSnapshot{
			ID:             filter.ID,
			FilteringTerm:  filter.FilteringTerm,
			SlackChannelID: filter.SlackChannelID,
		},
		EscalationChain: &ChainSnapshot{
			ID:   chain.ID,
			Name: chain.Name,
		},
		SlackChannelID: filter.SlackChannelID,
	}

	for _, policy := range policies {
		ps := &PolicySnapshot{
			ID:                 policy.ID,
			Order:              policy.Order,
			Step:               policy.Step,
			WaitDelaySeconds:   policy.WaitDelaySeconds,
			LastNotifiedUserID: policy.LastNotifiedUserID,
			FromTime:           policy.FromTime,
			ToTime:             policy.ToTime,
			NumAlertsInWindow:  policy.NumAlertsInWindow,
			NumMinutesInWindow: policy.NumMinutesInWindow,
			CustomWebhookID:    policy.CustomWebhookID,
			NotifyScheduleID:   policy.NotifyScheduleID,
			NotifyGroupID:      policy.NotifyGroupID,
		}
		for _, user := range policy.NotifyToUsers {
			ps.NotifyToUsers = append(ps.NotifyToUsers, user.ID)
		}
		snapshot.Policies = append(snapshot.Policies, ps)
	}

	return snapshot, nil
}

// ToRaw serializes the snapshot for storage on the alert group
func (s *Snapshot) ToRaw() (database.JSONB, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize escalation snapshot: %w", err)
	}
	var raw database.JSONB
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to serialize escalation snapshot: %w", err)
	}
	return raw, nil
}

// FromRaw deserializes a stored snapshot. Returns nil for an empty raw value.
func FromRaw(raw database.JSONB) (*Snapshot, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize escalation snapshot: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to deserialize escalation snapshot: %w", err)
	}
	return &snapshot, nil
}

// SaveToAlertGroup persists the snapshot on its owning alert group
func SaveToAlertGroup(db *gorm.DB, group *database.AlertGroup, snapshot *Snapshot) error {
	raw, err := snapshot.ToRaw()
	if err != nil {
		return err
	}
	group.RawEscalationSnapshot = raw
	return db.Model(&database.AlertGroup{}).Where("id = ?", group.ID).
		Update("raw_escalation_snapshot", raw).Error
}
