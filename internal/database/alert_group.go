package database

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetAlertGroup loads an alert group by primary key
func GetAlertGroup(db *gorm.DB, id uint) (*AlertGroup, error) {
	var group AlertGroup
	if err := db.First(&group, id).Error; err != nil {
		return nil, err
	}
	return &group, nil
}

// GetAlertGroupByPublicID loads an alert group by its public UUID
func GetAlertGroupByPublicID(db *gorm.DB, publicID string) (*AlertGroup, error) {
	var group AlertGroup
	if err := db.Where("public_id = ?", publicID).First(&group).Error; err != nil {
		return nil, err
	}
	return &group, nil
}

// GetAlertGroupForUpdate loads an alert group under a row lock. Must be called
// inside a transaction; concurrent state transitions on the same group
// serialize on this lock.
func GetAlertGroupForUpdate(tx *gorm.DB, id uint) (*AlertGroup, error) {
	var group AlertGroup
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&group, id).Error
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// GetOrCreateGrouping finds the open alert group for (integration, fingerprint)
// or creates a new one routed through the given channel filter. Wiped groups
// never absorb new alerts.
func GetOrCreateGrouping(db *gorm.DB, integration *Integration, channelFilter *ChannelFilter, fingerprint, title string) (*AlertGroup, bool, error) {
	var group AlertGroup
	err := db.Where("integration_id = ? AND fingerprint = ? AND wiped_at IS NULL", integration.ID, fingerprint).
		Order("id desc").First(&group).Error
	if err == nil {
		return &group, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	group = AlertGroup{
		PublicID:      uuid.New().String(),
		IntegrationID: integration.ID,
		Fingerprint:   fingerprint,
		Title:         title,
		Status:        AlertGroupFiring,
		StartedAt:     time.Now().UTC(),
	}
	if channelFilter != nil {
		group.ChannelFilterID = &channelFilter.ID
	}
	if err := db.Create(&group).Error; err != nil {
		return nil, false, err
	}
	return &group, true, nil
}

// AddLogRecord appends one audit trail entry for an alert group
func AddLogRecord(db *gorm.DB, record *AlertGroupLogRecord) error {
	return db.Create(record).Error
}

// CountAlertsSince returns the number of alerts attached to the group with
// created_at >= since
func CountAlertsSince(db *gorm.DB, alertGroupID uint, since time.Time) (int64, error) {
	var count int64
	err := db.Model(&Alert{}).
		Where("alert_group_id = ? AND created_at >= ?", alertGroupID, since).
		Count(&count).Error
	return count, err
}

// LastAlert returns the most recently attached alert of the group
func LastAlert(db *gorm.DB, alertGroupID uint) (*Alert, error) {
	var alert Alert
	err := db.Where("alert_group_id = ?", alertGroupID).Order("id desc").First(&alert).Error
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// GetNotificationPolicies returns the ordered notification steps of a user,
// creating the default chain on first use (mirrors per-user defaults the web
// UI would seed).
func GetNotificationPolicies(db *gorm.DB, userID uint, important bool) ([]UserNotificationPolicy, error) {
	var policies []UserNotificationPolicy
	err := db.Where("user_id = ? AND important = ?", userID, important).
		Order("\"order\" asc").Find(&policies).Error
	if err != nil {
		return nil, err
	}
	return policies, nil
}

// NextNotificationPolicy returns the policy step after the given one, or nil
// when the chain is exhausted
func NextNotificationPolicy(db *gorm.DB, current *UserNotificationPolicy) (*UserNotificationPolicy, error) {
	var next UserNotificationPolicy
	err := db.Where("user_id = ? AND important = ? AND \"order\" > ?", current.UserID, current.Important, current.Order).
		Order("\"order\" asc").First(&next).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// AddNotificationLogRecord appends one notification attempt entry
func AddNotificationLogRecord(db *gorm.DB, record *UserNotificationPolicyLogRecord) error {
	return db.Create(record).Error
}
