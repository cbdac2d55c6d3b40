package services

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/escalor/escalor/internal/database"
)

// OnCallResolver answers who should be paged for schedules and user groups
type OnCallResolver struct {
	db *gorm.DB
}

// NewOnCallResolver creates a resolver backed by the given database
func NewOnCallResolver(db *gorm.DB) *OnCallResolver {
	return &OnCallResolver{db: db}
}

// UsersOnCall returns the distinct users whose shifts cover the given moment
func (r *OnCallResolver) UsersOnCall(scheduleID uint, at time.Time) ([]uint, error) {
	var shifts []database.OnCallShift
	err := r.db.Where("schedule_id = ? AND start <= ? AND \"end\" > ?", scheduleID, at, at).
		Order("id asc").
		Find(&shifts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load shifts for schedule %d: %w", scheduleID, err)
	}

	seen := make(map[uint]bool)
	var users []uint
	for _, shift := range shifts {
		if seen[shift.UserID] {
			continue
		}
		seen[shift.UserID] = true
		users = append(users, shift.UserID)
	}
	return users, nil
}

// GroupMembers returns the user ids of a user group's members
func (r *OnCallResolver) GroupMembers(groupID uint) ([]uint, error) {
	var group database.UserGroup
	err := r.db.Preload("Users").First(&group, groupID).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load user group %d: %w", groupID, err)
	}

	users := make([]uint, 0, len(group.Users))
	for _, user := range group.Users {
		users = append(users, user.ID)
	}
	return users, nil
}
